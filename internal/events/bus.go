package events

import (
	"context"
	"time"

	"github.com/gridagent/agent/internal/platform/logger"
)

// Bus is the single-consumer event sink every daemon and worker publishes
// to. Publish never blocks the caller.
type Bus interface {
	Publish(ctx context.Context, e Event)
	// Subscribe registers onEvent as a consumer until ctx is done. Calling
	// Subscribe a second time adds another consumer on the same queue; the
	// earlier one is not stopped, and each event reaches only one of them.
	Subscribe(ctx context.Context, onEvent func(Event)) error
	Close() error
}

// LocalBus is a bounded multi-producer/single-consumer queue. If the
// channel is full, events drain to the log sink instead of blocking the
// producer — matching spec §4.D's "producers never block" requirement.
// With no consumer attached, the first capacity events stay in the queue
// and only later ones reach the log sink.
type LocalBus struct {
	log   *logger.Logger
	queue chan Event
	done  chan struct{}
}

// NewLocalBus creates a bus with the given channel capacity.
func NewLocalBus(capacity int, log *logger.Logger) *LocalBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &LocalBus{
		log:   log,
		queue: make(chan Event, capacity),
		done:  make(chan struct{}),
	}
}

func (b *LocalBus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.queue <- e:
	default:
		b.logFallback(e)
	}
}

func (b *LocalBus) logFallback(e Event) {
	if b.log == nil {
		return
	}
	switch e.Kind {
	case KindError, KindCritical:
		b.log.Error(string(e.Kind), "message", e.Message, "case_id", e.CaseID)
	case KindWarning:
		b.log.Warn(string(e.Kind), "message", e.Message, "case_id", e.CaseID)
	default:
		b.log.Info(string(e.Kind), "message", e.Message, "case_id", e.CaseID)
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, onEvent func(Event)) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case e := <-b.queue:
				onEvent(e)
			}
		}
	}()
	return nil
}

func (b *LocalBus) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}
