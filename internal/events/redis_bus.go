package events

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gridagent/agent/internal/platform/logger"
)

// RedisBus fans local events out over a Redis pub/sub channel so multiple
// agent processes on one host (or across a LAN) can share a single event
// stream — a strict superset of LocalBus's in-process delivery. Local
// delivery still goes through the embedded LocalBus's queue;
// KindConfirmTerminate events are never published to Redis, since their
// reply channel only makes sense within the process that raised them.
type RedisBus struct {
	*LocalBus
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus wraps addr/channel with a local bus of the given capacity.
func NewRedisBus(ctx context.Context, addr, channel string, capacity int, log *logger.Logger) (*RedisBus, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBus{
		LocalBus: NewLocalBus(capacity, log),
		log:      log,
		rdb:      rdb,
		channel:  channel,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, e Event) {
	b.LocalBus.Publish(ctx, e)
	if e.Kind == KindConfirmTerminate {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil && b.log != nil {
		b.log.Warn("events: redis publish failed", "error", err)
	}
}

// SubscribeRemote starts forwarding remote-origin events (published by
// peer agents) into onEvent; it does not replace the local Subscribe.
func (b *RedisBus) SubscribeRemote(ctx context.Context, onEvent func(Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					if b.log != nil {
						b.log.Warn("events: bad redis payload", "error", err)
					}
					continue
				}
				onEvent(e)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	_ = b.LocalBus.Close()
	return b.rdb.Close()
}

var _ Bus = (*RedisBus)(nil)
