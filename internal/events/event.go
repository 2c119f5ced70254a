// Package events is the typed bus carrying progress, log, and case/process
// lifecycle notifications from daemons and workers to whatever consumer is
// attached (UI, headless log sink, or nothing at all). Producers never
// block: the bus is bounded and, once its queue is full, drains to the log
// sink.
package events

import "time"

// Kind discriminates an Event's payload the way spec §4.D requires.
type Kind string

const (
	KindLog      Kind = "log"
	KindInfo     Kind = "info"
	KindWarning  Kind = "warning"
	KindError    Kind = "error"
	KindCritical Kind = "critical" // consumer terminates the process after display

	KindProgressMax   Kind = "progress_max"
	KindProgressTick  Kind = "progress_tick"
	KindProgressClose Kind = "progress_close"

	// KindConfirmTerminate is a request/reply event: the processing daemon
	// blocks on Answer() until the consumer calls Reply.
	KindConfirmTerminate Kind = "confirm_terminate"

	KindCaseAdded              Kind = "case_added"
	KindCaseSubmitted          Kind = "case_submitted"
	KindMyCaseAdded            Kind = "my_case_added"
	KindMyProcessAdded         Kind = "my_process_added"
	KindMyProcessRemoved       Kind = "my_process_removed"
	KindMyProcessStatusChanged Kind = "my_process_status_changed"
)

// Event is one bus message. Fields beyond Kind are populated according to
// the kind; zero values are used for fields that kind does not need.
type Event struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message,omitempty"`
	CaseID    string    `json:"case_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Max       int       `json:"max,omitempty"`
	Tick      int       `json:"tick,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// reply is non-nil only for KindConfirmTerminate; set by the producer,
	// consumed by whoever answers the question. It is never marshaled.
	reply chan bool `json:"-"`
}

// NewConfirmTerminate builds a request/reply event. Call Answer(done) to
// block for the consumer's decision.
func NewConfirmTerminate(message string) Event {
	return Event{
		Kind:      KindConfirmTerminate,
		Message:   message,
		Timestamp: time.Now(),
		reply:     make(chan bool, 1),
	}
}

// Reply answers a KindConfirmTerminate event; ok=true means "terminate
// confirmed", ok=false means "refused, restore desired_concurrency to 1".
// A no-op on any other kind.
func (e Event) Reply(ok bool) {
	if e.reply == nil {
		return
	}
	select {
	case e.reply <- ok:
	default:
	}
}

// Answer blocks until Reply is called or done is closed, returning the
// confirmation. A no-op event (not KindConfirmTerminate) returns false
// immediately.
func (e Event) Answer(done <-chan struct{}) bool {
	if e.reply == nil {
		return false
	}
	select {
	case ok := <-e.reply:
		return ok
	case <-done:
		return false
	}
}
