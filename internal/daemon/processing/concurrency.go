package processing

import "sync/atomic"

// Concurrency is the shared desired-concurrency knob the UI thread writes
// and the processing daemon's Phase 1 reads every tick (spec §5: "a shared
// desired_concurrency integer").
type Concurrency struct {
	v atomic.Int64
}

// NewConcurrency creates a Concurrency initialized to n.
func NewConcurrency(n int) *Concurrency {
	c := &Concurrency{}
	c.v.Store(int64(n))
	return c
}

func (c *Concurrency) Get() int {
	return int(c.v.Load())
}

func (c *Concurrency) Set(n int) {
	c.v.Store(int64(n))
}
