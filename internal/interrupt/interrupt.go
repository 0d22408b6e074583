// Package interrupt provides the per-transport idle/wake primitive used by
// the transport loops. Each transport thread blocks in Wait between fetch
// cycles; any other goroutine wakes it with Interrupt so newly enqueued work
// is picked up with low latency.
package interrupt

import (
	"sync"
	"time"
)

// Reason reports why a Wait call returned.
type Reason int

const (
	// Interrupted means another goroutine called Interrupt.
	Interrupted Reason = iota
	// Timeout means the wait deadline elapsed with no interrupt.
	Timeout
	// Shutdown means the coordinator was shut down; no further waits block.
	Shutdown
)

func (r Reason) String() string {
	switch r {
	case Interrupted:
		return "interrupted"
	case Timeout:
		return "timeout"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Coordinator is the wait/interrupt primitive for a single transport.
// Interrupt is idempotent and non-blocking: at most one signal is pending at
// a time, and a signal delivered while nobody waits makes exactly the next
// Wait return immediately.
type Coordinator struct {
	signal chan struct{}

	mu   sync.Mutex
	done chan struct{}
	down bool
}

// New creates a coordinator with no pending signal.
func New() *Coordinator {
	return &Coordinator{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Interrupt wakes the waiting goroutine, if any, or arms a single pending
// signal consumed by the next Wait. Never blocks, cannot fail.
func (c *Coordinator) Interrupt() {
	select {
	case c.signal <- struct{}{}:
	default:
		// A signal is already pending; interrupts do not queue beyond one.
	}
}

// Wait blocks until Interrupt is called, the timeout elapses, or Shutdown
// is invoked, and reports which of the three happened.
func (c *Coordinator) Wait(timeout time.Duration) Reason {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.signal:
		return Interrupted
	case <-c.done:
		return Shutdown
	case <-timer.C:
		return Timeout
	}
}

// Shutdown wakes the current waiter and makes every future Wait return
// immediately with the Shutdown reason. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.down {
		c.down = true
		close(c.done)
	}
}
