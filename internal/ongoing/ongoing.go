// Package ongoing guards the single long-running user-visible operation the
// core allows at a time (secure-join joiner flow, configure, import). A
// second start while one is active is rejected; cancellation is cooperative,
// checked between protocol steps.
package ongoing

import (
	"errors"
	"sync"
)

// ErrRunning is returned when an operation is already in progress.
var ErrRunning = errors.New("ongoing: another operation is already running")

// Process is the single ongoing-operation slot.
type Process struct {
	mu     sync.Mutex
	active bool
	cancel chan struct{}
}

// New creates an idle process slot.
func New() *Process {
	return &Process{}
}

// Start claims the slot and returns a token observing cancellation.
// Starting while another operation holds the slot fails with ErrRunning.
func (p *Process) Start() (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil, ErrRunning
	}
	p.active = true
	p.cancel = make(chan struct{})
	return &Token{proc: p, cancel: p.cancel}, nil
}

// Stop requests cancellation of the running operation, if any. Idempotent.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		select {
		case <-p.cancel:
		default:
			close(p.cancel)
		}
	}
}

// Active reports whether an operation currently holds the slot.
func (p *Process) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Token is held by the running operation.
type Token struct {
	proc   *Process
	cancel chan struct{}
	once   sync.Once
}

// Done returns a channel closed when cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.cancel
}

// Cancelled reports whether Stop was called. Operations check this between
// steps; cancellation is best-effort-timely, not instantaneous.
func (t *Token) Cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// Finish releases the slot. Safe to call more than once.
func (t *Token) Finish() {
	t.once.Do(func() {
		t.proc.mu.Lock()
		t.proc.active = false
		t.proc.mu.Unlock()
	})
}
