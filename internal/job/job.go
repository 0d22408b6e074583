// Package job implements the persisted work queue and the per-transport
// dispatcher that executes it. High-level actions (send a message, mark it
// seen on the server, move it, delete it) become job rows; the transport
// threads drain them with ClaimAndRun.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Params is the small parameter payload stored with a job, JSON-encoded in
// the param column. Most kinds need none; move jobs carry the destination
// folder.
type Params struct {
	Dest string `json:"dest,omitempty"`
}

func (p Params) encode() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeParams(s string) (Params, error) {
	var p Params
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("decode job params: %w", err)
	}
	return p, nil
}

// TerminalError marks a transport failure that retrying cannot fix, such as
// rejected credentials or a permanent server refusal. Any other non-nil
// error from the executor is treated as recoverable and retried with
// backoff.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal: %s: %v", e.Reason, e.Err)
	}
	return "terminal: " + e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a terminal failure.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// RetryPolicy bounds how often and how late a recoverable job is retried.
// The delay doubles per try, capped at Max; after MaxTries the failure
// becomes terminal.
type RetryPolicy struct {
	MaxTries int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is the documented retry configuration: eight tries
// with backoff 10s, 20s, 40s, ... capped at five minutes.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries: 8,
	Base:     10 * time.Second,
	Max:      5 * time.Minute,
}

// Backoff returns the delay before the given try (1-based). The curve is
// strictly non-decreasing in tries.
func (p RetryPolicy) Backoff(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	d := p.Base
	for i := 1; i < tries; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
