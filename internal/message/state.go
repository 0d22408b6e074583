// Package message owns the message delivery state machine. All writes to a
// message's state column go through Machine; transport code and API callers
// never touch it directly.
package message

import (
	"fmt"
	"slices"
)

// State represents a message lifecycle state.
type State string

const (
	// Incoming branch.
	Fresh   State = "fresh"
	Noticed State = "noticed"
	Seen    State = "seen"

	// Outgoing branch.
	Preparing State = "preparing"
	Draft     State = "draft"
	Pending   State = "pending"
	Delivered State = "delivered"
	MdnRcvd   State = "mdn-received"
	Failed    State = "failed"
)

// validTransitions defines the allowed state graph. Terminal states are
// Seen, MdnRcvd and Failed; Failed additionally allows the explicit
// user-visible re-send back to Pending.
var validTransitions = map[State][]State{
	Fresh:     {Noticed},
	Noticed:   {Seen},
	Preparing: {Draft, Pending, Failed},
	Draft:     {Pending},
	Pending:   {Delivered, Failed},
	Delivered: {MdnRcvd, Failed},
	Failed:    {Pending},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// checkTransition returns an error describing the rejected edge.
func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("message: invalid transition from %s to %s", from, to)
	}
	return nil
}
