package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds emitted by the core. Consumers must treat kinds they do not
// recognize as no-ops.
const (
	// MsgIncoming fires once for every freshly fetched incoming message.
	MsgIncoming = "msg.incoming"
	// MsgChanged fires for generic message/chat mutations not covered by a
	// more specific kind.
	MsgChanged = "msg.changed"
	// MsgDelivered fires when a send job reports success (pending -> delivered).
	MsgDelivered = "msg.delivered"
	// MsgFailed fires when a message reaches the failed state.
	MsgFailed = "msg.failed"
	// MsgRead fires when a read receipt for an outgoing message arrives.
	MsgRead = "msg.read"
	// ChatModified fires on chat metadata or membership changes.
	ChatModified = "chat.modified"
	// JobFailed fires once per terminally failed job.
	JobFailed = "job.failed"
	// SecurejoinInviterProgress carries inviter checkpoints 300/600/800/1000.
	SecurejoinInviterProgress = "securejoin.inviter_progress"
	// SecurejoinJoinerProgress carries joiner checkpoint 400.
	SecurejoinJoinerProgress = "securejoin.joiner_progress"
	// SecurejoinFailed fires when a handshake terminates without completing.
	SecurejoinFailed = "securejoin.failed"
)

// MsgPayload identifies the chat and message an event refers to.
type MsgPayload struct {
	ChatID int64
	MsgID  int64
}

// ChatPayload identifies the chat an event refers to.
type ChatPayload struct {
	ChatID int64
}

// ProgressPayload carries a secure-join progress checkpoint for a peer.
type ProgressPayload struct {
	ContactID int64
	Progress  int
}

// FailurePayload describes a terminal failure surfaced to the embedder.
type FailurePayload struct {
	ContactID int64
	MsgID     int64
	Reason    string
}
