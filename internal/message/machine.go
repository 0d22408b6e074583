package message

import (
	"fmt"

	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// Enqueuer persists a job and wakes the dispatcher for its transport.
// Satisfied by job.Queue; declared here so the state machine stays a leaf.
type Enqueuer interface {
	Enqueue(kind store.JobKind, msgID int64) (int64, error)
}

// Machine applies message state transitions and their side effects: bus
// notifications and follow-up jobs. It is driven by API calls (mark-seen,
// mark-noticed) and by the dispatcher (send outcomes, MDN receipt).
type Machine struct {
	db     *store.DB
	bus    *bus.Bus
	queue  Enqueuer
	logger *zap.Logger

	// mdnsEnabled is the account-wide read-receipt setting. A receipt is
	// only sent when this is on AND the message itself requested one.
	mdnsEnabled bool
}

// NewMachine creates the state machine. queue may be nil in tests that only
// exercise local transitions.
func NewMachine(db *store.DB, b *bus.Bus, queue Enqueuer, mdnsEnabled bool, logger *zap.Logger) *Machine {
	return &Machine{db: db, bus: b, queue: queue, mdnsEnabled: mdnsEnabled, logger: logger}
}

// transition moves one message along a validated edge and returns the
// loaded row for side-effect decisions.
func (m *Machine) transition(msgID int64, to State) (*store.Message, error) {
	msg, err := m.db.MessageByID(msgID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(State(msg.State), to); err != nil {
		return nil, err
	}
	if err := m.db.SetMessageState(msgID, string(to)); err != nil {
		return nil, err
	}
	msg.State = string(to)
	return msg, nil
}

// Compose inserts a new outgoing message. Messages referencing a
// not-yet-finalized attachment start in Preparing and send nothing until
// FinishPreparation; all others start in Pending with a send job enqueued.
func (m *Machine) Compose(chatID int64, rfcID, body string, preparing bool) (int64, error) {
	if _, err := m.db.ChatByID(chatID); err != nil {
		return 0, fmt.Errorf("compose: %w", err)
	}
	state := Pending
	if preparing {
		state = Preparing
	}
	id, err := m.db.InsertMessage(&store.Message{
		ChatID: chatID,
		RfcID:  rfcID,
		Dir:    store.DirOut,
		State:  string(state),
		Body:   body,
	})
	if err != nil {
		return 0, err
	}
	if state == Pending {
		if _, err := m.queue.Enqueue(store.KindSendMsg, id); err != nil {
			return 0, err
		}
	}
	m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: chatID, MsgID: id})
	return id, nil
}

// ComposeSystem inserts an informational protocol message (secure-join
// steps, group membership notices) and enqueues its send. param is the
// JSON side data the composer turns into protocol headers.
func (m *Machine) ComposeSystem(chatID int64, rfcID, body, param string) (int64, error) {
	if _, err := m.db.ChatByID(chatID); err != nil {
		return 0, fmt.Errorf("compose system: %w", err)
	}
	id, err := m.db.InsertMessage(&store.Message{
		ChatID: chatID,
		RfcID:  rfcID,
		Dir:    store.DirOut,
		State:  string(Pending),
		IsInfo: true,
		Body:   body,
		Param:  param,
	})
	if err != nil {
		return 0, err
	}
	if _, err := m.queue.Enqueue(store.KindSendMsg, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Park moves a preparing message into the draft parking state while its
// content is still being produced.
func (m *Machine) Park(msgID int64) error {
	msg, err := m.transition(msgID, Draft)
	if err != nil {
		return err
	}
	m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	return nil
}

// FinishPreparation promotes a preparing or draft message to Pending and
// enqueues the send job. Preparation is an explicit state transition, not
// something inferred from reused message handles.
func (m *Machine) FinishPreparation(msgID int64) error {
	msg, err := m.transition(msgID, Pending)
	if err != nil {
		return err
	}
	if _, err := m.queue.Enqueue(store.KindSendMsg, msgID); err != nil {
		return err
	}
	m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	return nil
}

// Resend returns a failed message to Pending and enqueues a fresh send job.
// This is the only path by which a message state moves backwards.
func (m *Machine) Resend(msgID int64) error {
	msg, err := m.transition(msgID, Pending)
	if err != nil {
		return err
	}
	if _, err := m.queue.Enqueue(store.KindSendMsg, msgID); err != nil {
		return err
	}
	m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	return nil
}

// MarkNoticed moves all fresh messages of a chat to Noticed. This removes
// the "new message" marker without claiming the content was read, so no
// jobs are enqueued.
func (m *Machine) MarkNoticed(chatID int64) error {
	if _, err := m.db.ChatByID(chatID); err != nil {
		return fmt.Errorf("mark noticed: %w", err)
	}
	ids, err := m.db.MessagesInState(chatID, string(Fresh))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.transition(id, Noticed); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: chatID})
	}
	return nil
}

// MarkSeen moves incoming messages to Seen, enqueues the server-side seen
// flag update, and, when the peer opted in to read receipts, an MDN send.
// Messages still in the deaddrop only change local state: no network job is
// enqueued for an unconfirmed sender.
func (m *Machine) MarkSeen(msgIDs []int64) error {
	for _, id := range msgIDs {
		msg, err := m.db.MessageByID(id)
		if err != nil {
			return err
		}
		if msg.Dir != store.DirIn || State(msg.State) == Seen {
			continue
		}
		// A fresh message passes through Noticed on its way to Seen; the
		// state graph has no fresh -> seen shortcut.
		if State(msg.State) == Fresh {
			if _, err := m.transition(id, Noticed); err != nil {
				return err
			}
		}
		msg, err = m.transition(id, Seen)
		if err != nil {
			return err
		}
		if msg.ChatID == store.DeaddropChatID {
			m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
			continue
		}
		if _, err := m.queue.Enqueue(store.KindMarkseenMsg, id); err != nil {
			return err
		}
		if m.mdnsEnabled && msg.WantsMDN {
			if _, err := m.queue.Enqueue(store.KindSendMdn, id); err != nil {
				return err
			}
		}
		m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	}
	return nil
}

// OnSendSuccess records a successful send job: Pending -> Delivered.
func (m *Machine) OnSendSuccess(msgID int64) error {
	msg, err := m.transition(msgID, Delivered)
	if err != nil {
		return err
	}
	m.bus.Emit(bus.MsgDelivered, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	return nil
}

// OnSendFailure records a terminal send failure or a late bounce:
// Pending|Delivered -> Failed.
func (m *Machine) OnSendFailure(msgID int64, reason string) error {
	msg, err := m.transition(msgID, Failed)
	if err != nil {
		return err
	}
	m.logger.Warn("message failed",
		zap.Int64("msg_id", msgID),
		zap.String("reason", reason))
	m.bus.Emit(bus.MsgFailed, bus.FailurePayload{MsgID: msg.ID, Reason: reason})
	m.bus.Emit(bus.MsgChanged, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	return nil
}

// OnMdnReceived records an incoming read receipt: Delivered -> MdnRcvd.
func (m *Machine) OnMdnReceived(msgID int64) error {
	msg, err := m.transition(msgID, MdnRcvd)
	if err != nil {
		return err
	}
	m.bus.Emit(bus.MsgRead, bus.MsgPayload{ChatID: msg.ChatID, MsgID: msg.ID})
	return nil
}
