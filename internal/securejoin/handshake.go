// Package securejoin implements the out-of-band trust handshake: a joiner
// scans the inviter's QR code, the two sides exchange protocol messages
// through the ordinary send path, and on success both devices hold a
// verified key fingerprint for the other. Group variants additionally join
// the scanned group.
package securejoin

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/message"
	"github.com/matterline/chatmail/internal/ongoing"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// Wire step names carried in the Secure-Join message header. The vc- prefix
// is the one-to-one contact setup, vg- the group join.
const (
	StepVcRequest         = "vc-request"
	StepVgRequest         = "vg-request"
	StepVcAuthRequired    = "vc-auth-required"
	StepVgAuthRequired    = "vg-auth-required"
	StepVcRequestWithAuth = "vc-request-with-auth"
	StepVgRequestWithAuth = "vg-request-with-auth"
	StepVcContactConfirm  = "vc-contact-confirm"
	StepVgMemberAdded     = "vg-member-added"
)

// Session steps persisted between protocol rounds.
const (
	stateRequestReceived = "request-received"
	stateRequestSent     = "request-sent"
	stateAuthSent        = "auth-sent"
)

// Inviter progress checkpoints reported on the bus.
const (
	ProgressRequestReceived = 300
	ProgressAuthVerified    = 600
	ProgressMemberAdded     = 800
	ProgressDone            = 1000
	// ProgressJoinerVerified is the joiner-side checkpoint after verifying
	// the inviter's identity.
	ProgressJoinerVerified = 400
)

// Config keys consumed by the handshake.
const (
	keySelfAddr        = "self_addr"
	keySelfFingerprint = "self_fingerprint"
	keyInvitePrefix    = "securejoin.invite."
)

// DefaultTimeout bounds how long a handshake session may stay open.
const DefaultTimeout = 5 * time.Minute

// Trust is the cryptographic identity collaborator: key fingerprints and
// the per-contact verification flag. Satisfied by *store.DB.
type Trust interface {
	Fingerprint(contactID int64) (string, error)
	IsVerified(contactID int64) (bool, error)
	MarkVerified(contactID int64) error
}

// StepParam is the JSON side data attached to an outgoing protocol message;
// the wire composer turns it into Secure-Join headers.
type StepParam struct {
	Step        string `json:"step"`
	Invite      string `json:"invite,omitempty"`
	Auth        string `json:"auth,omitempty"`
	Fingerprint string `json:"fpr,omitempty"`
	GrpID       string `json:"grpid,omitempty"`
	GrpName     string `json:"grpname,omitempty"`
}

// DecodeStepParam parses the side data of a protocol message; ok is false
// for ordinary chat messages.
func DecodeStepParam(param string) (StepParam, bool) {
	if param == "" {
		return StepParam{}, false
	}
	var p StepParam
	if err := json.Unmarshal([]byte(param), &p); err != nil || p.Step == "" {
		return StepParam{}, false
	}
	return p, true
}

// StepMessage is a received handshake step, recognized by the intake path
// from the Secure-Join headers of an incoming message.
type StepMessage struct {
	PeerAddr    string
	Step        string
	Invite      string
	Auth        string
	Fingerprint string // signing key fingerprint as seen by the crypto layer
	GrpID       string
	GrpName     string
}

type inviteRecord struct {
	Auth   string `json:"auth"`
	ChatID int64  `json:"chat_id"`
}

// Handshake drives both handshake roles. It never touches the network: it
// reacts to recognized incoming steps and enqueues outgoing ones.
type Handshake struct {
	db      *store.DB
	bus     *bus.Bus
	machine *message.Machine
	trust   Trust
	proc    *ongoing.Process
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	joinPeer int64
	joinTok  *ongoing.Token
}

// New creates the handshake manager. timeout <= 0 selects DefaultTimeout.
func New(db *store.DB, b *bus.Bus, machine *message.Machine, trust Trust, proc *ongoing.Process, timeout time.Duration, logger *zap.Logger) *Handshake {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handshake{
		db:      db,
		bus:     b,
		machine: machine,
		trust:   trust,
		proc:    proc,
		timeout: timeout,
		logger:  logger,
	}
}

// InviteQR generates a fresh invite for this device and returns the QR
// payload to display. chatID 0 invites into a one-to-one verified contact;
// a group or verified-group chat id invites into that group.
func (h *Handshake) InviteQR(chatID int64) (QR, error) {
	addr, err := h.db.GetConfig(keySelfAddr, "")
	if err != nil {
		return QR{}, err
	}
	fpr, err := h.db.GetConfig(keySelfFingerprint, "")
	if err != nil {
		return QR{}, err
	}
	if addr == "" || fpr == "" {
		return QR{}, fmt.Errorf("securejoin: account not configured")
	}
	name, err := h.db.GetConfig("self_name", "")
	if err != nil {
		return QR{}, err
	}

	q := QR{
		Fingerprint: fpr,
		Addr:        addr,
		Name:        name,
		Invite:      uuid.NewString(),
		Auth:        uuid.NewString(),
	}
	if chatID != 0 {
		chat, err := h.db.ChatByID(chatID)
		if err != nil {
			return QR{}, fmt.Errorf("securejoin: invite chat: %w", err)
		}
		if chat.Kind != store.ChatGroup && chat.Kind != store.ChatVerifiedGroup {
			return QR{}, fmt.Errorf("securejoin: chat %d is not a group", chatID)
		}
		q.GrpID = chat.GrpID
		q.GrpName = chat.Name
	}

	rec, err := json.Marshal(inviteRecord{Auth: q.Auth, ChatID: chatID})
	if err != nil {
		return QR{}, err
	}
	if err := h.db.SetConfig(keyInvitePrefix+q.Invite, string(rec)); err != nil {
		return QR{}, err
	}
	return q, nil
}

// Join starts the joiner flow for a scanned QR payload. It sends the
// initial request and returns the peer contact id; the rest of the
// handshake proceeds as the inviter's replies arrive. Join claims the
// single ongoing-process slot and fails if another long-running operation
// is active.
func (h *Handshake) Join(payload string) (int64, error) {
	q, err := ParseQR(payload)
	if err != nil {
		return 0, err
	}

	tok, err := h.proc.Start()
	if err != nil {
		return 0, err
	}

	peerID, err := h.db.UpsertContact(&store.Contact{
		Addr:        q.Addr,
		Name:        q.Name,
		Fingerprint: q.Fingerprint,
	})
	if err != nil {
		tok.Finish()
		return 0, err
	}

	// A restarted join replaces any stale session for this peer.
	sess := &store.Session{
		PeerID:   peerID,
		Role:     store.RoleJoiner,
		Step:     stateRequestSent,
		Token:    q.Auth,
		GrpID:    q.GrpID,
		GrpName:  q.GrpName,
		Deadline: time.Now().Add(h.timeout).UnixMilli(),
	}
	if err := h.db.UpsertSession(sess); err != nil {
		tok.Finish()
		return 0, err
	}

	step := StepVcRequest
	if q.IsGroup() {
		step = StepVgRequest
	}
	if err := h.sendStep(peerID, StepParam{Step: step, Invite: q.Invite, GrpID: q.GrpID}); err != nil {
		_ = h.db.DeleteSession(peerID)
		tok.Finish()
		return 0, err
	}

	h.mu.Lock()
	h.joinPeer = peerID
	h.joinTok = tok
	h.mu.Unlock()

	h.logger.Info("secure-join started",
		zap.Int64("peer_id", peerID),
		zap.Bool("group", q.IsGroup()))
	return peerID, nil
}

// CancelJoin abandons the running joiner flow, removing its session. No
// chat membership changes remain.
func (h *Handshake) CancelJoin() {
	h.mu.Lock()
	peer := h.joinPeer
	tok := h.joinTok
	h.joinPeer = 0
	h.joinTok = nil
	h.mu.Unlock()

	if tok == nil {
		return
	}
	_ = h.db.DeleteSession(peer)
	tok.Finish()
	h.bus.Emit(bus.SecurejoinFailed, bus.FailurePayload{ContactID: peer, Reason: "cancelled"})
	h.logger.Info("secure-join cancelled", zap.Int64("peer_id", peer))
}

// joinCancelled reports and handles a cooperative cancellation checkpoint.
func (h *Handshake) joinCancelled() bool {
	h.mu.Lock()
	tok := h.joinTok
	h.mu.Unlock()
	if tok != nil && tok.Cancelled() {
		h.CancelJoin()
		return true
	}
	return false
}

// finishJoin releases the ongoing slot after the joiner flow ended.
func (h *Handshake) finishJoin(peerID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joinPeer == peerID && h.joinTok != nil {
		h.joinTok.Finish()
		h.joinPeer = 0
		h.joinTok = nil
	}
}

// OnStep processes a recognized incoming handshake message. Messages for
// unknown peers, unknown invites, or with tokens that do not match the
// active session are logged and ignored; they are never surfaced as errors.
func (h *Handshake) OnStep(sm StepMessage) error {
	switch sm.Step {
	case StepVcRequest, StepVgRequest:
		return h.onRequest(sm)
	case StepVcRequestWithAuth, StepVgRequestWithAuth:
		return h.onRequestWithAuth(sm)
	case StepVcAuthRequired, StepVgAuthRequired:
		return h.onAuthRequired(sm)
	case StepVcContactConfirm:
		return h.onContactConfirm(sm)
	case StepVgMemberAdded:
		return h.onMemberAdded(sm)
	default:
		h.logger.Info("ignoring unknown handshake step", zap.String("step", sm.Step))
		return nil
	}
}

// onRequest handles the joiner's opening message on the inviter side.
func (h *Handshake) onRequest(sm StepMessage) error {
	recJSON, err := h.db.GetConfig(keyInvitePrefix+sm.Invite, "")
	if err != nil {
		return err
	}
	if recJSON == "" {
		h.logger.Info("ignoring join request with unknown invite",
			zap.String("peer", sm.PeerAddr))
		return nil
	}
	var rec inviteRecord
	if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
		return fmt.Errorf("securejoin: corrupt invite record: %w", err)
	}

	peerID, err := h.db.UpsertContact(&store.Contact{Addr: sm.PeerAddr})
	if err != nil {
		return err
	}

	sess := &store.Session{
		PeerID:   peerID,
		Role:     store.RoleInviter,
		Step:     stateRequestReceived,
		Token:    rec.Auth,
		ChatID:   rec.ChatID,
		Deadline: time.Now().Add(h.timeout).UnixMilli(),
	}
	if err := h.db.UpsertSession(sess); err != nil {
		return err
	}
	h.bus.Emit(bus.SecurejoinInviterProgress, bus.ProgressPayload{ContactID: peerID, Progress: ProgressRequestReceived})

	group := strings.HasPrefix(sm.Step, "vg-")
	reply := StepVcAuthRequired
	if group {
		reply = StepVgAuthRequired
	}
	selfFpr, err := h.db.GetConfig(keySelfFingerprint, "")
	if err != nil {
		return err
	}
	if err := h.sendStep(peerID, StepParam{Step: reply, Fingerprint: selfFpr}); err != nil {
		return err
	}
	return h.db.SetSessionStep(peerID, stateAuthSent)
}

// onAuthRequired handles the inviter's challenge on the joiner side.
func (h *Handshake) onAuthRequired(sm StepMessage) error {
	if h.joinCancelled() {
		return nil
	}
	peer, sess, ok, err := h.activeSession(sm, store.RoleJoiner, stateRequestSent)
	if err != nil || !ok {
		return err
	}

	// The challenge must be signed with the key whose fingerprint was
	// scanned from the QR code. A mismatch is an attack or a key change,
	// not a retryable condition.
	if sm.Fingerprint == "" || sm.Fingerprint != peer.Fingerprint {
		h.terminate(peer.ID, "fingerprint mismatch")
		return nil
	}

	h.bus.Emit(bus.SecurejoinJoinerProgress, bus.ProgressPayload{ContactID: peer.ID, Progress: ProgressJoinerVerified})

	group := strings.HasPrefix(sm.Step, "vg-")
	reply := StepVcRequestWithAuth
	if group {
		reply = StepVgRequestWithAuth
	}
	selfFpr, err := h.db.GetConfig(keySelfFingerprint, "")
	if err != nil {
		return err
	}
	if err := h.sendStep(peer.ID, StepParam{
		Step:        reply,
		Auth:        sess.Token,
		Fingerprint: selfFpr,
		GrpID:       sess.GrpID,
	}); err != nil {
		return err
	}
	return h.db.SetSessionStep(peer.ID, stateAuthSent)
}

// onRequestWithAuth handles the joiner's authenticated confirmation on the
// inviter side. This is where the inviter commits: it verifies the secret
// token and the joiner's key fingerprint, marks the contact verified, and
// confirms back (plus the member-added update for group joins).
func (h *Handshake) onRequestWithAuth(sm StepMessage) error {
	peer, sess, ok, err := h.activeSession(sm, store.RoleInviter, stateAuthSent)
	if err != nil || !ok {
		return err
	}

	if sm.Auth != sess.Token {
		h.logger.Info("ignoring handshake message with mismatched token",
			zap.Int64("peer_id", peer.ID))
		return nil
	}

	known, err := h.trust.Fingerprint(peer.ID)
	if err != nil {
		return err
	}
	if sm.Fingerprint == "" || (known != "" && sm.Fingerprint != known) {
		h.terminate(peer.ID, "fingerprint mismatch")
		return nil
	}
	if known == "" {
		if _, err := h.db.UpsertContact(&store.Contact{Addr: peer.Addr, Fingerprint: sm.Fingerprint}); err != nil {
			return err
		}
	}

	if err := h.trust.MarkVerified(peer.ID); err != nil {
		return err
	}
	h.bus.Emit(bus.SecurejoinInviterProgress, bus.ProgressPayload{ContactID: peer.ID, Progress: ProgressAuthVerified})

	group := strings.HasPrefix(sm.Step, "vg-")
	if !group {
		if err := h.sendStep(peer.ID, StepParam{Step: StepVcContactConfirm}); err != nil {
			return err
		}
		return h.complete(peer.ID, store.RoleInviter, 0)
	}

	chat, err := h.db.ChatByID(sess.ChatID)
	if err != nil {
		return fmt.Errorf("securejoin: invite group vanished: %w", err)
	}
	if err := h.db.AddChatMember(chat.ID, peer.ID); err != nil {
		return err
	}
	if err := h.sendStep(peer.ID, StepParam{Step: StepVgMemberAdded, GrpID: chat.GrpID, GrpName: chat.Name}); err != nil {
		return err
	}
	h.bus.Emit(bus.SecurejoinInviterProgress, bus.ProgressPayload{ContactID: peer.ID, Progress: ProgressMemberAdded})
	h.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chat.ID})
	return h.complete(peer.ID, store.RoleInviter, chat.ID)
}

// onContactConfirm finishes a one-to-one join on the joiner side.
func (h *Handshake) onContactConfirm(sm StepMessage) error {
	if h.joinCancelled() {
		return nil
	}
	peer, _, ok, err := h.activeSession(sm, store.RoleJoiner, stateAuthSent)
	if err != nil || !ok {
		return err
	}
	if err := h.trust.MarkVerified(peer.ID); err != nil {
		return err
	}
	chatID, err := h.db.SingleChatWith(peer.ID)
	if err != nil {
		return err
	}
	h.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chatID})
	return h.complete(peer.ID, store.RoleJoiner, chatID)
}

// onMemberAdded finishes a group join on the joiner side: only now is the
// local group chat created and the membership considered committed.
func (h *Handshake) onMemberAdded(sm StepMessage) error {
	if h.joinCancelled() {
		return nil
	}
	peer, sess, ok, err := h.activeSession(sm, store.RoleJoiner, stateAuthSent)
	if err != nil || !ok {
		return err
	}
	if sm.GrpID == "" || sm.GrpID != sess.GrpID {
		h.logger.Info("ignoring member-added for unexpected group",
			zap.Int64("peer_id", peer.ID), zap.String("grpid", sm.GrpID))
		return nil
	}

	if err := h.trust.MarkVerified(peer.ID); err != nil {
		return err
	}

	chat, err := h.db.ChatByGrpID(sess.GrpID)
	if err == store.ErrNotFound {
		id, cerr := h.db.CreateChat(&store.Chat{
			Kind:  store.ChatVerifiedGroup,
			Name:  sess.GrpName,
			GrpID: sess.GrpID,
		})
		if cerr != nil {
			return cerr
		}
		chat = &store.Chat{ID: id}
	} else if err != nil {
		return err
	}
	if err := h.db.AddChatMember(chat.ID, peer.ID); err != nil {
		return err
	}
	h.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chat.ID})
	return h.complete(peer.ID, store.RoleJoiner, chat.ID)
}

// ExpireSessions removes sessions past their deadline and reports each as a
// timeout, distinct from a verification failure. Called from housekeeping.
func (h *Handshake) ExpireSessions(now int64) error {
	peers, err := h.db.DeleteExpiredSessions(now)
	if err != nil {
		return err
	}
	for _, peer := range peers {
		h.logger.Info("secure-join session timed out", zap.Int64("peer_id", peer))
		h.bus.Emit(bus.SecurejoinFailed, bus.FailurePayload{ContactID: peer, Reason: "timeout"})
		h.finishJoin(peer)
	}
	return nil
}

// activeSession loads and validates the session a step message belongs to.
// ok is false when the message should be ignored.
func (h *Handshake) activeSession(sm StepMessage, role, step string) (*store.Contact, *store.Session, bool, error) {
	peer, err := h.db.ContactByAddr(sm.PeerAddr)
	if err == store.ErrNotFound {
		h.logger.Info("ignoring handshake message from unknown peer", zap.String("peer", sm.PeerAddr))
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	sess, err := h.db.SessionByPeer(peer.ID)
	if err == store.ErrNotFound {
		h.logger.Info("ignoring handshake message without active session", zap.Int64("peer_id", peer.ID))
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	if sess.Role != role || sess.Step != step {
		h.logger.Info("ignoring out-of-order handshake message",
			zap.Int64("peer_id", peer.ID),
			zap.String("session_step", sess.Step),
			zap.String("got", sm.Step))
		return nil, nil, false, nil
	}
	return peer, sess, true, nil
}

// terminate ends a session on a protocol violation. Reported distinctly
// from a timeout so the embedder can show "verification failed".
func (h *Handshake) terminate(peerID int64, reason string) {
	_ = h.db.DeleteSession(peerID)
	h.logger.Warn("secure-join failed", zap.Int64("peer_id", peerID), zap.String("reason", reason))
	h.bus.Emit(bus.SecurejoinFailed, bus.FailurePayload{ContactID: peerID, Reason: reason})
	h.finishJoin(peerID)
}

// complete ends a session successfully on either side.
func (h *Handshake) complete(peerID int64, role string, chatID int64) error {
	if err := h.db.DeleteSession(peerID); err != nil {
		return err
	}
	kind := bus.SecurejoinInviterProgress
	if role == store.RoleJoiner {
		kind = bus.SecurejoinJoinerProgress
		h.finishJoin(peerID)
	}
	h.bus.Emit(kind, bus.ProgressPayload{ContactID: peerID, Progress: ProgressDone})
	h.logger.Info("secure-join done",
		zap.Int64("peer_id", peerID),
		zap.String("role", role),
		zap.Int64("chat_id", chatID))
	return nil
}

// sendStep enqueues a protocol message to the peer's one-to-one chat.
func (h *Handshake) sendStep(peerID int64, p StepParam) error {
	chatID, err := h.db.SingleChatWith(peerID)
	if err != nil {
		return err
	}
	param, err := json.Marshal(p)
	if err != nil {
		return err
	}
	rfcID := uuid.NewString() + "@chatmail.invalid"
	if _, err := h.machine.ComposeSystem(chatID, rfcID, "Secure-Join: "+p.Step, string(param)); err != nil {
		return fmt.Errorf("securejoin: send %s: %w", p.Step, err)
	}
	return nil
}
