package store

// Transport identifies one of the independently threaded mail access paths.
// Every job targets exactly one transport, and every transport has its own
// interrupt coordinator and its own caller-owned thread.
type Transport string

const (
	TransportInbox   Transport = "inbox"
	TransportMvbox   Transport = "mvbox"
	TransportSentbox Transport = "sentbox"
	TransportSMTP    Transport = "smtp"
)

// Transports lists all transports in a stable order.
var Transports = []Transport{TransportInbox, TransportMvbox, TransportSentbox, TransportSMTP}

// JobKind names a unit of work executed by a dispatcher.
type JobKind string

const (
	KindSendMsg      JobKind = "send-msg"
	KindSendMdn      JobKind = "send-mdn"
	KindDeleteMsg    JobKind = "delete-msg-on-server"
	KindMarkseenMsg  JobKind = "markseen-msg-on-server"
	KindMarkseenMdn  JobKind = "markseen-mdn-on-server"
	KindMoveMsg      JobKind = "move-msg"
	KindConfigure    JobKind = "configure"
	KindHousekeeping JobKind = "housekeeping"
)

// KindTransport maps each job kind to the single transport that executes it.
var KindTransport = map[JobKind]Transport{
	KindSendMsg:      TransportSMTP,
	KindSendMdn:      TransportSMTP,
	KindDeleteMsg:    TransportInbox,
	KindMarkseenMsg:  TransportInbox,
	KindMarkseenMdn:  TransportInbox,
	KindMoveMsg:      TransportInbox,
	KindConfigure:    TransportInbox,
	KindHousekeeping: TransportInbox,
}

// Job is a persisted unit of work. Rows are immutable once created except
// for the retry bookkeeping (tries, not_before, claimed, claimed_at).
type Job struct {
	ID        int64
	Transport Transport
	Kind      JobKind
	MsgID     int64  // referenced message, 0 if none
	Param     string // JSON-encoded parameter payload
	Tries     int
	NotBefore int64 // unix ms; job is not due before this
	AddedAt   int64 // unix ms
	ClaimedAt int64 // unix ms of the current claim, 0 while unclaimed
}

// Message direction values.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Message is a chat message row. The state column is owned exclusively by
// the message state machine; transport code never writes it directly.
type Message struct {
	ID      int64
	ChatID  int64
	FromID  int64
	RfcID   string // RFC 5322 Message-ID
	Dir     string
	State   string
	IsInfo  bool
	Body    string
	Param   string // JSON side data, e.g. secure-join step headers
	// WantsMDN records that the sender asked for a read receipt; it gates
	// the MDN sent when the message is marked seen (incoming only).
	WantsMDN bool
	Folder   string // server folder the message lives in (incoming only)
	UID      uint32 // IMAP UID within Folder (incoming only)
	SortTs   int64  // ordering timestamp, distinct from sent/received
	SentTs   int64
	RcvdTs   int64
}

// Chat kinds.
const (
	ChatSingle        = "single"
	ChatGroup         = "group"
	ChatVerifiedGroup = "verified-group"
	ChatDeaddrop      = "deaddrop"
)

// DeaddropChatID is the reserved chat holding messages from unconfirmed
// senders. It is seeded by the initial migration.
const DeaddropChatID int64 = 1

// Chat is a container of messages with a membership list.
type Chat struct {
	ID       int64
	Kind     string
	Name     string
	GrpID    string // stable group identifier carried in message headers
	Promoted bool
	Archived bool
}

// Contact is a known peer address with its cryptographic trust state.
type Contact struct {
	ID          int64
	Addr        string
	Name        string
	Fingerprint string
	Verified    bool
}

// Secure-join roles.
const (
	RoleInviter = "inviter"
	RoleJoiner  = "joiner"
)

// Session is an ephemeral secure-join handshake session, at most one per peer.
type Session struct {
	PeerID   int64
	Role     string
	Step     string
	Token    string // expected random token guarding against injected steps
	ChatID   int64  // target chat for group joins, 0 for contact setup
	GrpID    string // stable group id for group joins
	GrpName  string
	Deadline int64  // unix ms
}
