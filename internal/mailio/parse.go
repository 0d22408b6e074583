package mailio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Protocol headers carried on chat messages. The Secure-Join family drives
// the verification handshake; Chat-Group-ID threads group messages.
const (
	hdrChatVersion    = "Chat-Version"
	hdrGroupID        = "Chat-Group-ID"
	hdrGroupName      = "Chat-Group-Name"
	hdrSecureJoin     = "Secure-Join"
	hdrSecureJoinInv  = "Secure-Join-Invitenumber"
	hdrSecureJoinAuth = "Secure-Join-Auth"
	hdrSecureJoinFpr  = "Secure-Join-Fingerprint"
	hdrSecureJoinGrp  = "Secure-Join-Group"
	hdrDispositionTo  = "Chat-Disposition-Notification-To"
	hdrOriginalMsgID  = "X-Original-Message-ID"
	hdrAutoSubmitted  = "Auto-Submitted"
)

const chatVersion = "1.0"

// Envelope is one incoming message after MIME parsing, reduced to what the
// intake path needs. The raw message stays on the server.
type Envelope struct {
	Folder string
	UID    uint32

	RfcID    string // Message-ID without angle brackets
	From     string
	FromName string
	To       []string
	Subject  string
	Date     time.Time
	Body     string

	// IsChat is set when the message was produced by a chat client.
	IsChat bool

	GroupID   string
	GroupName string

	// SecureJoin* mirror the handshake headers; Step empty means no
	// handshake message.
	SecureJoinStep   string
	SecureJoinInvite string
	SecureJoinAuth   string
	SecureJoinFpr    string
	SecureJoinGrpID  string

	// WantsMDN is set when the sender asked for a read receipt.
	WantsMDN bool
	// MDNFor carries the original Message-ID when this message itself is a
	// read receipt.
	MDNFor string

	// Bounce is set when the message is a delivery-failure notice from a
	// mail server; BounceFor carries the failed message's Message-ID when
	// the notice includes the returned headers.
	Bounce    bool
	BounceFor string
}

// trimMsgID strips the optional RFC 5322 angle brackets.
func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// ParseEnvelope parses a raw RFC 5322 message fetched from folder/uid.
func ParseEnvelope(folder string, uid uint32, raw []byte) (*Envelope, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message %s/%d: %w", folder, uid, err)
	}
	defer mr.Close()

	h := mr.Header
	rootType, rootParams, _ := h.ContentType()
	env := &Envelope{
		Folder:           folder,
		UID:              uid,
		IsChat:           h.Get(hdrChatVersion) != "",
		GroupID:          h.Get(hdrGroupID),
		GroupName:        h.Get(hdrGroupName),
		SecureJoinStep:   h.Get(hdrSecureJoin),
		SecureJoinInvite: h.Get(hdrSecureJoinInv),
		SecureJoinAuth:   h.Get(hdrSecureJoinAuth),
		SecureJoinFpr:    h.Get(hdrSecureJoinFpr),
		SecureJoinGrpID:  h.Get(hdrSecureJoinGrp),
		WantsMDN:         h.Get(hdrDispositionTo) != "",
		MDNFor:           trimMsgID(h.Get(hdrOriginalMsgID)),
		Bounce:           rootType == "multipart/report" && rootParams["report-type"] == "delivery-status",
	}

	if id, err := h.MessageID(); err == nil {
		env.RfcID = trimMsgID(id)
	}
	if env.RfcID == "" {
		return nil, fmt.Errorf("message %s/%d has no message-id", folder, uid)
	}

	if subj, err := h.Subject(); err == nil {
		env.Subject = subj
	}
	if date, err := h.Date(); err == nil {
		env.Date = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		env.From = strings.ToLower(from[0].Address)
		env.FromName = from[0].Name
	}
	if env.From == "" {
		return nil, fmt.Errorf("message %s/%d has no sender", folder, uid)
	}
	if strings.HasPrefix(env.From, "mailer-daemon@") || strings.HasPrefix(env.From, "postmaster@") {
		env.Bounce = true
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			env.To = append(env.To, strings.ToLower(a.Address))
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		var ctype string
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ = ph.ContentType()
		case *mail.AttachmentHeader:
			ctype, _, _ = ph.ContentType()
		}
		switch {
		case (ctype == "text/plain" || ctype == "") && env.Body == "":
			body, rerr := io.ReadAll(part.Body)
			if rerr != nil {
				continue
			}
			env.Body = string(body)
		case env.Bounce && (ctype == "message/rfc822" || ctype == "text/rfc822-headers" || ctype == "message/global"):
			// The returned original rides along as a nested part; its
			// Message-ID tells us which outgoing message failed.
			if id := scanMsgID(part.Body); id != "" {
				env.BounceFor = id
			}
		}
		if env.Body != "" && (!env.Bounce || env.BounceFor != "") {
			break
		}
	}

	return env, nil
}

// scanMsgID pulls the Message-ID header out of a returned message or its
// bare header block.
func scanMsgID(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			// End of the header block; the id cannot appear later.
			return ""
		}
		if len(line) > 11 && strings.EqualFold(line[:11], "Message-ID:") {
			return trimMsgID(line[11:])
		}
	}
	return ""
}

// IsSecureJoin reports whether the envelope carries a handshake step.
func (e *Envelope) IsSecureJoin() bool { return e.SecureJoinStep != "" }

// IsMDN reports whether the envelope is a read receipt for one of our
// messages.
func (e *Envelope) IsMDN() bool { return e.MDNFor != "" }

// IsBounce reports whether the envelope is a delivery-failure notice.
func (e *Envelope) IsBounce() bool { return e.Bounce }
