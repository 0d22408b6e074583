package mailio

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/matterline/chatmail/internal/config"
	"github.com/matterline/chatmail/internal/securejoin"
	"github.com/matterline/chatmail/internal/store"
)

// Composer renders store rows into RFC 5322 messages. It satisfies
// job.Composer.
type Composer struct {
	db  *store.DB
	cfg config.Mail
}

// NewComposer creates the wire composer for one account.
func NewComposer(db *store.DB, cfg config.Mail) *Composer {
	return &Composer{db: db, cfg: cfg}
}

func (c *Composer) self() *mail.Address {
	return &mail.Address{Name: c.cfg.Account.DisplayName, Address: c.cfg.Account.Addr}
}

// recipients resolves the chat members into recipient addresses, excluding
// the account itself.
func (c *Composer) recipients(chatID int64) ([]string, []*mail.Address, error) {
	members, err := c.db.ChatMembers(chatID)
	if err != nil {
		return nil, nil, err
	}
	var (
		rcpts []string
		addrs []*mail.Address
	)
	for _, id := range members {
		contact, err := c.db.ContactByID(id)
		if err != nil {
			return nil, nil, err
		}
		if contact.Addr == c.cfg.Account.Addr {
			continue
		}
		rcpts = append(rcpts, contact.Addr)
		addrs = append(addrs, &mail.Address{Name: contact.Name, Address: contact.Addr})
	}
	if len(rcpts) == 0 {
		return nil, nil, fmt.Errorf("chat %d has no recipients", chatID)
	}
	return rcpts, addrs, nil
}

// RenderMessage renders an outgoing chat message, including the group and
// secure-join headers its chat and side data call for.
func (c *Composer) RenderMessage(msg *store.Message) ([]string, []byte, error) {
	chat, err := c.db.ChatByID(msg.ChatID)
	if err != nil {
		return nil, nil, err
	}
	rcpts, addrs, err := c.recipients(chat.ID)
	if err != nil {
		return nil, nil, err
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{c.self()})
	h.SetAddressList("To", addrs)
	h.SetMessageID(msg.RfcID)
	h.SetSubject("Chat: " + subjectFrom(msg.Body))
	h.Set(hdrChatVersion, chatVersion)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	if chat.Kind == store.ChatGroup || chat.Kind == store.ChatVerifiedGroup {
		h.Set(hdrGroupID, chat.GrpID)
		h.Set(hdrGroupName, chat.Name)
	}
	if c.cfg.MdnsEnabled {
		h.Set(hdrDispositionTo, c.cfg.Account.Addr)
	}
	if p, ok := securejoin.DecodeStepParam(msg.Param); ok {
		h.Set(hdrSecureJoin, p.Step)
		if p.Invite != "" {
			h.Set(hdrSecureJoinInv, p.Invite)
		}
		if p.Auth != "" {
			h.Set(hdrSecureJoinAuth, p.Auth)
		}
		if p.Fingerprint != "" {
			h.Set(hdrSecureJoinFpr, p.Fingerprint)
		}
		if p.GrpID != "" {
			h.Set(hdrSecureJoinGrp, p.GrpID)
		}
		if p.GrpName != "" {
			h.Set(hdrGroupName, p.GrpName)
		}
	}

	raw, err := renderSinglePart(h, msg.Body)
	if err != nil {
		return nil, nil, err
	}
	return rcpts, raw, nil
}

// RenderMDN renders a read receipt for an incoming message, addressed to
// its sender only.
func (c *Composer) RenderMDN(msg *store.Message) ([]string, []byte, error) {
	sender, err := c.db.ContactByID(msg.FromID)
	if err != nil {
		return nil, nil, fmt.Errorf("mdn sender: %w", err)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{c.self()})
	h.SetAddressList("To", []*mail.Address{{Name: sender.Name, Address: sender.Addr}})
	h.GenerateMessageID()
	h.SetSubject("Message opened")
	h.Set(hdrChatVersion, chatVersion)
	h.Set(hdrOriginalMsgID, "<"+msg.RfcID+">")
	h.Set(hdrAutoSubmitted, "auto-replied")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	raw, err := renderSinglePart(h, "The message was displayed on the recipient's device.")
	if err != nil {
		return nil, nil, err
	}
	return []string{sender.Addr}, raw, nil
}

func renderSinglePart(h mail.Header, body string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// subjectFrom derives a subject line from the first words of the body, the
// way chat clients do when there is no explicit subject.
func subjectFrom(body string) string {
	const max = 32
	body = strings.ReplaceAll(body, "\n", " ")
	if body == "" {
		return "..."
	}
	if len(body) <= max {
		return body
	}
	return body[:max] + "..."
}
