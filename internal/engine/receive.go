package engine

import (
	"errors"
	"time"

	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/job"
	"github.com/matterline/chatmail/internal/mailio"
	"github.com/matterline/chatmail/internal/message"
	"github.com/matterline/chatmail/internal/securejoin"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// Receive routes one fetched message: read receipts and bounces drive the
// sender's state machine, secure-join steps drive the handshake, everything
// else lands in a chat as a fresh message. Duplicate deliveries (the same
// Message-ID seen in another folder) only update the stored location.
func (c *Core) Receive(env *mailio.Envelope) error {
	if env.IsBounce() {
		return c.receiveBounce(env)
	}
	if env.IsMDN() {
		return c.receiveMDN(env)
	}
	if env.IsSecureJoin() {
		return c.hs.OnStep(securejoin.StepMessage{
			PeerAddr:    env.From,
			Step:        env.SecureJoinStep,
			Invite:      env.SecureJoinInvite,
			Auth:        env.SecureJoinAuth,
			Fingerprint: env.SecureJoinFpr,
			GrpID:       env.SecureJoinGrpID,
			GrpName:     env.GroupName,
		})
	}
	return c.receiveChatMessage(env)
}

// receiveMDN marks the referenced outgoing message as read and schedules
// the receipt itself to be flagged and moved out of the inbox.
func (c *Core) receiveMDN(env *mailio.Envelope) error {
	orig, err := c.db.MessageByRfcID(env.MDNFor)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Debug("receipt for unknown message", zap.String("rfc_id", env.MDNFor))
		return nil
	}
	if err != nil {
		return err
	}
	if orig.Dir == store.DirOut {
		if err := c.machine.OnMdnReceived(orig.ID); err != nil {
			// A receipt may arrive twice or before the delivered state was
			// recorded; neither invalidates the receipt on the server.
			c.logger.Debug("receipt not applicable", zap.Int64("msg_id", orig.ID), zap.Error(err))
		}
	}
	return c.parkNotice(env)
}

// receiveBounce fails the outgoing message a delivery-failure notice refers
// to, then parks the notice like a receipt.
func (c *Core) receiveBounce(env *mailio.Envelope) error {
	if env.BounceFor == "" {
		c.logger.Debug("bounce without referenced message", zap.String("rfc_id", env.RfcID))
		return nil
	}
	orig, err := c.db.MessageByRfcID(env.BounceFor)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Debug("bounce for unknown message", zap.String("rfc_id", env.BounceFor))
		return nil
	}
	if err != nil {
		return err
	}
	if orig.Dir == store.DirOut {
		if err := c.machine.OnSendFailure(orig.ID, "delivery failure notice"); err != nil {
			// A duplicate notice, or one arriving after a re-send already
			// moved the message, is not an intake error.
			c.logger.Debug("bounce not applicable", zap.Int64("msg_id", orig.ID), zap.Error(err))
		}
	}
	return c.parkNotice(env)
}

// parkNotice stores a receipt or bounce so the markseen-mdn job can find it
// on the server; it sits in the deaddrop, already seen, never shown.
func (c *Core) parkNotice(env *mailio.Envelope) error {
	id, err := c.db.InsertMessage(&store.Message{
		ChatID: store.DeaddropChatID,
		RfcID:  env.RfcID,
		Dir:    store.DirIn,
		State:  string(message.Seen),
		IsInfo: true,
		Folder: env.Folder,
		UID:    env.UID,
		SortTs: env.Date.UnixMilli(),
		RcvdTs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = c.queue.EnqueueParams(store.KindMarkseenMdn, id, job.Params{Dest: c.cfg.Folders.Mvbox})
	return err
}

func (c *Core) receiveChatMessage(env *mailio.Envelope) error {
	if existing, err := c.db.MessageByRfcID(env.RfcID); err == nil {
		if existing.Folder != env.Folder {
			return c.db.SetMessageLocation(existing.ID, env.Folder, env.UID)
		}
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	known := true
	sender, err := c.db.ContactByAddr(env.From)
	if errors.Is(err, store.ErrNotFound) {
		known = false
		id, uerr := c.db.UpsertContact(&store.Contact{Addr: env.From, Name: env.FromName})
		if uerr != nil {
			return uerr
		}
		sender, err = c.db.ContactByID(id)
	}
	if err != nil {
		return err
	}

	chatID, err := c.resolveChat(env, sender, known)
	if err != nil {
		return err
	}

	sortTs := env.Date.UnixMilli()
	if sortTs <= 0 {
		sortTs = time.Now().UnixMilli()
	}
	msgID, err := c.db.InsertMessage(&store.Message{
		ChatID:   chatID,
		FromID:   sender.ID,
		RfcID:    env.RfcID,
		Dir:      store.DirIn,
		State:    string(message.Fresh),
		Body:     env.Body,
		WantsMDN: env.WantsMDN,
		Folder:   env.Folder,
		UID:      env.UID,
		SortTs:   sortTs,
		SentTs:   env.Date.UnixMilli(),
		RcvdTs:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	c.bus.Emit(bus.MsgIncoming, bus.MsgPayload{ChatID: chatID, MsgID: msgID})

	// Chat messages are collected in the mvbox so the inbox stays usable
	// for ordinary mail.
	if c.cfg.MvboxMove && env.IsChat && chatID != store.DeaddropChatID &&
		env.Folder != c.cfg.Folders.Mvbox && c.cfg.Folders.Mvbox != "" {
		if _, err := c.queue.EnqueueParams(store.KindMoveMsg, msgID, job.Params{Dest: c.cfg.Folders.Mvbox}); err != nil {
			return err
		}
	}
	return nil
}

// resolveChat places an incoming message: group header wins, then the
// sender's single chat, and messages from strangers wait in the deaddrop
// until the user confirms the sender.
func (c *Core) resolveChat(env *mailio.Envelope, sender *store.Contact, known bool) (int64, error) {
	if env.GroupID != "" {
		chat, err := c.db.ChatByGrpID(env.GroupID)
		if errors.Is(err, store.ErrNotFound) {
			id, cerr := c.db.CreateChat(&store.Chat{
				Kind:     store.ChatGroup,
				Name:     env.GroupName,
				GrpID:    env.GroupID,
				Promoted: true,
			})
			if cerr != nil {
				return 0, cerr
			}
			if aerr := c.db.AddChatMember(id, sender.ID); aerr != nil {
				return 0, aerr
			}
			c.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: id})
			return id, nil
		}
		if err != nil {
			return 0, err
		}
		if err := c.db.AddChatMember(chat.ID, sender.ID); err != nil {
			if errors.Is(err, store.ErrUnverifiedMember) {
				// An unverified sender cannot post into a verified group;
				// hold the message in the deaddrop instead.
				return store.DeaddropChatID, nil
			}
			return 0, err
		}
		return chat.ID, nil
	}

	if known {
		return c.db.SingleChatWith(sender.ID)
	}
	return store.DeaddropChatID, nil
}

// AcceptSender confirms a deaddrop sender: a single chat is created and
// the held messages move into it.
func (c *Core) AcceptSender(contactID int64) (int64, error) {
	chatID, err := c.db.SingleChatWith(contactID)
	if err != nil {
		return 0, err
	}
	moved, err := c.db.ReassignMessages(store.DeaddropChatID, contactID, chatID)
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		c.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chatID})
	}
	return chatID, nil
}
