package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/store"
)

// CreateGroup creates a new unpromoted group chat. Nothing is sent until
// the first message promotes the group.
func (c *Core) CreateGroup(name string, verified bool) (int64, error) {
	kind := store.ChatGroup
	if verified {
		kind = store.ChatVerifiedGroup
	}
	id, err := c.db.CreateChat(&store.Chat{
		Kind:  kind,
		Name:  name,
		GrpID: uuid.NewString(),
	})
	if err != nil {
		return 0, err
	}
	c.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: id})
	return id, nil
}

// AddMember adds a contact to a group chat. On a promoted group the change
// is announced to the members; on an unpromoted one only the store changes.
func (c *Core) AddMember(chatID, contactID int64) error {
	chat, err := c.db.ChatByID(chatID)
	if err != nil {
		return err
	}
	if chat.Kind != store.ChatGroup && chat.Kind != store.ChatVerifiedGroup {
		return fmt.Errorf("engine: chat %d is not a group", chatID)
	}
	if err := c.db.AddChatMember(chatID, contactID); err != nil {
		return err
	}
	c.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chatID})
	if !chat.Promoted {
		return nil
	}
	return c.announceMemberChange(chatID, contactID, "added")
}

// RemoveMember removes a contact from a group chat, announcing the change
// on promoted groups.
func (c *Core) RemoveMember(chatID, contactID int64) error {
	chat, err := c.db.ChatByID(chatID)
	if err != nil {
		return err
	}
	if err := c.db.RemoveChatMember(chatID, contactID); err != nil {
		return err
	}
	c.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chatID})
	if !chat.Promoted {
		return nil
	}
	return c.announceMemberChange(chatID, contactID, "removed")
}

func (c *Core) announceMemberChange(chatID, contactID int64, what string) error {
	contact, err := c.db.ContactByID(contactID)
	if err != nil {
		return err
	}
	rfcID := uuid.NewString() + "@chatmail.invalid"
	body := fmt.Sprintf("Member %s %s.", contact.Addr, what)
	_, err = c.machine.ComposeSystem(chatID, rfcID, body, "")
	return err
}

// promoteIfNeeded marks a group promoted on its first outgoing message;
// from then on membership changes are announced.
func (c *Core) promoteIfNeeded(chatID int64) error {
	chat, err := c.db.ChatByID(chatID)
	if err != nil {
		return err
	}
	if chat.Promoted || (chat.Kind != store.ChatGroup && chat.Kind != store.ChatVerifiedGroup) {
		return nil
	}
	if err := c.db.SetChatPromoted(chatID); err != nil {
		return err
	}
	c.bus.Emit(bus.ChatModified, bus.ChatPayload{ChatID: chatID})
	return nil
}
