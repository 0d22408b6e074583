package engine

import (
	"context"
	"testing"

	"github.com/matterline/chatmail/internal/store"
)

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	bobID, _ := f.contactWithChat(t, "bob@example.org")
	claireID, _ := f.contactWithChat(t, "claire@example.org")

	chatID, err := f.core.CreateGroup("the crew", false)
	if err != nil {
		t.Fatal(err)
	}
	chat, err := f.db.ChatByID(chatID)
	if err != nil {
		t.Fatal(err)
	}
	if chat.Promoted {
		t.Fatal("new group already promoted")
	}
	if chat.GrpID == "" {
		t.Fatal("new group has no grpid")
	}

	// Changes before the first message stay local.
	if err := f.core.AddMember(chatID, bobID); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.db.CountJobs(store.TransportSMTP); n != 0 {
		t.Fatalf("unpromoted member change enqueued %d jobs", n)
	}

	// The first message promotes the group.
	if _, err := f.core.SendText(chatID, "hello crew"); err != nil {
		t.Fatal(err)
	}
	chat, _ = f.db.ChatByID(chatID)
	if !chat.Promoted {
		t.Fatal("group not promoted by first message")
	}

	// From now on membership changes are announced.
	if err := f.core.AddMember(chatID, claireID); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.db.ListMessages(chatID, 0)
	if err != nil {
		t.Fatal(err)
	}
	announced := false
	for _, m := range msgs {
		if m.IsInfo {
			announced = true
		}
	}
	if !announced {
		t.Fatal("no announcement for member added to promoted group")
	}

	if _, err := f.core.DrainJobs(context.Background(), store.TransportSMTP); err != nil {
		t.Fatal(err)
	}
	if len(f.execs[store.TransportSMTP].sent) != 2 {
		t.Fatalf("sent %d messages, want text plus announcement", len(f.execs[store.TransportSMTP].sent))
	}

	if err := f.core.RemoveMember(chatID, bobID); err != nil {
		t.Fatal(err)
	}
	member, err := f.db.IsChatMember(chatID, bobID)
	if err != nil {
		t.Fatal(err)
	}
	if member {
		t.Fatal("removed contact still a member")
	}
}

func TestAddMemberRejectsSingleChat(t *testing.T) {
	f := newFixture(t, nil)
	bobID, chatID := f.contactWithChat(t, "bob@example.org")

	if err := f.core.AddMember(chatID, bobID); err == nil {
		t.Fatal("adding a member to a single chat succeeded")
	}
}

func TestVerifiedGroupRefusesUnverifiedMember(t *testing.T) {
	f := newFixture(t, nil)
	bobID, _ := f.contactWithChat(t, "bob@example.org")

	chatID, err := f.core.CreateGroup("vetted", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.core.AddMember(chatID, bobID); err != store.ErrUnverifiedMember {
		t.Fatalf("err = %v, want ErrUnverifiedMember", err)
	}

	if err := f.db.MarkVerified(bobID); err != nil {
		t.Fatal(err)
	}
	if err := f.core.AddMember(chatID, bobID); err != nil {
		t.Fatal(err)
	}
}
