package message

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// mockQueue records enqueued jobs without persisting anything.
type mockQueue struct {
	jobs []enqueued
}

type enqueued struct {
	Kind  store.JobKind
	MsgID int64
}

func (q *mockQueue) Enqueue(kind store.JobKind, msgID int64) (int64, error) {
	q.jobs = append(q.jobs, enqueued{Kind: kind, MsgID: msgID})
	return int64(len(q.jobs)), nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testChat(t *testing.T, db *store.DB) int64 {
	t.Helper()
	contactID, err := db.UpsertContact(&store.Contact{Addr: "alice@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	chatID, err := db.SingleChatWith(contactID)
	if err != nil {
		t.Fatal(err)
	}
	return chatID
}

func testMachine(t *testing.T, db *store.DB, mdns bool) (*Machine, *mockQueue, *bus.Bus) {
	t.Helper()
	b := bus.New()
	q := &mockQueue{}
	logger := zap.NewNop()
	return NewMachine(db, b, q, mdns, logger), q, b
}

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Fresh, Noticed, true},
		{Noticed, Seen, true},
		{Fresh, Seen, false},
		{Preparing, Draft, true},
		{Preparing, Pending, true},
		{Draft, Pending, true},
		{Pending, Delivered, true},
		{Pending, Failed, true},
		{Delivered, MdnRcvd, true},
		{Delivered, Failed, true},
		{Failed, Pending, true}, // explicit re-send
		{Seen, Noticed, false},
		{MdnRcvd, Failed, false},
		{Pending, MdnRcvd, false}, // mdn-received only reachable from delivered
		{Delivered, Pending, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestComposeEnqueuesSend(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, false)
	chatID := testChat(t, db)

	id, err := m.Compose(chatID, "<o1@local>", "hello", false)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := db.MessageByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if msg.State != string(Pending) {
		t.Errorf("state = %q, want pending", msg.State)
	}
	if len(q.jobs) != 1 || q.jobs[0].Kind != store.KindSendMsg || q.jobs[0].MsgID != id {
		t.Errorf("jobs = %+v, want one send-msg for %d", q.jobs, id)
	}
}

func TestComposePreparingDefersSend(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, false)
	chatID := testChat(t, db)

	id, err := m.Compose(chatID, "<o2@local>", "big attachment", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 0 {
		t.Fatalf("jobs = %+v, want none while preparing", q.jobs)
	}

	if err := m.FinishPreparation(id); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.MessageByID(id)
	if msg.State != string(Pending) {
		t.Errorf("state = %q, want pending", msg.State)
	}
	if len(q.jobs) != 1 || q.jobs[0].Kind != store.KindSendMsg {
		t.Errorf("jobs = %+v, want one send-msg", q.jobs)
	}
}

func TestParkAndSendDraft(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, false)
	chatID := testChat(t, db)

	id, err := m.Compose(chatID, "<o3@local>", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Park(id); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.MessageByID(id)
	if msg.State != string(Draft) {
		t.Errorf("state = %q, want draft", msg.State)
	}

	if err := m.FinishPreparation(id); err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 {
		t.Errorf("jobs = %+v, want one send-msg after draft promotion", q.jobs)
	}
}

func TestComposeUnknownChat(t *testing.T) {
	db := testDB(t)
	m, _, _ := testMachine(t, db, false)

	if _, err := m.Compose(999, "<o4@local>", "x", false); err == nil {
		t.Fatal("expected precondition error for unknown chat, got nil")
	}
	// No state mutation occurred.
	if msgs, _ := db.ListMessages(999, 10); len(msgs) != 0 {
		t.Errorf("messages created for unknown chat: %d", len(msgs))
	}
}

func TestMarkNoticed(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, true)
	chatID := testChat(t, db)

	var ids []int64
	for i := 0; i < 2; i++ {
		id, err := db.InsertMessage(&store.Message{ChatID: chatID, Dir: store.DirIn, State: string(Fresh)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := m.MarkNoticed(chatID); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		msg, _ := db.MessageByID(id)
		if msg.State != string(Noticed) {
			t.Errorf("msg %d state = %q, want noticed", id, msg.State)
		}
	}
	if len(q.jobs) != 0 {
		t.Errorf("mark-noticed enqueued %d jobs, want 0", len(q.jobs))
	}
}

func TestMarkSeenEnqueuesMdn(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, true)
	chatID := testChat(t, db)

	id, err := db.InsertMessage(&store.Message{ChatID: chatID, Dir: store.DirIn, State: string(Fresh), WantsMDN: true})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.MarkSeen([]int64{id}); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg.State != string(Seen) {
		t.Errorf("state = %q, want seen", msg.State)
	}

	var kinds []store.JobKind
	for _, j := range q.jobs {
		kinds = append(kinds, j.Kind)
	}
	want := []store.JobKind{store.KindMarkseenMsg, store.KindSendMdn}
	if len(kinds) != 2 || kinds[0] != want[0] || kinds[1] != want[1] {
		t.Errorf("enqueued kinds = %v, want %v", kinds, want)
	}
}

func TestMarkSeenWithoutPeerRequest(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, true)
	chatID := testChat(t, db)

	// Receipts are on account-wide, but this sender never asked for one.
	id, err := db.InsertMessage(&store.Message{ChatID: chatID, Dir: store.DirIn, State: string(Fresh)})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSeen([]int64{id}); err != nil {
		t.Fatal(err)
	}

	if len(q.jobs) != 1 || q.jobs[0].Kind != store.KindMarkseenMsg {
		t.Errorf("jobs = %+v, want only the markseen flag update", q.jobs)
	}
}

func TestMarkSeenInDeaddropStaysLocal(t *testing.T) {
	db := testDB(t)
	m, q, b := testMachine(t, db, true)

	id, err := db.InsertMessage(&store.Message{ChatID: store.DeaddropChatID, Dir: store.DirIn, State: string(Fresh), WantsMDN: true})
	if err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe("msg.", 8)
	defer unsub()

	if err := m.MarkSeen([]int64{id}); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg.State != string(Seen) {
		t.Errorf("state = %q, want seen (local state still changes)", msg.State)
	}
	if len(q.jobs) != 0 {
		t.Errorf("deaddrop mark-seen enqueued %d jobs, want 0", len(q.jobs))
	}

	// The state change is still observable even though no job runs.
	select {
	case evt := <-ch:
		if evt.Kind != bus.MsgChanged {
			t.Errorf("event = %s, want %s", evt.Kind, bus.MsgChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event for deaddrop mark-seen")
	}
}

func TestMarkSeenWithoutOptIn(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, false)
	chatID := testChat(t, db)

	id, err := db.InsertMessage(&store.Message{ChatID: chatID, Dir: store.DirIn, State: string(Noticed)})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSeen([]int64{id}); err != nil {
		t.Fatal(err)
	}

	for _, j := range q.jobs {
		if j.Kind == store.KindSendMdn {
			t.Error("MDN enqueued although peer did not opt in")
		}
	}
}

func TestSendOutcomeTransitions(t *testing.T) {
	db := testDB(t)
	m, _, b := testMachine(t, db, false)
	chatID := testChat(t, db)

	ch, unsub := b.Subscribe("msg.", 16)
	defer unsub()

	id, err := m.Compose(chatID, "<o5@local>", "x", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.OnSendSuccess(id); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.MessageByID(id)
	if msg.State != string(Delivered) {
		t.Errorf("state = %q, want delivered", msg.State)
	}

	if err := m.OnMdnReceived(id); err != nil {
		t.Fatal(err)
	}
	msg, _ = db.MessageByID(id)
	if msg.State != string(MdnRcvd) {
		t.Errorf("state = %q, want mdn-received", msg.State)
	}

	// mdn-received is terminal: a late failure must be rejected.
	if err := m.OnSendFailure(id, "late bounce"); err == nil {
		t.Error("expected error failing a mdn-received message")
	}

	var kinds []string
	deadline := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-deadline:
			t.Fatalf("timed out, events so far: %v", kinds)
		}
	}
	if kinds[0] != bus.MsgChanged || kinds[1] != bus.MsgDelivered || kinds[2] != bus.MsgRead {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestLateBounceAfterDelivery(t *testing.T) {
	db := testDB(t)
	m, _, _ := testMachine(t, db, false)
	chatID := testChat(t, db)

	id, err := m.Compose(chatID, "<o6@local>", "x", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.OnSendSuccess(id); err != nil {
		t.Fatal(err)
	}
	// delivered is not terminal: a late bounce still fails the message.
	if err := m.OnSendFailure(id, "bounced"); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.MessageByID(id)
	if msg.State != string(Failed) {
		t.Errorf("state = %q, want failed", msg.State)
	}
}

func TestResend(t *testing.T) {
	db := testDB(t)
	m, q, _ := testMachine(t, db, false)
	chatID := testChat(t, db)

	id, err := m.Compose(chatID, "<o7@local>", "x", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.OnSendFailure(id, "permanent refusal"); err != nil {
		t.Fatal(err)
	}
	if err := m.Resend(id); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg.State != string(Pending) {
		t.Errorf("state = %q, want pending after re-send", msg.State)
	}
	if len(q.jobs) != 2 {
		t.Errorf("jobs = %d, want 2 (original send + re-send)", len(q.jobs))
	}
}
