package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/interrupt"
	"github.com/matterline/chatmail/internal/message"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// mockExecutor records transport calls and returns configurable results.
type mockExecutor struct {
	mu       sync.Mutex
	sends    [][]byte
	seen     []uint32
	moved    []string
	deleted  []uint32
	sendErr  error
	seenErr  error
	failures int // fail this many sends, then succeed
}

func (m *mockExecutor) Send(_ context.Context, _ []string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("temporary server error")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sends = append(m.sends, raw)
	return nil
}

func (m *mockExecutor) MarkSeen(_ context.Context, _ string, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenErr != nil {
		return m.seenErr
	}
	m.seen = append(m.seen, uid)
	return nil
}

func (m *mockExecutor) Move(_ context.Context, _ string, _ uint32, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moved = append(m.moved, dest)
	return nil
}

func (m *mockExecutor) Delete(_ context.Context, _ string, uid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, uid)
	return nil
}

func (m *mockExecutor) Configure(_ context.Context) error { return nil }

// mockComposer renders a message as its body bytes.
type mockComposer struct{}

func (mockComposer) RenderMessage(msg *store.Message) ([]string, []byte, error) {
	return []string{"peer@example.org"}, []byte(msg.Body), nil
}

func (mockComposer) RenderMDN(msg *store.Message) ([]string, []byte, error) {
	return []string{"peer@example.org"}, []byte("mdn:" + msg.RfcID), nil
}

type fixture struct {
	db      *store.DB
	bus     *bus.Bus
	queue   *Queue
	disp    *Dispatcher
	exec    *mockExecutor
	machine *message.Machine
	coords  map[store.Transport]*interrupt.Coordinator
	chatID  int64
}

func newFixture(t *testing.T, policy RetryPolicy) *fixture {
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

	b := bus.New()
	logger := zap.NewNop()
	coords := make(map[store.Transport]*interrupt.Coordinator)
	for _, tr := range store.Transports {
		coords[tr] = interrupt.New()
	}
	queue := NewQueue(db, coords, logger)
	machine := message.NewMachine(db, b, queue, false, logger)
	exec := &mockExecutor{}
	disp := NewDispatcher(db, b, exec, mockComposer{}, machine, policy, logger)

	contactID, err := db.UpsertContact(&store.Contact{Addr: "peer@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	chatID, err := db.SingleChatWith(contactID)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{db: db, bus: b, queue: queue, disp: disp, exec: exec, machine: machine, coords: coords, chatID: chatID}
}

func TestSendSuccessDeliversMessage(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)

	ch, unsub := f.bus.Subscribe(bus.MsgDelivered, 10)
	defer unsub()

	msgID, err := f.machine.Compose(f.chatID, "<m1@local>", "hello", false)
	if err != nil {
		t.Fatal(err)
	}

	n, err := f.disp.ClaimAndRun(context.Background(), store.TransportSMTP)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("executed %d jobs, want 1", n)
	}

	msg, err := f.db.MessageByID(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.State != string(message.Delivered) {
		t.Errorf("state = %q, want delivered", msg.State)
	}

	select {
	case evt := <-ch:
		p := evt.Payload.(bus.MsgPayload)
		if p.ChatID != f.chatID || p.MsgID != msgID {
			t.Errorf("payload = %+v, want {%d %d}", p, f.chatID, msgID)
		}
	case <-time.After(time.Second):
		t.Fatal("no msg.delivered event")
	}

	if n, _ := f.db.CountJobs(store.TransportSMTP); n != 0 {
		t.Errorf("%d jobs remain, want 0", n)
	}
}

func TestTerminalErrorFailsMessage(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)
	f.exec.sendErr = Terminal("auth rejected", errors.New("535 5.7.8"))

	failCh, unsub := f.bus.Subscribe(bus.MsgFailed, 10)
	defer unsub()
	jobCh, unsub2 := f.bus.Subscribe(bus.JobFailed, 10)
	defer unsub2()

	msgID, err := f.machine.Compose(f.chatID, "<m2@local>", "doomed", false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportSMTP); err != nil {
		t.Fatal(err)
	}

	msg, _ := f.db.MessageByID(msgID)
	if msg.State != string(message.Failed) {
		t.Errorf("state = %q, want failed", msg.State)
	}

	select {
	case <-failCh:
	case <-time.After(time.Second):
		t.Fatal("no msg.failed event")
	}
	select {
	case <-jobCh:
	case <-time.After(time.Second):
		t.Fatal("no job.failed event")
	}

	// Terminal means zero remaining retries.
	if n, _ := f.db.CountJobs(store.TransportSMTP); n != 0 {
		t.Errorf("%d jobs remain, want 0", n)
	}
}

func TestRecoverableErrorRetriesWithBackoff(t *testing.T) {
	policy := RetryPolicy{MaxTries: 3, Base: 10 * time.Millisecond, Max: time.Second}
	f := newFixture(t, policy)
	f.exec.failures = 1

	msgID, err := f.machine.Compose(f.chatID, "<m3@local>", "flaky", false)
	if err != nil {
		t.Fatal(err)
	}

	// First run fails recoverably; job is rescheduled, not deleted.
	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportSMTP); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.db.CountJobs(store.TransportSMTP); n != 1 {
		t.Fatalf("%d jobs after transient failure, want 1", n)
	}
	msg, _ := f.db.MessageByID(msgID)
	if msg.State != string(message.Pending) {
		t.Errorf("state = %q, want pending (transient errors never fail the message)", msg.State)
	}

	// Wait past the backoff delay and run again: this time it succeeds.
	time.Sleep(50 * time.Millisecond)
	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportSMTP); err != nil {
		t.Fatal(err)
	}
	msg, _ = f.db.MessageByID(msgID)
	if msg.State != string(message.Delivered) {
		t.Errorf("state = %q, want delivered after retry", msg.State)
	}
	if n, _ := f.db.CountJobs(store.TransportSMTP); n != 0 {
		t.Errorf("%d jobs remain, want 0", n)
	}
}

func TestRetryCeilingBecomesTerminal(t *testing.T) {
	policy := RetryPolicy{MaxTries: 2, Base: time.Millisecond, Max: 2 * time.Millisecond}
	f := newFixture(t, policy)
	f.exec.failures = 100 // never succeeds

	msgID, err := f.machine.Compose(f.chatID, "<m4@local>", "hopeless", false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportSMTP); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The job never remains claimable forever.
	if n, _ := f.db.CountJobs(store.TransportSMTP); n != 0 {
		t.Errorf("%d jobs remain after ceiling, want 0", n)
	}
	msg, _ := f.db.MessageByID(msgID)
	if msg.State != string(message.Failed) {
		t.Errorf("state = %q, want failed after retry ceiling", msg.State)
	}
}

func TestJobsRunInEnqueueOrder(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)

	first, err := f.machine.Compose(f.chatID, "<m5@local>", "first", false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.machine.Compose(f.chatID, "<m6@local>", "second", false)
	if err != nil {
		t.Fatal(err)
	}
	_ = first
	_ = second

	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportSMTP); err != nil {
		t.Fatal(err)
	}

	if len(f.exec.sends) != 2 {
		t.Fatalf("sent %d messages, want 2", len(f.exec.sends))
	}
	if string(f.exec.sends[0]) != "first" || string(f.exec.sends[1]) != "second" {
		t.Errorf("send order = %q, %q; want first, second", f.exec.sends[0], f.exec.sends[1])
	}
}

func TestEnqueueInterruptsTargetTransportOnly(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)

	if _, err := f.queue.Enqueue(store.KindSendMdn, 0); err != nil {
		t.Fatal(err)
	}

	if r := f.coords[store.TransportSMTP].Wait(time.Second); r != interrupt.Interrupted {
		t.Errorf("smtp wait = %v, want Interrupted", r)
	}
	if r := f.coords[store.TransportInbox].Wait(50 * time.Millisecond); r != interrupt.Timeout {
		t.Errorf("inbox wait = %v, want Timeout (enqueue must not wake the fetch thread)", r)
	}
}

func TestMarkseenJobFlagsOnServer(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)

	msgID, err := f.db.InsertMessage(&store.Message{
		ChatID: f.chatID, Dir: store.DirIn, State: "seen",
		Folder: "INBOX", UID: 99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(store.KindMarkseenMsg, msgID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportInbox); err != nil {
		t.Fatal(err)
	}
	if len(f.exec.seen) != 1 || f.exec.seen[0] != 99 {
		t.Errorf("seen uids = %v, want [99]", f.exec.seen)
	}
}

func TestMoveJobUpdatesLocation(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)

	msgID, err := f.db.InsertMessage(&store.Message{
		ChatID: f.chatID, Dir: store.DirIn, State: "seen",
		Folder: "INBOX", UID: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.EnqueueParams(store.KindMoveMsg, msgID, Params{Dest: "Chatmail"}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportInbox); err != nil {
		t.Fatal(err)
	}
	if len(f.exec.moved) != 1 || f.exec.moved[0] != "Chatmail" {
		t.Errorf("moved = %v, want [Chatmail]", f.exec.moved)
	}
	msg, _ := f.db.MessageByID(msgID)
	if msg.Folder != "Chatmail" {
		t.Errorf("folder = %q, want Chatmail", msg.Folder)
	}
}

func TestDeleteJobRemovesRow(t *testing.T) {
	f := newFixture(t, DefaultRetryPolicy)

	msgID, err := f.db.InsertMessage(&store.Message{
		ChatID: f.chatID, Dir: store.DirIn, State: "seen",
		Folder: "INBOX", UID: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Enqueue(store.KindDeleteMsg, msgID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.disp.ClaimAndRun(context.Background(), store.TransportInbox); err != nil {
		t.Fatal(err)
	}
	if len(f.exec.deleted) != 1 || f.exec.deleted[0] != 3 {
		t.Errorf("deleted = %v, want [3]", f.exec.deleted)
	}
	if _, err := f.db.MessageByID(msgID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("message lookup err = %v, want ErrNotFound", err)
	}
}

func TestBackoffCurve(t *testing.T) {
	p := RetryPolicy{MaxTries: 8, Base: 10 * time.Second, Max: 5 * time.Minute}

	var prev time.Duration
	for tries := 1; tries <= p.MaxTries; tries++ {
		d := p.Backoff(tries)
		if d < prev {
			t.Errorf("backoff(%d) = %v < backoff(%d) = %v, want non-decreasing", tries, d, tries-1, prev)
		}
		if d > p.Max {
			t.Errorf("backoff(%d) = %v exceeds max %v", tries, d, p.Max)
		}
		prev = d
	}
	if got := p.Backoff(1); got != 10*time.Second {
		t.Errorf("backoff(1) = %v, want 10s", got)
	}
	if got := p.Backoff(3); got != 40*time.Second {
		t.Errorf("backoff(3) = %v, want 40s", got)
	}
	if got := p.Backoff(20); got != p.Max {
		t.Errorf("backoff(20) = %v, want capped at %v", got, p.Max)
	}
}
