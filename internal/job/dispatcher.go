package job

import (
	"context"
	"fmt"
	"time"

	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/message"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// Executor performs the actual transport I/O for jobs. Implementations map
// their protocol errors to TerminalError where retrying cannot help; every
// other error is considered transient.
type Executor interface {
	Send(ctx context.Context, rcpts []string, raw []byte) error
	MarkSeen(ctx context.Context, folder string, uid uint32) error
	Move(ctx context.Context, folder string, uid uint32, dest string) error
	Delete(ctx context.Context, folder string, uid uint32) error
	Configure(ctx context.Context) error
}

// Composer renders messages into wire form. The dispatcher never touches
// MIME or crypto itself.
type Composer interface {
	RenderMessage(msg *store.Message) (rcpts []string, raw []byte, err error)
	RenderMDN(msg *store.Message) (rcpts []string, raw []byte, err error)
}

// Dispatcher claims and executes due jobs for a transport, one at a time,
// synchronously on the calling thread. One thread per transport; the claim
// transaction in the store guarantees no job runs twice concurrently.
type Dispatcher struct {
	db      *store.DB
	bus     *bus.Bus
	exec    Executor
	comp    Composer
	machine *message.Machine
	policy  RetryPolicy
	logger  *zap.Logger

	// Housekeep is invoked by housekeeping jobs; wired by the engine so the
	// dispatcher stays ignorant of session tables.
	Housekeep func(now int64) error
}

// NewDispatcher creates a dispatcher executing jobs via exec and comp.
func NewDispatcher(db *store.DB, b *bus.Bus, exec Executor, comp Composer, machine *message.Machine, policy RetryPolicy, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:      db,
		bus:     b,
		exec:    exec,
		comp:    comp,
		machine: machine,
		policy:  policy,
		logger:  logger,
	}
}

// ClaimAndRun atomically claims all currently due jobs for the transport in
// FIFO order and executes them. It returns the number of jobs executed; a
// non-nil error means the claim itself failed, individual job failures are
// handled by the retry policy.
func (d *Dispatcher) ClaimAndRun(ctx context.Context, transport store.Transport) (int, error) {
	now := time.Now().UnixMilli()
	jobs, err := d.db.ClaimDueJobs(transport, now)
	if err != nil {
		return 0, fmt.Errorf("claim jobs for %s: %w", transport, err)
	}

	for i := range jobs {
		d.runOne(ctx, &jobs[i])
	}
	return len(jobs), nil
}

func (d *Dispatcher) runOne(ctx context.Context, j *store.Job) {
	err := d.execute(ctx, j)
	if err == nil {
		if delErr := d.db.DeleteJob(j.ID); delErr != nil {
			d.logger.Error("delete finished job", zap.Int64("job_id", j.ID), zap.Error(delErr))
		}
		d.logger.Debug("job done", zap.Int64("job_id", j.ID), zap.String("kind", string(j.Kind)))
		return
	}

	tries := j.Tries + 1
	if IsTerminal(err) || tries >= d.policy.MaxTries {
		d.fail(j, tries, err)
		return
	}

	delay := d.policy.Backoff(tries)
	notBefore := time.Now().Add(delay).UnixMilli()
	if rsErr := d.db.RescheduleJob(j.ID, tries, notBefore); rsErr != nil {
		d.logger.Error("reschedule job", zap.Int64("job_id", j.ID), zap.Error(rsErr))
		return
	}
	d.logger.Info("job will be retried",
		zap.Int64("job_id", j.ID),
		zap.String("kind", string(j.Kind)),
		zap.Int("tries", tries),
		zap.Duration("delay", delay),
		zap.Error(err))
}

// fail terminates a job: it is deleted, the failure is surfaced on the bus,
// and a failed send drives its message to the failed state. State machine
// transitions happen strictly after the job outcome is known.
func (d *Dispatcher) fail(j *store.Job, tries int, err error) {
	if delErr := d.db.DeleteJob(j.ID); delErr != nil {
		d.logger.Error("delete failed job", zap.Int64("job_id", j.ID), zap.Error(delErr))
	}
	d.logger.Warn("job failed terminally",
		zap.Int64("job_id", j.ID),
		zap.String("kind", string(j.Kind)),
		zap.Int("tries", tries),
		zap.Error(err))
	d.bus.Emit(bus.JobFailed, bus.FailurePayload{MsgID: j.MsgID, Reason: err.Error()})

	if j.Kind == store.KindSendMsg && j.MsgID != 0 {
		if smErr := d.machine.OnSendFailure(j.MsgID, err.Error()); smErr != nil {
			d.logger.Error("drive message to failed state", zap.Int64("msg_id", j.MsgID), zap.Error(smErr))
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *store.Job) error {
	switch j.Kind {
	case store.KindSendMsg:
		return d.sendMessage(ctx, j)
	case store.KindSendMdn:
		return d.sendMdn(ctx, j)
	case store.KindMarkseenMsg, store.KindMarkseenMdn:
		return d.markSeen(ctx, j)
	case store.KindMoveMsg:
		return d.move(ctx, j)
	case store.KindDeleteMsg:
		return d.deleteOnServer(ctx, j)
	case store.KindConfigure:
		return d.exec.Configure(ctx)
	case store.KindHousekeeping:
		if d.Housekeep != nil {
			return d.Housekeep(time.Now().UnixMilli())
		}
		return nil
	default:
		return Terminal(fmt.Sprintf("unknown job kind %q", j.Kind), nil)
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, j *store.Job) error {
	msg, err := d.db.MessageByID(j.MsgID)
	if err != nil {
		// The message vanished; nothing left to send.
		return Terminal("message gone", err)
	}
	rcpts, raw, err := d.comp.RenderMessage(msg)
	if err != nil {
		return Terminal("render message", err)
	}
	if err := d.exec.Send(ctx, rcpts, raw); err != nil {
		return err
	}
	// The wire send succeeded; a bookkeeping failure must not trigger a
	// retry, that would send the message twice.
	if smErr := d.machine.OnSendSuccess(j.MsgID); smErr != nil {
		d.logger.Error("record delivery", zap.Int64("msg_id", j.MsgID), zap.Error(smErr))
	}
	return nil
}

func (d *Dispatcher) sendMdn(ctx context.Context, j *store.Job) error {
	msg, err := d.db.MessageByID(j.MsgID)
	if err != nil {
		return Terminal("message gone", err)
	}
	rcpts, raw, err := d.comp.RenderMDN(msg)
	if err != nil {
		return Terminal("render mdn", err)
	}
	return d.exec.Send(ctx, rcpts, raw)
}

func (d *Dispatcher) markSeen(ctx context.Context, j *store.Job) error {
	msg, err := d.db.MessageByID(j.MsgID)
	if err != nil {
		return Terminal("message gone", err)
	}
	if msg.Folder == "" {
		// Never fetched from a folder; nothing to flag on the server.
		return nil
	}
	if err := d.exec.MarkSeen(ctx, msg.Folder, msg.UID); err != nil {
		return err
	}
	p, perr := decodeParams(j.Param)
	if perr == nil && p.Dest != "" && p.Dest != msg.Folder {
		// Markseen-mdn jobs also move the receipt out of the inbox.
		if err := d.exec.Move(ctx, msg.Folder, msg.UID, p.Dest); err != nil {
			return err
		}
		return d.db.SetMessageLocation(msg.ID, p.Dest, 0)
	}
	return nil
}

func (d *Dispatcher) move(ctx context.Context, j *store.Job) error {
	msg, err := d.db.MessageByID(j.MsgID)
	if err != nil {
		return Terminal("message gone", err)
	}
	p, err := decodeParams(j.Param)
	if err != nil {
		return Terminal("bad params", err)
	}
	if p.Dest == "" || p.Dest == msg.Folder {
		return nil
	}
	if err := d.exec.Move(ctx, msg.Folder, msg.UID, p.Dest); err != nil {
		return err
	}
	return d.db.SetMessageLocation(msg.ID, p.Dest, 0)
}

func (d *Dispatcher) deleteOnServer(ctx context.Context, j *store.Job) error {
	msg, err := d.db.MessageByID(j.MsgID)
	if err != nil {
		// Local row already gone; treat the job as done.
		return nil
	}
	if msg.Folder != "" {
		if err := d.exec.Delete(ctx, msg.Folder, msg.UID); err != nil {
			return err
		}
	}
	return d.db.DeleteMessage(msg.ID)
}
