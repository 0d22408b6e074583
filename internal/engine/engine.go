// Package engine wires the core together: it owns the per-transport
// dispatchers and their interrupt coordinators, routes incoming mail into
// the store, and exposes the operations embedders call.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/config"
	"github.com/matterline/chatmail/internal/interrupt"
	"github.com/matterline/chatmail/internal/job"
	"github.com/matterline/chatmail/internal/mailio"
	"github.com/matterline/chatmail/internal/message"
	"github.com/matterline/chatmail/internal/ongoing"
	"github.com/matterline/chatmail/internal/securejoin"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// Fetcher pulls new messages for one transport's watched folder. Satisfied
// by *mailio.Client; the SMTP transport has none.
type Fetcher interface {
	Folder() string
	Fetch(ctx context.Context, lastUID uint32) ([]*mailio.Envelope, uint32, error)
}

// staleClaimAge is how old a claim must be before housekeeping releases it;
// claims this old belong to a previous process that died mid-job.
const staleClaimAge = 10 * time.Minute

// Core is the assembled chat core for one account.
type Core struct {
	db      *store.DB
	bus     *bus.Bus
	cfg     config.Mail
	machine *message.Machine
	queue   *job.Queue
	hs      *securejoin.Handshake
	proc    *ongoing.Process
	logger  *zap.Logger

	coords      map[store.Transport]*interrupt.Coordinator
	dispatchers map[store.Transport]*job.Dispatcher
}

// New assembles a core. executors maps each transport to its wire client;
// every transport in store.Transports must be present.
func New(db *store.DB, b *bus.Bus, cfg config.Mail, executors map[store.Transport]job.Executor, comp job.Composer, logger *zap.Logger) (*Core, error) {
	coords := make(map[store.Transport]*interrupt.Coordinator, len(store.Transports))
	for _, t := range store.Transports {
		if _, ok := executors[t]; !ok {
			return nil, fmt.Errorf("engine: no executor for transport %s", t)
		}
		coords[t] = interrupt.New()
	}

	queue := job.NewQueue(db, coords, logger)
	machine := message.NewMachine(db, b, queue, cfg.MdnsEnabled, logger)
	proc := ongoing.New()
	hs := securejoin.New(db, b, machine, db, proc, cfg.SecurejoinTimeout(), logger)

	policy := job.RetryPolicy{
		MaxTries: cfg.Retry.MaxTries,
		Base:     time.Duration(cfg.Retry.BaseSeconds) * time.Second,
		Max:      time.Duration(cfg.Retry.MaxSeconds) * time.Second,
	}

	c := &Core{
		db:          db,
		bus:         b,
		cfg:         cfg,
		machine:     machine,
		queue:       queue,
		hs:          hs,
		proc:        proc,
		logger:      logger,
		coords:      coords,
		dispatchers: make(map[store.Transport]*job.Dispatcher, len(store.Transports)),
	}
	for _, t := range store.Transports {
		d := job.NewDispatcher(db, b, executors[t], comp, machine, policy, logger.With(zap.String("transport", string(t))))
		d.Housekeep = c.Housekeep
		c.dispatchers[t] = d
	}
	return c, nil
}

// SendText composes an outgoing text message in a chat and schedules its
// delivery. Returns the new message id.
func (c *Core) SendText(chatID int64, body string) (int64, error) {
	if err := c.promoteIfNeeded(chatID); err != nil {
		return 0, err
	}
	rfcID := uuid.NewString() + "@chatmail.invalid"
	return c.machine.Compose(chatID, rfcID, body, false)
}

// PrepareText composes a message that is not ready to send yet; the caller
// finishes it with FinishPreparation.
func (c *Core) PrepareText(chatID int64, body string) (int64, error) {
	if err := c.promoteIfNeeded(chatID); err != nil {
		return 0, err
	}
	rfcID := uuid.NewString() + "@chatmail.invalid"
	return c.machine.Compose(chatID, rfcID, body, true)
}

// FinishPreparation promotes a prepared message to pending and schedules
// its delivery.
func (c *Core) FinishPreparation(msgID int64) error {
	return c.machine.FinishPreparation(msgID)
}

// Resend re-schedules a failed message.
func (c *Core) Resend(msgID int64) error {
	return c.machine.Resend(msgID)
}

// MarkNoticed clears the fresh markers of a chat without claiming the
// content was read.
func (c *Core) MarkNoticed(chatID int64) error {
	return c.machine.MarkNoticed(chatID)
}

// MarkSeen records the given messages as read and schedules the
// server-side flag updates and read receipts.
func (c *Core) MarkSeen(msgIDs []int64) error {
	return c.machine.MarkSeen(msgIDs)
}

// InviteQR generates a secure-join invite for this account.
func (c *Core) InviteQR(chatID int64) (securejoin.QR, error) {
	return c.hs.InviteQR(chatID)
}

// Join starts the secure-join joiner flow for a scanned QR payload.
func (c *Core) Join(payload string) (int64, error) {
	return c.hs.Join(payload)
}

// StopOngoing cancels the running long operation, if any.
func (c *Core) StopOngoing() {
	c.proc.Stop()
	c.hs.CancelJoin()
}

// EnqueueConfigure schedules a configuration run: credentials are checked
// and the chat folders are created.
func (c *Core) EnqueueConfigure() error {
	_, err := c.queue.Enqueue(store.KindConfigure, 0)
	return err
}

// EnqueueHousekeeping schedules a housekeeping run.
func (c *Core) EnqueueHousekeeping() error {
	_, err := c.queue.Enqueue(store.KindHousekeeping, 0)
	return err
}

// Interrupt wakes the given transport's loop.
func (c *Core) Interrupt(t store.Transport) {
	if co, ok := c.coords[t]; ok {
		co.Interrupt()
	}
}

// InterruptAll wakes every transport loop.
func (c *Core) InterruptAll() {
	for _, co := range c.coords {
		co.Interrupt()
	}
}

// Idle blocks the calling transport loop until new work arrives or the
// timeout elapses.
func (c *Core) Idle(t store.Transport, timeout time.Duration) (interrupt.Reason, error) {
	co, ok := c.coords[t]
	if !ok {
		return interrupt.Timeout, fmt.Errorf("engine: unknown transport %s", t)
	}
	return co.Wait(timeout), nil
}

// DrainJobs claims and executes all currently due jobs for a transport.
func (c *Core) DrainJobs(ctx context.Context, t store.Transport) (int, error) {
	d, ok := c.dispatchers[t]
	if !ok {
		return 0, fmt.Errorf("engine: unknown transport %s", t)
	}
	return d.ClaimAndRun(ctx, t)
}

// Housekeep releases claims orphaned by a crashed process and expires
// overdue secure-join sessions. Runs as a housekeeping job and once at
// startup.
func (c *Core) Housekeep(now int64) error {
	released, err := c.db.ReleaseStaleClaims(now - staleClaimAge.Milliseconds())
	if err != nil {
		return err
	}
	if released > 0 {
		c.logger.Info("released stale job claims", zap.Int64("count", released))
	}
	return c.hs.ExpireSessions(now)
}

// Shutdown stops every transport loop. In-flight jobs finish; nothing new
// starts.
func (c *Core) Shutdown() {
	for _, co := range c.coords {
		co.Shutdown()
	}
}

// RunTransport is one transport's thread: fetch new mail (when the
// transport watches a folder), drain due jobs, then sleep until new work
// arrives. Returns when ctx is cancelled or the core shuts down.
func (c *Core) RunTransport(ctx context.Context, t store.Transport, fetcher Fetcher) {
	logger := c.logger.With(zap.String("transport", string(t)))
	logger.Info("transport loop started")
	for {
		if ctx.Err() != nil {
			logger.Info("transport loop stopped")
			return
		}

		if fetcher != nil {
			if err := c.fetchInto(ctx, fetcher); err != nil {
				logger.Warn("fetch cycle failed", zap.Error(err))
			}
		}

		if n, err := c.DrainJobs(ctx, t); err != nil {
			logger.Error("drain jobs", zap.Error(err))
		} else if n > 0 {
			logger.Debug("jobs executed", zap.Int("count", n))
		}

		timeout := c.cfg.IdleTimeout()
		if due, err := c.db.NextDueTime(t); err == nil && due > 0 {
			if until := time.Until(time.UnixMilli(due)); until < timeout {
				timeout = until
			}
		}
		if timeout < 0 {
			continue
		}
		reason, err := c.Idle(t, timeout)
		if err != nil || reason == interrupt.Shutdown {
			logger.Info("transport loop stopped")
			return
		}
	}
}

// fetchInto pulls new messages past the stored UID watermark and routes
// them through the intake path.
func (c *Core) fetchInto(ctx context.Context, fetcher Fetcher) error {
	key := "lastuid." + fetcher.Folder()
	stored, err := c.db.GetConfig(key, "0")
	if err != nil {
		return err
	}
	var lastUID uint32
	fmt.Sscanf(stored, "%d", &lastUID)

	envs, highest, err := fetcher.Fetch(ctx, lastUID)
	for _, env := range envs {
		if rerr := c.Receive(env); rerr != nil {
			c.logger.Error("intake failed",
				zap.String("rfc_id", env.RfcID),
				zap.Error(rerr))
		}
	}
	if highest > lastUID {
		if serr := c.db.SetConfig(key, fmt.Sprintf("%d", highest)); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
