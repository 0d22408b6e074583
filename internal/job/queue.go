package job

import (
	"fmt"

	"github.com/matterline/chatmail/internal/interrupt"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/zap"
)

// Queue persists jobs and wakes the dispatcher thread responsible for the
// job's transport. Safe to call from any goroutine, including from within a
// dispatcher's own job execution.
type Queue struct {
	db     *store.DB
	coords map[store.Transport]*interrupt.Coordinator
	logger *zap.Logger
}

// NewQueue creates a queue. coords maps every transport to its interrupt
// coordinator; enqueuing for an unknown kind is a programming error.
func NewQueue(db *store.DB, coords map[store.Transport]*interrupt.Coordinator, logger *zap.Logger) *Queue {
	return &Queue{db: db, coords: coords, logger: logger}
}

// Enqueue persists a job with empty parameters.
func (q *Queue) Enqueue(kind store.JobKind, msgID int64) (int64, error) {
	return q.EnqueueParams(kind, msgID, Params{})
}

// EnqueueParams persists a job and interrupts the idle wait of its target
// transport so the next loop iteration picks it up.
func (q *Queue) EnqueueParams(kind store.JobKind, msgID int64, p Params) (int64, error) {
	transport, ok := store.KindTransport[kind]
	if !ok {
		return 0, fmt.Errorf("job: unknown kind %q", kind)
	}
	id, err := q.db.AddJob(&store.Job{
		Transport: transport,
		Kind:      kind,
		MsgID:     msgID,
		Param:     p.encode(),
	})
	if err != nil {
		return 0, err
	}
	q.logger.Debug("job enqueued",
		zap.Int64("job_id", id),
		zap.String("kind", string(kind)),
		zap.String("transport", string(transport)),
		zap.Int64("msg_id", msgID))
	if c, ok := q.coords[transport]; ok {
		c.Interrupt()
	}
	return id, nil
}
