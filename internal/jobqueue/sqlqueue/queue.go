package sqlqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/store"
)

// Queue implements jobqueue.Queue against task_execution_requests.
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue { return &Queue{db: db} }

func (q *Queue) Enqueue(ctx context.Context, exec jobqueue.Execution) error {
	row := &ExecutionRequest{
		TaskID:   exec.TaskID.String(),
		RunAfter: time.Now().Add(exec.Delay),
		Status:   "queued",
	}
	if err := q.db.WithContext(ctx).Create(row).Error; err != nil {
		return apierr.Wrap(apierr.KindPersistence, err)
	}
	return nil
}

// claimNext locks a queued (or stale-running, or
// recently-failed-and-past-retry-delay) row with SKIP LOCKED inside a
// transaction, then marks it running.
func (q *Queue) claimNext(ctx context.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*ExecutionRequest, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)
	var claimed *ExecutionRequest
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ExecutionRequest
		qq := store.LockForUpdate(tx, "SKIP LOCKED").
			Where(`
				run_after <= ?
				AND (
					status = ?
					OR (status = ? AND attempts < ? AND (last_error_at IS NULL OR last_error_at < ?))
					OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
				)
			`, now, "queued", "failed", maxAttempts, retryCutoff, "running", staleCutoff).
			Order("run_after ASC")
		qErr := qq.First(&row).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := tx.Model(&ExecutionRequest{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"status":       "running",
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &row
		return nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err)
	}
	return claimed, nil
}

func (q *Queue) heartbeat(ctx context.Context, id uint) error {
	now := time.Now()
	return q.db.WithContext(ctx).Model(&ExecutionRequest{}).
		Where("id = ? AND status = ?", id, "running").
		Updates(map[string]interface{}{"heartbeat_at": now, "updated_at": now}).Error
}

func (q *Queue) markDone(ctx context.Context, id uint) error {
	return q.db.WithContext(ctx).Model(&ExecutionRequest{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": "done", "updated_at": time.Now()}).Error
}

func (q *Queue) markFailed(ctx context.Context, id uint) error {
	now := time.Now()
	return q.db.WithContext(ctx).Model(&ExecutionRequest{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": "failed", "last_error_at": now, "updated_at": now}).Error
}

func parseTaskID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apierr.Wrap(apierr.KindPersistence, err)
	}
	return id, nil
}
