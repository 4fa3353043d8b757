// Package statemachine implements the guarded, idempotent Task and Step
// state transitions. Each subject (Task or Step) has a persisted,
// append-only transition history with one most_recent row, guarded by a
// row lock so concurrent workers never both believe they won the same
// transition. Requesting a transition to the current state is a no-op;
// an illegal transition fails with InvalidTransition.
package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/store"
)

// TransitionTask attempts to move a Task to `to`, guarded by its current
// most_recent TaskTransition. A request to the current state is a no-op
// returning nil. An illegal transition returns a KindInvalidTransition error.
func TransitionTask(ctx context.Context, db *gorm.DB, taskID uuid.UUID, to store.TaskState, metadata datatypes.JSON) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, currentRowID, err := currentTaskState(tx, taskID)
		if err != nil {
			return err
		}
		if current == to {
			return nil
		}
		if !store.TaskTransitionAllowed(current, to) {
			return apierr.New(apierr.KindInvalidTransition, string(current)+" -> "+string(to))
		}
		if currentRowID != 0 {
			if err := tx.Model(&store.TaskTransition{}).Where("id = ?", currentRowID).Update("most_recent", false).Error; err != nil {
				return apierr.Wrap(apierr.KindPersistence, err)
			}
		}
		row := &store.TaskTransition{
			TaskID:     taskID,
			FromState:  current,
			ToState:    to,
			Metadata:   metadata,
			MostRecent: true,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(row).Error; err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}
		if err := tx.Model(&store.Task{}).Where("id = ?", taskID).
			Update("complete", store.TaskIsComplete(to)).Error; err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}
		return nil
	})
}

// currentTaskState returns the Task's current state (implicit `pending` if
// no transition row exists yet) and the id of its most_recent row (0 if none),
// locking that row so a concurrent transition attempt blocks behind us.
func currentTaskState(tx *gorm.DB, taskID uuid.UUID) (store.TaskState, uint, error) {
	var row store.TaskTransition
	err := store.LockForUpdate(tx, "").
		Where("task_id = ? AND most_recent", taskID).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.TaskPending, 0, nil
	case err != nil:
		return "", 0, apierr.Wrap(apierr.KindPersistence, err)
	default:
		return row.ToState, row.ID, nil
	}
}

// CurrentTaskState returns a Task's current state without locking, for
// read-only callers (the readiness aggregator, introspection endpoints).
func CurrentTaskState(ctx context.Context, db *gorm.DB, taskID uuid.UUID) (store.TaskState, error) {
	var row store.TaskTransition
	err := db.WithContext(ctx).Where("task_id = ? AND most_recent", taskID).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.TaskPending, nil
	case err != nil:
		return "", apierr.Wrap(apierr.KindPersistence, err)
	default:
		return row.ToState, nil
	}
}
