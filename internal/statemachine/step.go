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

// StepTransitionInput carries the WorkflowStep fields the denormalized
// in_process/processed columns depend on: the processed invariant needs
// attempts/retry_limit/retryable alongside the target state, and the state
// machine doesn't re-derive them since the caller already has the row in
// hand.
type StepTransitionInput struct {
	StepID     uuid.UUID
	To         store.StepState
	Attempts   int
	RetryLimit int
	Retryable  bool
	Metadata   datatypes.JSON

	// IncrementAttempts and LastAttemptedAt let the in_progress claim
	// transition persist its attempts-increment and timestamp in the same
	// transactional write as the state change.
	IncrementAttempts bool
	LastAttemptedAt   *time.Time
}

// TransitionStep guards and persists a WorkflowStep state change, keeping
// in_process and processed consistent with the state's invariants.
func TransitionStep(ctx context.Context, db *gorm.DB, in StepTransitionInput) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, currentRowID, err := currentStepState(tx, in.StepID)
		if err != nil {
			return err
		}
		if current == in.To {
			if in.IncrementAttempts {
				// A claim transition (pending/error -> in_progress) landing on
				// its own target state means another claimant already won this
				// exact race; the no-op idempotency rule below is for re-sent
				// terminal transitions, not for re-claiming a step someone else
				// just claimed.
				return apierr.New(apierr.KindInvalidTransition, string(current)+" -> "+string(in.To))
			}
			return nil
		}
		if !store.StepTransitionAllowed(current, in.To) {
			return apierr.New(apierr.KindInvalidTransition, string(current)+" -> "+string(in.To))
		}
		if currentRowID != 0 {
			if err := tx.Model(&store.StepTransition{}).Where("id = ?", currentRowID).Update("most_recent", false).Error; err != nil {
				return apierr.Wrap(apierr.KindPersistence, err)
			}
		}
		row := &store.StepTransition{
			StepID:     in.StepID,
			FromState:  current,
			ToState:    in.To,
			Metadata:   in.Metadata,
			MostRecent: true,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(row).Error; err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}

		updates := map[string]interface{}{
			"in_process": in.To == store.StepInProgress,
			"processed":  processedFor(in.To, in.Attempts, in.RetryLimit, in.Retryable),
		}
		if in.IncrementAttempts {
			updates["attempts"] = gorm.Expr("attempts + 1")
		}
		if in.LastAttemptedAt != nil {
			updates["last_attempted_at"] = *in.LastAttemptedAt
		}
		if err := tx.Model(&store.WorkflowStep{}).Where("id = ?", in.StepID).Updates(updates).Error; err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}
		return nil
	})
}

// processedFor implements the processed invariant exactly.
func processedFor(state store.StepState, attempts, retryLimit int, retryable bool) bool {
	switch state {
	case store.StepComplete, store.StepResolvedManually, store.StepCancelled:
		return true
	case store.StepError:
		if attempts >= retryLimit && retryable {
			return true
		}
		if !retryable && attempts > 0 {
			return true
		}
		return false
	default:
		return false
	}
}

func currentStepState(tx *gorm.DB, stepID uuid.UUID) (store.StepState, uint, error) {
	var row store.StepTransition
	err := store.LockForUpdate(tx, "").
		Where("step_id = ? AND most_recent", stepID).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.StepPending, 0, nil
	case err != nil:
		return "", 0, apierr.Wrap(apierr.KindPersistence, err)
	default:
		return row.ToState, row.ID, nil
	}
}

// CurrentStepState returns a Step's current state without locking.
func CurrentStepState(ctx context.Context, db *gorm.DB, stepID uuid.UUID) (store.StepState, error) {
	var row store.StepTransition
	err := db.WithContext(ctx).Where("step_id = ? AND most_recent", stepID).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.StepPending, nil
	case err != nil:
		return "", apierr.Wrap(apierr.KindPersistence, err)
	default:
		return row.ToState, nil
	}
}
