// Package coordinator implements the workflow coordinator loop: one
// invocation drives a single Task forward as far as it can go in one
// dequeued job, then exits, handing off to the finalizer for whatever
// comes next. The outer loop (validate, load state, iterate ready steps,
// hand off) is readiness-query-driven rather than a fixed in-process stage
// list.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/events"
	"github.com/orbitflow/taskengine/internal/executor"
	"github.com/orbitflow/taskengine/internal/finalizer"
	"github.com/orbitflow/taskengine/internal/platform/logger"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/store/readiness"
)

// Coordinator drives one Task per Deliver call.
type Coordinator struct {
	db                *gorm.DB
	executor          *executor.Executor
	finalizer         *finalizer.Finalizer
	publisher         events.Publisher
	clock             retry.Clock
	calculator        *retry.Calculator
	staleClaimAfter   time.Duration
	maxIterations     int
	log               *logger.Logger
}

type Option func(*Coordinator)

// WithCalculator overrides the backoff calculator the readiness query uses
// to compute next_retry_at; defaults to retry.DefaultPolicy().
func WithCalculator(c *retry.Calculator) Option {
	return func(co *Coordinator) { co.calculator = c }
}

// WithStaleClaimThreshold sets how long a claimed step can go without a
// heartbeat before it's presumed abandoned by a dead worker and reclaimed.
// Zero disables the sweep.
func WithStaleClaimThreshold(d time.Duration) Option {
	return func(co *Coordinator) { co.staleClaimAfter = d }
}

// WithClock overrides the clock readiness evaluation and reclaiming use;
// defaults to retry.SystemClock. Tests inject a fake clock to fast-forward
// past backoff windows without a real sleep.
func WithClock(c retry.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func New(db *gorm.DB, exec *executor.Executor, fin *finalizer.Finalizer, pub events.Publisher, log *logger.Logger, opts ...Option) *Coordinator {
	co := &Coordinator{
		db:            db,
		executor:      exec,
		finalizer:     fin,
		publisher:     pub,
		clock:         retry.SystemClock,
		calculator:    retry.NewCalculator(retry.DefaultPolicy()),
		maxIterations: 50,
		log:           log.With("component", "Coordinator"),
	}
	for _, o := range opts {
		o(co)
	}
	return co
}

// Deliver drives one Task through as many ready steps as it can in one call.
func (c *Coordinator) Deliver(ctx context.Context, taskID uuid.UUID) error {
	for i := 0; i < c.maxIterations; i++ {
		progressed, exit, err := c.iterate(ctx, taskID)
		if err != nil {
			return err
		}
		if exit {
			return nil
		}
		if !progressed {
			// No progress this iteration: exit and let the reenqueuer
			// decide, rather than spin.
			return nil
		}
	}
	c.log.Warn("coordinator loop hit max iterations without exiting", "task_id", taskID)
	return nil
}

// reclaimStaleClaims fails any in_process step of this task whose heartbeat
// hasn't been refreshed within staleClaimAfter: the worker that claimed it
// is presumed dead. Failing it (rather than directly reactivating) routes it
// through the same retry-eligibility/retry-limit accounting every other
// failure goes through.
func (c *Coordinator) reclaimStaleClaims(ctx context.Context, taskID uuid.UUID) error {
	if c.staleClaimAfter <= 0 {
		return nil
	}
	cutoff := c.clock.Now().Add(-c.staleClaimAfter)
	var stale []store.WorkflowStep
	if err := c.db.WithContext(ctx).
		Where("task_id = ? AND in_process AND (heartbeat_at IS NULL OR heartbeat_at < ?)", taskID, cutoff).
		Find(&stale).Error; err != nil {
		return apierr.Wrap(apierr.KindPersistence, err)
	}
	for i := range stale {
		step := stale[i]
		err := statemachine.TransitionStep(ctx, c.db, statemachine.StepTransitionInput{
			StepID:     step.ID,
			To:         store.StepError,
			Attempts:   step.Attempts,
			RetryLimit: step.RetryLimit,
			Retryable:  step.Retryable,
		})
		if err != nil && !apierr.Is(err, apierr.KindInvalidTransition) {
			return err
		}
		c.log.Warn("reclaimed stale step claim", "task_id", taskID, "step_id", step.ID, "heartbeat_at", step.HeartbeatAt)
	}
	return nil
}

// iterate runs one pass of the loop body. Returns (progressed, exit, error).
func (c *Coordinator) iterate(ctx context.Context, taskID uuid.UUID) (bool, bool, error) {
	var task store.Task
	if err := c.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return false, true, apierr.Wrap(apierr.KindPersistence, err)
	}

	currentState, err := statemachine.CurrentTaskState(ctx, c.db, taskID)
	if err != nil {
		return false, true, err
	}
	if store.TaskIsTerminal(currentState) {
		return false, true, nil
	}

	var named store.NamedTask
	if err := c.db.WithContext(ctx).First(&named, "id = ?", task.NamedTaskID).Error; err != nil {
		return false, true, apierr.Wrap(apierr.KindPersistence, err)
	}

	if err := c.reclaimStaleClaims(ctx, taskID); err != nil {
		return false, true, err
	}

	rows, err := readiness.Evaluate(ctx, c.db, taskID, c.clock, c.calculator)
	if err != nil {
		return false, true, err
	}
	summary := readiness.Summarize(rows)

	switch summary.RecommendedAction {
	case readiness.ActionExecuteReadySteps:
		if len(summary.Ready) == 0 {
			// Finalizer decides whether to reenqueue (a race settled between
			// the query and now).
			return false, true, c.finalizer.Finalize(ctx, &task, summary)
		}
		if currentState == store.TaskPending {
			if err := finalizer.EnsureStarted(ctx, c.db, c.publisher, c.clock, taskID, nil); err != nil && !apierr.Is(err, apierr.KindInvalidTransition) {
				return false, true, err
			}
		}
		if err := c.executor.ExecuteReady(ctx, &task, named.Namespace, named.Name, named.Version, summary.Ready); err != nil {
			return false, true, err
		}
		return true, false, nil
	case readiness.ActionWaitForCompletion, readiness.ActionWaitForDependencies, readiness.ActionHandleFailures:
		return false, true, c.finalizer.Finalize(ctx, &task, summary)
	case readiness.ActionFinalizeTask:
		return true, true, c.finalizer.Finalize(ctx, &task, summary)
	default:
		return false, true, apierr.New(apierr.KindConfiguration, "unknown recommended action "+string(summary.RecommendedAction))
	}
}
