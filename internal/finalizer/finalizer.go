// Package finalizer decides, from a Task's execution context summary,
// whether to finalize the Task or ask the Job Queue collaborator to
// redeliver another execution event later. The decision is driven entirely
// by the readiness-query Summary contract rather than a fixed in-process
// stage list.
package finalizer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/events"
	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/store/readiness"
)

// Delays are the Reenqueuer's default knobs, overridable via configuration.
type Delays struct {
	Processing           time.Duration
	WaitingForDependencies time.Duration
	MaxReenqueue         time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Processing:             10 * time.Second,
		WaitingForDependencies: 45 * time.Second,
		MaxReenqueue:           300 * time.Second,
	}
}

// Finalizer consumes a Summary and either terminates the Task or reenqueues it.
type Finalizer struct {
	db        *gorm.DB
	queue     jobqueue.Queue
	publisher events.Publisher
	clock     retry.Clock
	delays    Delays
}

func New(db *gorm.DB, queue jobqueue.Queue, pub events.Publisher, delays Delays) *Finalizer {
	return &Finalizer{db: db, queue: queue, publisher: pub, clock: retry.SystemClock, delays: delays}
}

// Finalize applies the recommended-action decision table for one task given
// its current execution context summary.
func (f *Finalizer) Finalize(ctx context.Context, task *store.Task, summary readiness.Summary) error {
	switch summary.RecommendedAction {
	case readiness.ActionFinalizeTask:
		return f.complete(ctx, task)
	case readiness.ActionExecuteReadySteps:
		// A race between the coordinator loop exiting and another worker
		// making steps ready: reenqueue immediately.
		return f.reenqueue(ctx, task, 0)
	case readiness.ActionHandleFailures:
		if summary.EarliestFutureRetryAt != nil {
			delay := time.Until(*summary.EarliestFutureRetryAt)
			if delay > f.delays.MaxReenqueue {
				delay = f.delays.MaxReenqueue
			}
			if delay < 0 {
				delay = 0
			}
			return f.reenqueue(ctx, task, delay)
		}
		return f.fail(ctx, task)
	case readiness.ActionWaitForCompletion:
		return f.reenqueue(ctx, task, f.delays.Processing)
	case readiness.ActionWaitForDependencies:
		return f.reenqueue(ctx, task, f.delays.WaitingForDependencies)
	default:
		return apierr.New(apierr.KindConfiguration, "unknown recommended action "+string(summary.RecommendedAction))
	}
}

func (f *Finalizer) complete(ctx context.Context, task *store.Task) error {
	if err := statemachine.TransitionTask(ctx, f.db, task.ID, store.TaskComplete, nil); err != nil {
		return err
	}
	f.publisher.Publish(ctx, events.Event{
		Kind:       events.TaskCompleted,
		TaskID:     task.ID,
		OccurredAt: f.clock.Now(),
	})
	return nil
}

func (f *Finalizer) fail(ctx context.Context, task *store.Task) error {
	if err := statemachine.TransitionTask(ctx, f.db, task.ID, store.TaskError, nil); err != nil {
		return err
	}
	f.publisher.Publish(ctx, events.Event{
		Kind:       events.TaskFailed,
		TaskID:     task.ID,
		OccurredAt: f.clock.Now(),
	})
	return nil
}

func (f *Finalizer) reenqueue(ctx context.Context, task *store.Task, delay time.Duration) error {
	if err := f.queue.Enqueue(ctx, jobqueue.Execution{TaskID: task.ID, Delay: delay}); err != nil {
		return err
	}
	f.publisher.Publish(ctx, events.Event{
		Kind:       events.TaskReenqueueRequested,
		TaskID:     task.ID,
		OccurredAt: f.clock.Now(),
	})
	return nil
}

// EnsureStarted transitions a pending Task to in_progress on first executor
// activity. The transition is idempotent (a Task already in_progress gets no
// new transition row), but task.started is published on every call that
// returns nil.
func EnsureStarted(ctx context.Context, db *gorm.DB, pub events.Publisher, clock retry.Clock, taskID uuid.UUID, metadata datatypes.JSON) error {
	if err := statemachine.TransitionTask(ctx, db, taskID, store.TaskInProgress, metadata); err != nil {
		return err
	}
	pub.Publish(ctx, events.Event{Kind: events.TaskStarted, TaskID: taskID, OccurredAt: clock.Now()})
	return nil
}
