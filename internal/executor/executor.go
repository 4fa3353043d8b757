// Package executor runs ready Steps for one Task, bounded by a concurrency
// limit. It keeps a heartbeat goroutine, panic recovery, and safety-net
// error handling around each claim, with a per-step registry lookup within
// a task's named-step graph rather than a single flat dispatch.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/events"
	"github.com/orbitflow/taskengine/internal/platform/logger"
	"github.com/orbitflow/taskengine/internal/registry"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/store/readiness"
)

var tracer = otel.Tracer("github.com/orbitflow/taskengine/internal/executor")

// Concurrency resolves the per-iteration concurrency bound dynamically from
// system health: clamp(optimal_from_system_health, min, max). A thin
// interface so the coordinator can swap a Redis-cached implementation for
// a static one in tests.
type Concurrency interface {
	Bound(ctx context.Context) int64
}

// StaticConcurrency is the simplest Concurrency: always returns the same bound.
type StaticConcurrency int64

func (s StaticConcurrency) Bound(context.Context) int64 { return int64(s) }

// Executor executes a batch of ready steps concurrently.
type Executor struct {
	db         *gorm.DB
	registry   *registry.Registry
	publisher  events.Publisher
	clock      retry.Clock
	calculator *retry.Calculator
	concurrency       Concurrency
	stepTimeout       time.Duration
	heartbeatInterval time.Duration
	log               *logger.Logger
}

type Option func(*Executor)

func WithStepTimeout(d time.Duration) Option { return func(e *Executor) { e.stepTimeout = d } }
func WithClock(c retry.Clock) Option         { return func(e *Executor) { e.clock = c } }
func WithCalculator(c *retry.Calculator) Option {
	return func(e *Executor) { e.calculator = c }
}
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Executor) { e.heartbeatInterval = d }
}

func New(db *gorm.DB, reg *registry.Registry, pub events.Publisher, concurrency Concurrency, log *logger.Logger, opts ...Option) *Executor {
	e := &Executor{
		db:                db,
		registry:          reg,
		publisher:         pub,
		clock:             retry.SystemClock,
		calculator:        retry.NewCalculator(retry.DefaultPolicy()),
		concurrency:       concurrency,
		stepTimeout:       5 * time.Minute,
		heartbeatInterval: 30 * time.Second,
		log:               log.With("component", "Executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ExecuteReady runs every step in `ready` concurrently, bounded by the
// dynamic concurrency bound, and returns once all attempted steps settle.
// Steps whose guarded claim transition loses a race are logged as a
// concurrency conflict and abandoned for this iteration, not erred.
func (e *Executor) ExecuteReady(ctx context.Context, task *store.Task, namespace, name, version string, ready []readiness.StepReadiness) error {
	if len(ready) == 0 {
		return nil
	}
	bound := e.concurrency.Bound(ctx)
	if bound < 1 {
		bound = 1
	}
	sem := semaphore.NewWeighted(bound)

	errCh := make(chan error, len(ready))
	for i := range ready {
		sr := ready[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			errCh <- nil
			continue
		}
		go func() {
			defer sem.Release(1)
			errCh <- e.executeOne(ctx, task, namespace, name, version, sr)
		}()
	}
	for range ready {
		if err := <-errCh; err != nil {
			e.log.Warn("step execution error", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (e *Executor) executeOne(ctx context.Context, task *store.Task, namespace, name, version string, sr readiness.StepReadiness) (execErr error) {
	spanCtx, span := tracer.Start(ctx, "executor.step",
		trace.WithAttributes(
			attribute.String("task_id", task.ID.String()),
			attribute.String("step_id", sr.StepID.String()),
			attribute.String("step_name", sr.Name),
		))
	defer span.End()

	var step store.WorkflowStep
	if err := e.db.WithContext(spanCtx).First(&step, "id = ?", sr.StepID).Error; err != nil {
		return apierr.Wrap(apierr.KindPersistence, err)
	}

	if sr.CurrentState == store.StepError {
		if err := statemachine.TransitionStep(spanCtx, e.db, statemachine.StepTransitionInput{
			StepID:     step.ID,
			To:         store.StepPending,
			Attempts:   step.Attempts,
			RetryLimit: step.RetryLimit,
			Retryable:  step.Retryable,
		}); err != nil {
			if apierr.Is(err, apierr.KindInvalidTransition) {
				return e.abandonLostClaim(spanCtx, task, &step, "retry activation")
			}
			return err
		}
	}

	now := e.clock.Now()
	claimErr := statemachine.TransitionStep(spanCtx, e.db, statemachine.StepTransitionInput{
		StepID:            step.ID,
		To:                store.StepInProgress,
		Attempts:          step.Attempts + 1,
		RetryLimit:        step.RetryLimit,
		Retryable:         step.Retryable,
		IncrementAttempts: true,
		LastAttemptedAt:   &now,
	})
	if claimErr != nil {
		if apierr.Is(claimErr, apierr.KindInvalidTransition) {
			return e.abandonLostClaim(spanCtx, task, &step, "claim")
		}
		return claimErr
	}
	step.Attempts++
	step.LastAttemptedAt = &now

	if err := e.db.WithContext(spanCtx).Model(&store.WorkflowStep{}).Where("id = ?", step.ID).
		Updates(map[string]interface{}{"locked_at": now, "heartbeat_at": now}).Error; err != nil {
		return apierr.Wrap(apierr.KindPersistence, err)
	}

	e.publisher.Publish(spanCtx, events.Event{
		Kind:       events.StepStarted,
		TaskID:     task.ID,
		StepID:     &step.ID,
		Namespace:  namespace,
		OccurredAt: now,
	})

	handler, err := e.registry.StepHandlerFor(namespace, name, version, step.Name)
	if err != nil {
		return e.failStep(spanCtx, task, &step, namespace, apierr.New(apierr.KindPermanentHandler, "no step handler bound"), 0)
	}

	handlerCtx, cancel := context.WithTimeout(spanCtx, e.stepTimeout)
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(spanCtx)
	defer stopHeartbeat()
	go e.heartbeat(heartbeatCtx, step.ID)

	result, runErr := e.invoke(handlerCtx, handler, task, &step)
	if runErr != nil {
		return e.classifyAndFail(spanCtx, task, &step, namespace, runErr)
	}
	return e.succeedStep(spanCtx, task, &step, namespace, result)
}

// heartbeat refreshes a claimed step's heartbeat_at on a ticker so a worker
// that dies mid-step leaves a detectably stale claim behind instead of one
// indistinguishable from a live one. Runs until ctx is cancelled by the
// caller's defer, writes against a background context so an already-expired
// step timeout doesn't also kill the heartbeat's own write.
func (e *Executor) heartbeat(ctx context.Context, stepID uuid.UUID) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.db.WithContext(context.Background()).Model(&store.WorkflowStep{}).
				Where("id = ? AND in_process", stepID).
				Update("heartbeat_at", e.clock.Now()).Error; err != nil {
				e.log.Warn("heartbeat update failed", "step_id", stepID, "error", err)
			}
		}
	}
}

// abandonLostClaim classifies a rejected claim transition as a
// ConcurrencyConflict and logs it before abandoning the step for this
// iteration; the next readiness pass re-evaluates it.
func (e *Executor) abandonLostClaim(ctx context.Context, task *store.Task, step *store.WorkflowStep, stage string) error {
	conflict := apierr.New(apierr.KindConcurrencyConflict, stage+" lost to a concurrent claimant")
	e.log.Info("step claim lost to concurrent claimant", "task_id", task.ID, "step_id", step.ID, "stage", stage, "error", conflict)
	return nil
}

// invoke runs the handler with panic recovery, converting a panic into a
// plain error so a misbehaving handler can't take the executor down with it.
func (e *Executor) invoke(ctx context.Context, h registry.StepHandler, task *store.Task, step *store.WorkflowStep) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step handler panic: %v", r)
		}
	}()
	return h.Run(&registry.ExecutionContext{Task: task, Step: step})
}

func (e *Executor) succeedStep(ctx context.Context, task *store.Task, step *store.WorkflowStep, namespace string, result map[string]any) error {
	var results datatypes.JSON
	if len(step.Results) > 0 {
		results = step.Results // handler pre-populated results; return value ignored
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}
		results = raw
	}
	if err := e.db.WithContext(ctx).Model(&store.WorkflowStep{}).Where("id = ?", step.ID).
		Update("results", results).Error; err != nil {
		return apierr.Wrap(apierr.KindPersistence, err)
	}
	if err := statemachine.TransitionStep(ctx, e.db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         store.StepComplete,
		Attempts:   step.Attempts,
		RetryLimit: step.RetryLimit,
		Retryable:  step.Retryable,
	}); err != nil {
		return err
	}
	e.publisher.Publish(ctx, events.Event{
		Kind:       events.StepCompleted,
		TaskID:     task.ID,
		StepID:     &step.ID,
		Namespace:  namespace,
		OccurredAt: e.clock.Now(),
	})
	return nil
}

func (e *Executor) classifyAndFail(ctx context.Context, task *store.Task, step *store.WorkflowStep, namespace string, err error) error {
	backoffSeconds := 0
	classified := apierr.New(apierr.KindTransientHandler, err.Error())
	switch v := err.(type) {
	case *apierr.RetryableError:
		backoffSeconds = v.BackoffRequestedSec
		classified = apierr.New(apierr.KindTransientHandler, v.Error())
	case *apierr.PermanentError:
		classified = apierr.New(apierr.KindPermanentHandler, v.Error())
	default:
		// unknown error types default to retryable rather than permanent.
	}
	return e.failStep(ctx, task, step, namespace, classified, backoffSeconds)
}

func (e *Executor) failStep(ctx context.Context, task *store.Task, step *store.WorkflowStep, namespace string, classified *apierr.Error, backoffSeconds int) error {
	updates := map[string]interface{}{}
	if backoffSeconds <= 0 && classified.Kind != apierr.KindPermanentHandler {
		// No server-requested hint: fall back to the configured backoff
		// policy so the next retry's delay is externally tunable.
		backoffSeconds = int(e.calculator.Delay(step.Attempts, 0).Seconds())
	}
	if backoffSeconds > 0 {
		updates["backoff_request_seconds"] = backoffSeconds
	}
	if classified.Kind == apierr.KindPermanentHandler {
		updates["retryable"] = false
	}
	if len(updates) > 0 {
		if err := e.db.WithContext(ctx).Model(&store.WorkflowStep{}).Where("id = ?", step.ID).Updates(updates).Error; err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}
		if v, ok := updates["retryable"].(bool); ok {
			step.Retryable = v
		}
	}
	meta, _ := json.Marshal(map[string]string{"error_kind": string(classified.Kind), "reason": classified.Error()})
	if err := statemachine.TransitionStep(ctx, e.db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         store.StepError,
		Attempts:   step.Attempts,
		RetryLimit: step.RetryLimit,
		Retryable:  step.Retryable,
		Metadata:   datatypes.JSON(meta),
	}); err != nil {
		return err
	}
	e.publisher.Publish(ctx, events.Event{
		Kind:       events.StepFailed,
		TaskID:     task.ID,
		StepID:     &step.ID,
		Namespace:  namespace,
		Data:       meta,
		OccurredAt: e.clock.Now(),
	})
	return nil
}
