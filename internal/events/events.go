// Package events is the bounded fan-out event publisher the coordinator and
// executor use to announce task.*/step.* lifecycle events, published
// through a typed Event envelope with both a Redis pub/sub implementation
// and an in-memory one for tests.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the engine's built-in event types. TaskHandlers may also
// emit declared custom events; those are published with Kind set to the
// declared event name.
type Kind string

const (
	TaskCreated            Kind = "task.created"
	TaskStarted            Kind = "task.started"
	TaskCompleted          Kind = "task.completed"
	TaskFailed             Kind = "task.failed"
	TaskCancelled          Kind = "task.cancelled"
	TaskReenqueueRequested Kind = "task.reenqueue_requested"
	StepStarted            Kind = "step.started"
	StepCompleted          Kind = "step.completed"
	StepFailed             Kind = "step.failed"
	StepRetryScheduled     Kind = "step.retry_scheduled"
	WorkflowStepsDiscovered      Kind = "workflow.steps_discovered"
	WorkflowDependenciesResolved Kind = "workflow.dependencies_resolved"
)

// Event is the envelope published for every lifecycle transition.
type Event struct {
	Kind      Kind            `json:"kind"`
	TaskID    uuid.UUID       `json:"task_id"`
	StepID    *uuid.UUID      `json:"step_id,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher fans an Event out to subscribers. Publish must never block the
// caller for long: the coordinator loop treats event publishing as a
// bounded suspension point, not a correctness-critical write.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// NopPublisher discards every event. Used where no transport is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
func (NopPublisher) Close() error                    { return nil }
