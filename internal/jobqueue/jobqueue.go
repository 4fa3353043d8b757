// Package jobqueue defines the job queue collaborator contract: deliver a
// future execution event for a Task, with at-least-once semantics (the
// engine tolerates duplicate deliveries through guarded transitions). Two
// concrete adapters implement Queue: internal/jobqueue/sqlqueue (a
// Postgres-backed poll queue) and internal/jobqueue/temporalqueue (a
// Temporal workflow).
package jobqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Execution is one request to deliver a Coordinator invocation for a Task.
type Execution struct {
	TaskID uuid.UUID
	Delay  time.Duration
}

// Queue is the collaborator the Finalizer/Reenqueuer and TaskInitializer use
// to schedule Coordinator invocations.
type Queue interface {
	// Enqueue delivers a future execution event for a Task after Delay.
	// A Delay of zero means "as soon as possible."
	Enqueue(ctx context.Context, exec Execution) error
}

// Deliverer is handed to the Coordinator: whatever adapter is in use invokes
// Deliver once per dequeued execution event, and the Coordinator runs its
// loop for that Task until it exits.
type Deliverer interface {
	Deliver(ctx context.Context, taskID uuid.UUID) error
}
