package temporalqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/platform/logger"

	"go.temporal.io/sdk/activity"
)

// Activities wraps a Deliverer (the Coordinator) as a Temporal activity.
type Activities struct {
	Log       *logger.Logger
	Deliverer jobqueue.Deliverer
}

func (a *Activities) Deliver(ctx context.Context, taskID string) error {
	if a == nil || a.Deliverer == nil {
		return fmt.Errorf("temporalqueue: no deliverer configured")
	}
	id, err := uuid.Parse(taskID)
	if err != nil {
		return fmt.Errorf("temporalqueue: invalid task id %q: %w", taskID, err)
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	return a.Deliverer.Deliver(ctx, id)
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
