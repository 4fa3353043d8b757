package temporalqueue

import (
	"context"
	"fmt"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/platform/logger"

	temporalsdkclient "go.temporal.io/sdk/client"
)

// Queue implements jobqueue.Queue by signal-with-starting one DeliverWorkflow
// per Task (workflow ID derived from the Task ID), so repeated Enqueue calls
// for the same Task converge on a single running workflow instead of
// spawning duplicates.
type Queue struct {
	tc        temporalsdkclient.Client
	taskQueue string
	log       *logger.Logger
}

func NewQueue(tc temporalsdkclient.Client, log *logger.Logger) *Queue {
	cfg := LoadConfig()
	return &Queue{tc: tc, taskQueue: cfg.TaskQueue, log: log.With("component", "TemporalQueue")}
}

func (q *Queue) Enqueue(ctx context.Context, exec jobqueue.Execution) error {
	if q.tc == nil {
		return apierr.New(apierr.KindConfiguration, "temporal client not configured")
	}
	workflowID := workflowIDFor(exec.TaskID.String())
	delaySeconds := int(exec.Delay.Seconds())

	_, err := q.tc.SignalWithStartWorkflow(
		ctx,
		workflowID,
		SignalRedeliver,
		redeliverSignal{DelaySeconds: delaySeconds},
		temporalsdkclient.StartWorkflowOptions{
			ID:        workflowID,
			TaskQueue: q.taskQueue,
		},
		DeliverWorkflow,
		exec.TaskID.String(),
	)
	if err != nil {
		return apierr.Wrap(apierr.KindPersistence, err)
	}
	return nil
}

func workflowIDFor(taskID string) string {
	return fmt.Sprintf("task-delivery-%s", taskID)
}
