package temporalqueue

import (
	"context"
	"fmt"

	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/platform/envutil"
	"github.com/orbitflow/taskengine/internal/platform/logger"

	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Runner hosts the worker pool that executes DeliverWorkflow/Activities.
type Runner struct {
	log *logger.Logger
	tc  temporalsdkclient.Client
	d   jobqueue.Deliverer
}

func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, d jobqueue.Deliverer) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if d == nil {
		return nil, fmt.Errorf("temporal worker missing deliverer")
	}
	return &Runner{log: log, tc: tc, d: d}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	cfg := LoadConfig()
	concurrency := envutil.Int("TASKENGINE_QUEUE_WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &Activities{Log: r.log, Deliverer: r.d}
	w.RegisterWorkflowWithOptions(DeliverWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.Deliver, activity.RegisterOptions{Name: ActivityDeliver})

	if err := w.Start(); err != nil {
		return err
	}
	r.log.Info("temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}
