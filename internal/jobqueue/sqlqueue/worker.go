package sqlqueue

import (
	"context"
	"time"

	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/platform/envutil"
	"github.com/orbitflow/taskengine/internal/platform/logger"
)

// Worker polls task_execution_requests and hands claimed rows to a
// jobqueue.Deliverer (the Coordinator): N ticker-driven goroutines, a
// heartbeat goroutine per claimed row, panic recovery converted into a
// marked failure rather than a crashed process.
type Worker struct {
	queue     *Queue
	deliverer jobqueue.Deliverer
	log       *logger.Logger

	maxAttempts  int
	retryDelay   time.Duration
	staleRunning time.Duration
}

func NewWorker(queue *Queue, deliverer jobqueue.Deliverer, log *logger.Logger) *Worker {
	return &Worker{
		queue:        queue,
		deliverer:    deliverer,
		log:          log.With("component", "SQLQueueWorker"),
		maxAttempts:  5,
		retryDelay:   30 * time.Second,
		staleRunning: 30 * time.Minute,
	}
}

// Start launches the worker pool. Concurrency is read from
// TASKENGINE_QUEUE_WORKER_CONCURRENCY (default 4).
func (w *Worker) Start(ctx context.Context) {
	concurrency := envutil.Int("TASKENGINE_QUEUE_WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("starting sql queue worker pool", "concurrency", concurrency)
	for i := 0; i < concurrency; i++ {
		go w.runLoop(ctx, i+1)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			row, err := w.queue.claimNext(ctx, w.maxAttempts, w.retryDelay, w.staleRunning)
			if err != nil {
				w.log.Warn("claim failed", "worker_id", workerID, "error", err)
				continue
			}
			if row == nil {
				continue
			}
			w.process(ctx, workerID, row)
		}
	}
}

func (w *Worker) process(ctx context.Context, workerID int, row *ExecutionRequest) {
	stopHB := w.startHeartbeat(ctx, row.ID)
	defer stopHB()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("coordinator delivery panic", "worker_id", workerID, "request_id", row.ID, "panic", r)
			_ = w.queue.markFailed(ctx, row.ID)
		}
	}()

	taskID, err := parseTaskID(row.TaskID)
	if err != nil {
		w.log.Error("bad task id in execution request", "request_id", row.ID, "error", err)
		_ = w.queue.markFailed(ctx, row.ID)
		return
	}

	if err := w.deliverer.Deliver(ctx, taskID); err != nil {
		w.log.Warn("coordinator delivery failed", "worker_id", workerID, "task_id", taskID, "error", err)
		_ = w.queue.markFailed(ctx, row.ID)
		return
	}
	_ = w.queue.markDone(ctx, row.ID)
}

func (w *Worker) startHeartbeat(ctx context.Context, requestID uint) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = w.queue.heartbeat(ctx, requestID)
			}
		}
	}()
	return func() { close(done) }
}
