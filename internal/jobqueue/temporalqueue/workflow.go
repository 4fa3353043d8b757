package temporalqueue

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// DeliverWorkflow is one long-lived per-Task loop: tick once, then wait for
// either a redeliver signal (sleep the requested delay, tick again) or
// maxIdleWaitSeconds of silence (the Task reached a terminal state and
// stopped being reenqueued, so the workflow lets itself expire).
func DeliverWorkflow(ctx workflow.Context, taskID string) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
	})

	redeliverCh := workflow.GetSignalChannel(ctx, SignalRedeliver)

	for tick := 0; ; tick++ {
		if err := workflow.ExecuteActivity(ctx, ActivityDeliver, taskID).Get(ctx, nil); err != nil {
			return err
		}

		delaySeconds, gotSignal := waitForRedeliver(ctx, redeliverCh, maxIdleWaitSeconds*time.Second)
		if !gotSignal {
			return nil
		}
		if delaySeconds > 0 {
			if err := workflow.Sleep(ctx, time.Duration(delaySeconds)*time.Second); err != nil {
				return err
			}
		}
		if shouldContinueAsNew(ctx, tick) {
			return workflow.NewContinueAsNewError(ctx, DeliverWorkflow, taskID)
		}
	}
}

// waitForRedeliver blocks until a SignalRedeliver arrives or maxWait elapses.
// Returns (delaySeconds, true) on signal, (0, false) on timeout.
func waitForRedeliver(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) (int, bool) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)

	var sig redeliverSignal
	received := false
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, &sig)
		received = true
	})
	sel.AddFuture(timer, func(workflow.Future) {})
	sel.Select(ctx)
	return sig.DelaySeconds, received
}

func shouldContinueAsNew(ctx workflow.Context, tick int) bool {
	if tick >= continueAsNewTickLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= 15000
}
