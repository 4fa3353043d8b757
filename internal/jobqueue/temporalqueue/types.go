package temporalqueue

const (
	WorkflowName    = "task_delivery"
	ActivityDeliver = "task_delivery_tick"
	SignalRedeliver = "task_redeliver"

	// maxIdleWaitSeconds bounds how long a workflow waits for another redelivery
	// signal before exiting. The Finalizer only stops enqueuing once a Task
	// reaches a terminal state, so a workflow that receives nothing for this
	// long has outlived its Task.
	maxIdleWaitSeconds = 6 * 60 * 60

	continueAsNewTickLimit = 2000
)

// redeliverSignal is the payload carried by SignalRedeliver: how long to
// sleep before the next delivery tick.
type redeliverSignal struct {
	DelaySeconds int `json:"delay_seconds"`
}
