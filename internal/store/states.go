package store

// TaskState enumerates the Task lifecycle. Values are persisted in
// task_transitions.to_state and must be stable across deployments.
type TaskState string

const (
	TaskPending          TaskState = "pending"
	TaskInProgress       TaskState = "in_progress"
	TaskComplete         TaskState = "complete"
	TaskError            TaskState = "error"
	TaskCancelled        TaskState = "cancelled"
	TaskResolvedManually TaskState = "resolved_manually"
)

// taskTransitions is the allowed-transitions table for Task. A transition to
// the current state is always permitted as a no-op (checked separately by
// the state machine, not encoded here).
var taskTransitions = map[TaskState]map[TaskState]bool{
	TaskPending: {
		TaskInProgress:       true,
		TaskCancelled:        true,
		TaskResolvedManually: true,
	},
	TaskInProgress: {
		TaskComplete:  true,
		TaskError:     true,
		TaskCancelled: true,
	},
	TaskError: {
		TaskInProgress:       true,
		TaskResolvedManually: true,
	},
	TaskComplete:         {},
	TaskCancelled:        {},
	TaskResolvedManually: {},
}

func TaskTransitionAllowed(from, to TaskState) bool {
	if from == to {
		return true
	}
	m, ok := taskTransitions[from]
	if !ok {
		return false
	}
	return m[to]
}

// TaskIsTerminal reports whether a Task in this state will never transition
// again under normal operation (used by the coordinator loop's exit check).
func TaskIsTerminal(s TaskState) bool {
	switch s {
	case TaskComplete, TaskCancelled, TaskResolvedManually:
		return true
	default:
		return false
	}
}

// TaskIsComplete mirrors the Task.Complete shortcut column: true iff the
// most-recent state is complete or resolved_manually. resolved_manually is
// treated as equivalent to complete for finalization purposes.
func TaskIsComplete(s TaskState) bool {
	return s == TaskComplete || s == TaskResolvedManually
}

// StepState enumerates the WorkflowStep lifecycle.
type StepState string

const (
	StepPending          StepState = "pending"
	StepInProgress       StepState = "in_progress"
	StepComplete         StepState = "complete"
	StepError            StepState = "error"
	StepCancelled        StepState = "cancelled"
	StepResolvedManually StepState = "resolved_manually"
	StepSkipped          StepState = "skipped"
)

var stepTransitions = map[StepState]map[StepState]bool{
	StepPending: {
		StepInProgress:       true,
		StepSkipped:          true,
		StepResolvedManually: true,
		StepCancelled:        true,
	},
	StepInProgress: {
		StepComplete: true,
		StepError:    true,
	},
	StepError: {
		StepPending:          true, // retry activation
		StepResolvedManually: true,
		StepCancelled:        true,
	},
	StepComplete:         {},
	StepCancelled:        {},
	StepResolvedManually: {},
	StepSkipped:          {},
}

func StepTransitionAllowed(from, to StepState) bool {
	if from == to {
		return true
	}
	m, ok := stepTransitions[from]
	if !ok {
		return false
	}
	return m[to]
}

// StepIsDependencySatisfying reports whether a parent Step in this state
// satisfies a child's dependencies_satisfied check.
func StepIsDependencySatisfying(s StepState) bool {
	return s == StepComplete || s == StepResolvedManually
}

// StepIsProcessedState reports whether a state is a terminal, non-retryable
// outcome on its own. Computed here for callers that only have the state in
// hand; the authoritative `processed` column is still maintained by the
// state machine since it also depends on attempts/retry_limit/retryable,
// not state alone.
func StepIsProcessedState(s StepState) bool {
	switch s {
	case StepComplete, StepResolvedManually, StepCancelled:
		return true
	default:
		return false
	}
}
