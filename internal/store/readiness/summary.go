package readiness

import "time"

// ExecutionStatus classifies a Task's overall progress.
type ExecutionStatus string

const (
	StatusHasReadySteps        ExecutionStatus = "has_ready_steps"
	StatusProcessing           ExecutionStatus = "processing"
	StatusBlockedByFailures    ExecutionStatus = "blocked_by_failures"
	StatusAllComplete          ExecutionStatus = "all_complete"
	StatusWaitingForDependencies ExecutionStatus = "waiting_for_dependencies"
)

// RecommendedAction is the Finalizer's dispatch key.
type RecommendedAction string

const (
	ActionExecuteReadySteps RecommendedAction = "execute_ready_steps"
	ActionWaitForCompletion RecommendedAction = "wait_for_completion"
	ActionHandleFailures    RecommendedAction = "handle_failures"
	ActionFinalizeTask      RecommendedAction = "finalize_task"
	ActionWaitForDependencies RecommendedAction = "wait_for_dependencies"
)

// HealthStatus is a coarse signal for dashboards/introspection.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthRecovering HealthStatus = "recovering"
	HealthBlocked   HealthStatus = "blocked"
	HealthUnknown   HealthStatus = "unknown"
)

// Summary is the task execution context aggregator's output, the contract
// the Finalizer and Coordinator consume every loop iteration.
type Summary struct {
	TotalSteps       int
	PendingSteps     int
	InProgressSteps  int
	CompletedSteps   int
	FailedSteps      int
	ReadySteps       int

	ExecutionStatus    ExecutionStatus
	RecommendedAction  RecommendedAction
	CompletionPercentage float64
	HealthStatus       HealthStatus

	// Ready is the actual set of ready-for-execution rows, not just a count,
	// so the Coordinator can hand them straight to the Executor.
	Ready []StepReadiness
	// EarliestFutureRetryAt is the soonest next_retry_at among steps blocked
	// on their backoff window, used by the Reenqueuer's delay formula for
	// the blocked-by-failures-with-future-retry-eligibility case.
	EarliestFutureRetryAt *time.Time
}

// Summarize derives the execution context from one task's readiness rows.
// Pure, side-effect-free, same read already paid for by Evaluate.
func Summarize(rows []StepReadiness) Summary {
	s := Summary{TotalSteps: len(rows)}
	if len(rows) == 0 {
		s.ExecutionStatus = StatusAllComplete
		s.RecommendedAction = ActionFinalizeTask
		s.CompletionPercentage = 100
		s.HealthStatus = HealthHealthy
		return s
	}

	var exhaustedFailures int
	for _, r := range rows {
		switch r.CurrentState {
		case "pending":
			s.PendingSteps++
		case "in_progress":
			s.InProgressSteps++
		case "complete", "resolved_manually", "skipped", "cancelled":
			s.CompletedSteps++
		case "error":
			s.FailedSteps++
			if r.Processed {
				exhaustedFailures++
			} else if r.NextRetryAt != nil {
				if s.EarliestFutureRetryAt == nil || r.NextRetryAt.Before(*s.EarliestFutureRetryAt) {
					t := *r.NextRetryAt
					s.EarliestFutureRetryAt = &t
				}
			}
		}
		if r.ReadyForExecution {
			s.ReadySteps++
			s.Ready = append(s.Ready, r)
		}
	}

	s.CompletionPercentage = 100 * float64(s.CompletedSteps) / float64(s.TotalSteps)

	switch {
	case s.ReadySteps > 0:
		s.ExecutionStatus = StatusHasReadySteps
		s.RecommendedAction = ActionExecuteReadySteps
	case s.CompletedSteps == s.TotalSteps:
		s.ExecutionStatus = StatusAllComplete
		s.RecommendedAction = ActionFinalizeTask
	case s.InProgressSteps > 0:
		s.ExecutionStatus = StatusProcessing
		s.RecommendedAction = ActionWaitForCompletion
	case exhaustedFailures > 0 && s.EarliestFutureRetryAt == nil:
		s.ExecutionStatus = StatusBlockedByFailures
		s.RecommendedAction = ActionHandleFailures
	case s.FailedSteps > 0:
		// no failures exhausted, or at least one failed step still has a
		// future retry time (none ready yet): the task is blocked on backoff,
		// not truly stuck.
		s.ExecutionStatus = StatusBlockedByFailures
		s.RecommendedAction = ActionHandleFailures
	default:
		s.ExecutionStatus = StatusWaitingForDependencies
		s.RecommendedAction = ActionWaitForDependencies
	}

	switch {
	case s.FailedSteps == 0:
		s.HealthStatus = HealthHealthy
	case exhaustedFailures > 0 && exhaustedFailures == s.FailedSteps:
		s.HealthStatus = HealthBlocked
	case s.FailedSteps > 0:
		s.HealthStatus = HealthRecovering
	default:
		s.HealthStatus = HealthUnknown
	}

	return s
}
