// Package readiness implements the step-readiness query and the execution
// context aggregator the Coordinator and Finalizer run on every loop
// iteration. Both are read-only, side-effect-free, single-round-trip
// queries over the DAG-aware most_recent-transition model, avoiding an
// N+1 walk over parent steps.
package readiness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/store"
)

// StepReadiness is one row of the per-task readiness evaluation.
type StepReadiness struct {
	StepID                 uuid.UUID
	TaskID                 uuid.UUID
	Name                   string
	CurrentState           store.StepState
	Attempts               int
	RetryLimit             int
	Retryable              bool
	InProcess              bool
	Processed              bool
	BackoffRequestSeconds  *int
	LastAttemptedAt        *time.Time
	LastFailureAt          *time.Time
	TotalParents           int
	CompletedParents       int

	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool
	NextRetryAt           *time.Time
}

// rawRow mirrors the single SQL statement's projection; all derived booleans
// (dependencies_satisfied, retry_eligible, ready_for_execution) are computed
// in Go from these columns so the query stays portable across the Postgres
// primary store and the SQLite store used in fast unit tests (no FILTER
// clause, no dialect-specific boolean aggregates).
type rawRow struct {
	StepID                string `gorm:"column:step_id"`
	TaskID                string `gorm:"column:task_id"`
	Name                  string `gorm:"column:name"`
	CurrentState          string `gorm:"column:current_state"`
	Attempts              int    `gorm:"column:attempts"`
	RetryLimit            int    `gorm:"column:retry_limit"`
	Retryable             bool   `gorm:"column:retryable"`
	InProcess             bool   `gorm:"column:in_process"`
	Processed             bool   `gorm:"column:processed"`
	BackoffRequestSeconds *int   `gorm:"column:backoff_request_seconds"`
	LastAttemptedAt       *time.Time `gorm:"column:last_attempted_at"`
	LastFailureAt         *time.Time `gorm:"column:last_failure_at"`
	TotalParents          int    `gorm:"column:total_parents"`
	CompletedParents      int    `gorm:"column:completed_parents"`
}

const readinessSQL = `
WITH step_current_state AS (
	SELECT
		ws.id AS step_id,
		ws.task_id AS task_id,
		ws.name AS name,
		ws.attempts AS attempts,
		ws.retry_limit AS retry_limit,
		ws.retryable AS retryable,
		ws.in_process AS in_process,
		ws.processed AS processed,
		ws.backoff_request_seconds AS backoff_request_seconds,
		ws.last_attempted_at AS last_attempted_at,
		COALESCE(st.to_state, 'pending') AS current_state
	FROM workflow_steps ws
	LEFT JOIN step_transitions st ON st.step_id = ws.id AND st.most_recent
	WHERE ws.task_id = ?
),
parent_rollup AS (
	SELECT
		se.to_step_id AS step_id,
		COUNT(*) AS total_parents,
		SUM(CASE WHEN scs.current_state IN ('complete', 'resolved_manually') THEN 1 ELSE 0 END) AS completed_parents
	FROM step_edges se
	JOIN step_current_state scs ON scs.step_id = se.from_step_id
	WHERE se.task_id = ?
	GROUP BY se.to_step_id
),
last_failure AS (
	SELECT step_id, MAX(created_at) AS last_failure_at
	FROM step_transitions
	WHERE to_state = 'error' AND step_id IN (SELECT step_id FROM step_current_state)
	GROUP BY step_id
)
SELECT
	scs.step_id, scs.task_id, scs.name, scs.current_state,
	scs.attempts, scs.retry_limit, scs.retryable, scs.in_process, scs.processed,
	scs.backoff_request_seconds, scs.last_attempted_at,
	COALESCE(pr.total_parents, 0) AS total_parents,
	COALESCE(pr.completed_parents, 0) AS completed_parents,
	lf.last_failure_at
FROM step_current_state scs
LEFT JOIN parent_rollup pr ON pr.step_id = scs.step_id
LEFT JOIN last_failure lf ON lf.step_id = scs.step_id
`

// Evaluate runs the single-statement readiness query for one task and
// returns derived readiness for every one of its steps. calc supplies the
// next-retry-at formula; pass the same calculator the executor persists
// backoff_request_seconds with so both sides agree on timing.
func Evaluate(ctx context.Context, db *gorm.DB, taskID uuid.UUID, clock retry.Clock, calc *retry.Calculator) ([]StepReadiness, error) {
	var rows []rawRow
	if err := db.WithContext(ctx).Raw(readinessSQL, taskID.String(), taskID.String()).Scan(&rows).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err)
	}
	now := clock.Now()
	out := make([]StepReadiness, 0, len(rows))
	for _, r := range rows {
		stepID, err := uuid.Parse(r.StepID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindPersistence, err)
		}
		sr := StepReadiness{
			StepID:                stepID,
			TaskID:                taskID,
			Name:                  r.Name,
			CurrentState:          store.StepState(r.CurrentState),
			Attempts:              r.Attempts,
			RetryLimit:            r.RetryLimit,
			Retryable:             r.Retryable,
			InProcess:             r.InProcess,
			Processed:             r.Processed,
			BackoffRequestSeconds: r.BackoffRequestSeconds,
			LastAttemptedAt:       r.LastAttemptedAt,
			LastFailureAt:         r.LastFailureAt,
			TotalParents:          r.TotalParents,
			CompletedParents:      r.CompletedParents,
		}
		sr.DependenciesSatisfied = sr.TotalParents == 0 || sr.CompletedParents == sr.TotalParents
		sr.NextRetryAt = nextRetryAt(sr, calc)
		sr.RetryEligible = retryEligible(sr, now)
		sr.ReadyForExecution = readyForExecution(sr)
		out = append(out, sr)
	}
	return out, nil
}

// nextRetryAt delegates to the configured backoff calculator. An explicit
// server-requested delay (relative to the last attempt) always takes
// precedence over the attempts-based exponential formula (relative to the
// last failure), matching the calculator's own precedence rule.
func nextRetryAt(sr StepReadiness, calc *retry.Calculator) *time.Time {
	if sr.BackoffRequestSeconds != nil && sr.LastAttemptedAt != nil {
		t := calc.NextRetryAt(sr.Attempts, *sr.BackoffRequestSeconds, *sr.LastAttemptedAt)
		return &t
	}
	if sr.LastFailureAt != nil {
		t := calc.NextRetryAt(sr.Attempts, 0, *sr.LastFailureAt)
		return &t
	}
	return nil
}

func retryEligible(sr StepReadiness, now time.Time) bool {
	if sr.Attempts >= sr.RetryLimit {
		return false
	}
	if sr.Attempts > 0 && !sr.Retryable {
		return false
	}
	if sr.NextRetryAt == nil {
		return true
	}
	return !now.Before(*sr.NextRetryAt)
}

func readyForExecution(sr StepReadiness) bool {
	switch sr.CurrentState {
	case store.StepPending, store.StepError:
	default:
		return false
	}
	if sr.Processed || sr.InProcess {
		return false
	}
	return sr.DependenciesSatisfied && sr.RetryEligible
}
