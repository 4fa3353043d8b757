package store

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrateAll creates/updates every table the engine owns. Column-level
// constraints come from struct tags; constraints GORM struct tags cannot
// express (partial unique indexes) are added separately by EnsureIndexes.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&TaskNamespace{},
		&NamedTask{},
		&NamedStep{},
		&Task{},
		&WorkflowStep{},
		&StepEdge{},
		&TaskTransition{},
		&StepTransition{},
	)
}

// EnsureIndexes adds the partial-unique and composite indexes the data model
// requires beyond what struct tags can express: the "exactly one
// most_recent row per subject" invariant, and the readiness query's hot
// paths. Safe to re-run.
func EnsureIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_transition_most_recent
			ON task_transitions (task_id) WHERE most_recent;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_step_transition_most_recent
			ON step_transitions (step_id) WHERE most_recent;`,
		// Readiness evaluation reads workflow_steps by task_id, and the
		// coordinator's stale-claim sweep filters by task_id and in_process;
		// this composite index serves both lookups.
		`CREATE INDEX IF NOT EXISTS idx_workflow_step_claimable
			ON workflow_steps (task_id, in_process, processed);`,
		// Crash recovery: find steps whose claim is stale because the worker
		// that locked them died before heartbeating.
		`CREATE INDEX IF NOT EXISTS idx_workflow_step_stale_claim
			ON workflow_steps (in_process, heartbeat_at) WHERE in_process;`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}

// Migrate runs AutoMigrateAll followed by EnsureIndexes: structural
// migration before index tuning.
func Migrate(db *gorm.DB) error {
	if err := AutoMigrateAll(db); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := EnsureIndexes(db); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}
