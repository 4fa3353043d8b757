package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TaskTransition is an append-only history row for a Task's state machine.
// Rows are never updated except for the most_recent flag, which the state
// machine flips in the same transaction that inserts the new row.
//
// Exactly one row per TaskID has most_recent = true. That invariant is
// enforced at the application layer (internal/statemachine writes under a
// row lock) and mirrored by a partial unique index created in the migration
// (see internal/store/migrate.go): CREATE UNIQUE INDEX ... WHERE most_recent.
type TaskTransition struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TaskID     uuid.UUID      `gorm:"type:uuid;column:task_id;not null;index:idx_task_transition_subject" json:"task_id"`
	FromState  TaskState      `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState    TaskState      `gorm:"column:to_state;not null" json:"to_state"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	MostRecent bool           `gorm:"column:most_recent;not null;index:idx_task_transition_subject" json:"most_recent"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (TaskTransition) TableName() string { return "task_transitions" }

// StepTransition is the same append-only pattern for WorkflowStep.
type StepTransition struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	StepID     uuid.UUID      `gorm:"type:uuid;column:step_id;not null;index:idx_step_transition_subject" json:"step_id"`
	FromState  StepState      `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState    StepState      `gorm:"column:to_state;not null" json:"to_state"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	MostRecent bool           `gorm:"column:most_recent;not null;index:idx_step_transition_subject" json:"most_recent"`
	CreatedAt  time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (StepTransition) TableName() string { return "step_transitions" }
