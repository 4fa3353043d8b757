package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Task is an instance of a NamedTask. Mutated only via guarded state
// transitions (internal/statemachine); never deleted by the engine.
type Task struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	NamedTaskID  uint           `gorm:"column:named_task_id;not null;index" json:"named_task_id"`
	Context      datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`
	Initiator    string         `gorm:"column:initiator" json:"initiator,omitempty"`
	SourceSystem string         `gorm:"column:source_system" json:"source_system,omitempty"`
	Reason       string         `gorm:"column:reason" json:"reason,omitempty"`
	Tags         datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	IdentityHash string         `gorm:"column:identity_hash;index" json:"identity_hash,omitempty"`
	RequestedAt  time.Time      `gorm:"column:requested_at;not null" json:"requested_at"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;default:now();index" json:"created_at"`

	// Complete mirrors the most-recent task transition: true iff that state
	// is complete or resolved_manually. Maintained by internal/statemachine
	// on every transition write, never computed ad hoc, so simple
	// "WHERE complete = false" scans stay index-friendly.
	Complete bool `gorm:"column:complete;not null;default:false;index" json:"complete"`
}

func (Task) TableName() string { return "tasks" }

// BeforeCreate assigns the primary key client-side so Task rows insert
// identically against drivers without a uuid_generate_v4() default (sqlite).
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// WorkflowStep is an instance of a NamedStep belonging to exactly one Task.
type WorkflowStep struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID       uuid.UUID      `gorm:"type:uuid;column:task_id;not null;index" json:"task_id"`
	NamedStepID  uint           `gorm:"column:named_step_id;not null;index" json:"named_step_id"`
	Name         string         `gorm:"column:name;not null" json:"name"`
	Inputs       datatypes.JSON `gorm:"column:inputs;type:jsonb" json:"inputs,omitempty"`
	Results      datatypes.JSON `gorm:"column:results;type:jsonb" json:"results,omitempty"`
	Attempts     int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	RetryLimit   int            `gorm:"column:retry_limit;not null;default:3" json:"retry_limit"`
	Retryable    bool           `gorm:"column:retryable;not null;default:true" json:"retryable"`
	InProcess    bool           `gorm:"column:in_process;not null;default:false;index:idx_workflow_step_in_process" json:"in_process"`
	Processed    bool           `gorm:"column:processed;not null;default:false" json:"processed"`
	Skippable    bool           `gorm:"column:skippable;not null;default:false" json:"skippable"`

	LastAttemptedAt       *time.Time `gorm:"column:last_attempted_at" json:"last_attempted_at,omitempty"`
	BackoffRequestSeconds *int       `gorm:"column:backoff_request_seconds" json:"backoff_request_seconds,omitempty"`

	// LockedAt/HeartbeatAt support crash recovery: they let a stale
	// in_process claim (worker died mid-step) be detected and reclaimed so a
	// restarted process can resume forward progress on the task.
	LockedAt    *time.Time `gorm:"column:locked_at" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

// BeforeCreate assigns the primary key client-side for the same reason as
// Task.BeforeCreate.
func (s *WorkflowStep) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// StepEdge is a directed edge (from_step_id -> to_step_id) within a single
// Task. The full edge set for a Task must form a DAG.
type StepEdge struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TaskID     uuid.UUID `gorm:"type:uuid;column:task_id;not null;index" json:"task_id"`
	FromStepID uuid.UUID `gorm:"type:uuid;column:from_step_id;not null;index:idx_step_edge_from" json:"from_step_id"`
	ToStepID   uuid.UUID `gorm:"type:uuid;column:to_step_id;not null;index:idx_step_edge_to" json:"to_step_id"`
}

func (StepEdge) TableName() string { return "step_edges" }
