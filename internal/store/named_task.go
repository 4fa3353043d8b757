package store

import (
	"time"

	"gorm.io/datatypes"
)

// NamedTask is a workflow template identity: (namespace, name, version).
// Immutable once created. ContextSchema is an opaque JSON schema document
// used to validate a TaskRequest.context at Task creation time.
type NamedTask struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Namespace     string         `gorm:"column:namespace;not null;index:idx_named_task_identity,unique" json:"namespace"`
	Name          string         `gorm:"column:name;not null;index:idx_named_task_identity,unique" json:"name"`
	Version       string         `gorm:"column:version;not null;index:idx_named_task_identity,unique" json:"version"`
	ContextSchema datatypes.JSON `gorm:"column:context_schema;type:jsonb" json:"context_schema,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (NamedTask) TableName() string { return "named_tasks" }

// NamedStep is a step template identity within a dependent_system, scoped to
// the NamedTask it belongs to.
type NamedStep struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	NamedTaskID     uint      `gorm:"column:named_task_id;not null;index:idx_named_step_identity,unique" json:"named_task_id"`
	Name            string    `gorm:"column:name;not null;index:idx_named_step_identity,unique" json:"name"`
	DependentSystem string    `gorm:"column:dependent_system" json:"dependent_system,omitempty"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (NamedStep) TableName() string { return "named_steps" }
