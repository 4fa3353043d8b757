package store

import "time"

// TaskNamespace is a logical grouping of NamedTasks (e.g. "payments").
// Created on first reference by the registry; never mutated.
type TaskNamespace struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"column:name;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (TaskNamespace) TableName() string { return "task_namespaces" }

const DefaultNamespace = "default"
const DefaultVersion = "0.1.0"
