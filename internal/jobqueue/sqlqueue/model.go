// Package sqlqueue is a Postgres-backed job queue adapter: future Task
// executions are rows in a table, claimed with SELECT ... FOR UPDATE SKIP
// LOCKED and a worker pool that polls on a ticker.
package sqlqueue

import "time"

// ExecutionRequest is one queued Coordinator invocation.
type ExecutionRequest struct {
	ID          uint       `gorm:"primaryKey"`
	TaskID      string     `gorm:"column:task_id;type:uuid;not null;index"`
	RunAfter    time.Time  `gorm:"column:run_after;not null;index"`
	Status      string     `gorm:"column:status;not null;default:queued;index"` // queued|running|done|failed
	Attempts    int        `gorm:"column:attempts;not null;default:0"`
	LockedAt    *time.Time `gorm:"column:locked_at"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at"`
	LastErrorAt *time.Time `gorm:"column:last_error_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null;default:now()"`
}

func (ExecutionRequest) TableName() string { return "task_execution_requests" }
