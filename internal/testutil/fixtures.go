package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
)

// SeedHandler creates the immutable identity rows (TaskNamespace, NamedTask,
// one NamedStep per stepName) a Task needs to reference.
func SeedHandler(tb testing.TB, db *gorm.DB, namespace, name, version string, stepNames ...string) (*store.NamedTask, map[string]*store.NamedStep) {
	tb.Helper()
	if err := db.Create(&store.TaskNamespace{Name: namespace}).Error; err != nil {
		tb.Fatalf("seed namespace: %v", err)
	}
	named := &store.NamedTask{Namespace: namespace, Name: name, Version: version}
	if err := db.Create(named).Error; err != nil {
		tb.Fatalf("seed named task: %v", err)
	}
	steps := make(map[string]*store.NamedStep, len(stepNames))
	for _, n := range stepNames {
		ns := &store.NamedStep{NamedTaskID: named.ID, Name: n}
		if err := db.Create(ns).Error; err != nil {
			tb.Fatalf("seed named step %s: %v", n, err)
		}
		steps[n] = ns
	}
	return named, steps
}

// SeedTask creates a Task instance of the given NamedTask, pending, with no
// WorkflowSteps yet.
func SeedTask(tb testing.TB, db *gorm.DB, namedTaskID uint) *store.Task {
	tb.Helper()
	task := &store.Task{
		NamedTaskID: namedTaskID,
		Context:     datatypes.JSON([]byte(`{}`)),
		RequestedAt: time.Now(),
	}
	if err := db.Create(task).Error; err != nil {
		tb.Fatalf("seed task: %v", err)
	}
	return task
}

// SeedStep creates a WorkflowStep for a Task, pending, with default retry
// settings.
func SeedStep(tb testing.TB, db *gorm.DB, taskID uuid.UUID, namedStepID uint, name string, retryLimit int) *store.WorkflowStep {
	tb.Helper()
	step := &store.WorkflowStep{
		TaskID:      taskID,
		NamedStepID: namedStepID,
		Name:        name,
		RetryLimit:  retryLimit,
		Retryable:   true,
	}
	if err := db.Create(step).Error; err != nil {
		tb.Fatalf("seed step %s: %v", name, err)
	}
	return step
}

// SeedEdge creates a StepEdge (from -> to) within one Task.
func SeedEdge(tb testing.TB, db *gorm.DB, taskID, from, to uuid.UUID) *store.StepEdge {
	tb.Helper()
	edge := &store.StepEdge{TaskID: taskID, FromStepID: from, ToStepID: to}
	if err := db.Create(edge).Error; err != nil {
		tb.Fatalf("seed edge: %v", err)
	}
	return edge
}

// DriveTaskState pushes a seeded Task through the state machine to the given
// state, failing the test on an illegal transition.
func DriveTaskState(tb testing.TB, db *gorm.DB, taskID uuid.UUID, to store.TaskState) {
	tb.Helper()
	if err := statemachine.TransitionTask(context.Background(), db, taskID, to, nil); err != nil {
		tb.Fatalf("drive task %s to %s: %v", taskID, to, err)
	}
}

// DriveStepState pushes a seeded WorkflowStep through the state machine to
// the given state, failing the test on an illegal transition.
func DriveStepState(tb testing.TB, db *gorm.DB, step *store.WorkflowStep, to store.StepState) {
	tb.Helper()
	if err := statemachine.TransitionStep(context.Background(), db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         to,
		Attempts:   step.Attempts,
		RetryLimit: step.RetryLimit,
		Retryable:  step.Retryable,
	}); err != nil {
		tb.Fatalf("drive step %s to %s: %v", step.ID, to, err)
	}
}
