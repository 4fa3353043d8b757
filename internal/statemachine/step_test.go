package statemachine_test

import (
	"context"
	"testing"

	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/testutil"
)

func TestTransitionStepSetsInProcessOnly(t *testing.T) {
	db := testutil.DB(t)
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)

	if err := statemachine.TransitionStep(context.Background(), db, statemachine.StepTransitionInput{
		StepID:            step.ID,
		To:                store.StepInProgress,
		RetryLimit:        step.RetryLimit,
		Retryable:         true,
		IncrementAttempts: true,
	}); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}

	var row store.WorkflowStep
	if err := db.First(&row, "id = ?", step.ID).Error; err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if !row.InProcess {
		t.Fatalf("expected in_process=true")
	}
	if row.Processed {
		t.Fatalf("expected processed=false for in_progress")
	}
	if row.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", row.Attempts)
	}
}

func TestTransitionStepProcessedOnExhaustedRetries(t *testing.T) {
	db := testutil.DB(t)
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 1)

	testutil.DriveStepState(t, db, step, store.StepInProgress)

	if err := statemachine.TransitionStep(context.Background(), db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         store.StepError,
		Attempts:   1,
		RetryLimit: 1,
		Retryable:  true,
	}); err != nil {
		t.Fatalf("in_progress -> error: %v", err)
	}

	var row store.WorkflowStep
	if err := db.First(&row, "id = ?", step.ID).Error; err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if !row.Processed {
		t.Fatalf("expected processed=true once attempts reach retry_limit")
	}
	if row.InProcess {
		t.Fatalf("expected in_process=false after leaving in_progress")
	}
}

func TestTransitionStepNotProcessedWhileRetriesRemain(t *testing.T) {
	db := testutil.DB(t)
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)

	testutil.DriveStepState(t, db, step, store.StepInProgress)

	if err := statemachine.TransitionStep(context.Background(), db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         store.StepError,
		Attempts:   1,
		RetryLimit: 3,
		Retryable:  true,
	}); err != nil {
		t.Fatalf("in_progress -> error: %v", err)
	}

	var row store.WorkflowStep
	if err := db.First(&row, "id = ?", step.ID).Error; err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if row.Processed {
		t.Fatalf("expected processed=false with retries remaining")
	}

	if err := statemachine.TransitionStep(context.Background(), db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         store.StepPending,
		Attempts:   1,
		RetryLimit: 3,
		Retryable:  true,
	}); err != nil {
		t.Fatalf("error -> pending (retry activation): %v", err)
	}
}

func TestTransitionStepRejectsDuplicateClaim(t *testing.T) {
	db := testutil.DB(t)
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)

	claim := statemachine.StepTransitionInput{
		StepID:            step.ID,
		To:                store.StepInProgress,
		RetryLimit:        step.RetryLimit,
		Retryable:         true,
		IncrementAttempts: true,
	}
	if err := statemachine.TransitionStep(context.Background(), db, claim); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := statemachine.TransitionStep(context.Background(), db, claim); err == nil {
		t.Fatalf("expected a second claim landing on the already-claimed state to be rejected")
	}

	var row store.WorkflowStep
	if err := db.First(&row, "id = ?", step.ID).Error; err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if row.Attempts != 1 {
		t.Fatalf("expected attempts to increment exactly once, got %d", row.Attempts)
	}
}

func TestTransitionStepRejectsIllegalTransition(t *testing.T) {
	db := testutil.DB(t)
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)

	if err := statemachine.TransitionStep(context.Background(), db, statemachine.StepTransitionInput{
		StepID:     step.ID,
		To:         store.StepComplete,
		RetryLimit: step.RetryLimit,
		Retryable:  true,
	}); err == nil {
		t.Fatalf("expected pending -> complete to be rejected")
	}
}
