package readiness_test

import (
	"context"
	"testing"

	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/store/readiness"
	"github.com/orbitflow/taskengine/internal/testutil"
)

func TestEvaluateRootStepIsReadyImmediately(t *testing.T) {
	db := testutil.DB(t)
	calc := retry.NewCalculator(retry.DefaultPolicy())
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)

	rows, err := readiness.Evaluate(context.Background(), db, task.ID, retry.SystemClock, calc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if !rows[0].ReadyForExecution {
		t.Fatalf("expected a dependency-free pending step to be ready")
	}
}

func TestEvaluateChildBlockedUntilParentCompletes(t *testing.T) {
	db := testutil.DB(t)
	calc := retry.NewCalculator(retry.DefaultPolicy())
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account", "send_welcome_email")
	task := testutil.SeedTask(t, db, named.ID)
	parent := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)
	child := testutil.SeedStep(t, db, task.ID, steps["send_welcome_email"].ID, "send_welcome_email", 3)
	testutil.SeedEdge(t, db, task.ID, parent.ID, child.ID)

	rows, err := readiness.Evaluate(context.Background(), db, task.ID, retry.SystemClock, calc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	byName := map[string]bool{}
	for _, r := range rows {
		byName[r.Name] = r.ReadyForExecution
	}
	if byName["send_welcome_email"] {
		t.Fatalf("expected child to be blocked before its parent completes")
	}

	testutil.DriveStepState(t, db, parent, store.StepInProgress)
	testutil.DriveStepState(t, db, parent, store.StepComplete)

	rows, err = readiness.Evaluate(context.Background(), db, task.ID, retry.SystemClock, calc)
	if err != nil {
		t.Fatalf("evaluate after parent completes: %v", err)
	}
	for _, r := range rows {
		if r.Name == "send_welcome_email" && !r.ReadyForExecution {
			t.Fatalf("expected child to become ready once its parent completed")
		}
	}
}

func TestEvaluateInProcessStepIsNotReady(t *testing.T) {
	db := testutil.DB(t)
	calc := retry.NewCalculator(retry.DefaultPolicy())
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 3)
	testutil.DriveStepState(t, db, step, store.StepInProgress)

	rows, err := readiness.Evaluate(context.Background(), db, task.ID, retry.SystemClock, calc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rows[0].ReadyForExecution {
		t.Fatalf("expected an in_process step to not be ready")
	}
}

func TestEvaluateExhaustedRetriesAreNotReady(t *testing.T) {
	db := testutil.DB(t)
	calc := retry.NewCalculator(retry.DefaultPolicy())
	named, steps := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0", "create_account")
	task := testutil.SeedTask(t, db, named.ID)
	step := testutil.SeedStep(t, db, task.ID, steps["create_account"].ID, "create_account", 1)
	testutil.DriveStepState(t, db, step, store.StepInProgress)

	if err := db.Model(step).Updates(map[string]interface{}{"attempts": 1}).Error; err != nil {
		t.Fatalf("bump attempts: %v", err)
	}
	testutil.DriveStepState(t, db, step, store.StepError)

	rows, err := readiness.Evaluate(context.Background(), db, task.ID, retry.SystemClock, calc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rows[0].ReadyForExecution {
		t.Fatalf("expected a step with no retries remaining to not be ready")
	}
}
