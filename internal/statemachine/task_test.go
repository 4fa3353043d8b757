package statemachine_test

import (
	"context"
	"testing"

	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/testutil"
)

func TestTransitionTaskFirstTransitionImpliesPending(t *testing.T) {
	db := testutil.DB(t)
	named, _ := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0")
	task := testutil.SeedTask(t, db, named.ID)

	if err := statemachine.TransitionTask(context.Background(), db, task.ID, store.TaskInProgress, nil); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}

	var row store.Task
	if err := db.First(&row, "id = ?", task.ID).Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if row.Complete {
		t.Fatalf("task should not be complete after in_progress")
	}
}

func TestTransitionTaskRejectsIllegalTransition(t *testing.T) {
	db := testutil.DB(t)
	named, _ := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0")
	task := testutil.SeedTask(t, db, named.ID)

	if err := statemachine.TransitionTask(context.Background(), db, task.ID, store.TaskComplete, nil); err == nil {
		t.Fatalf("expected pending -> complete to be rejected")
	}
}

func TestTransitionTaskIsIdempotentOnSameState(t *testing.T) {
	db := testutil.DB(t)
	named, _ := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0")
	task := testutil.SeedTask(t, db, named.ID)

	if err := statemachine.TransitionTask(context.Background(), db, task.ID, store.TaskPending, nil); err != nil {
		t.Fatalf("pending -> pending should be a no-op: %v", err)
	}

	var count int64
	db.Model(&store.TaskTransition{}).Where("task_id = ?", task.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected no transition row written for a no-op, got %d", count)
	}
}

func TestTransitionTaskMarksCompleteOnResolvedManually(t *testing.T) {
	db := testutil.DB(t)
	named, _ := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0")
	task := testutil.SeedTask(t, db, named.ID)

	if err := statemachine.TransitionTask(context.Background(), db, task.ID, store.TaskResolvedManually, nil); err != nil {
		t.Fatalf("pending -> resolved_manually: %v", err)
	}

	var row store.Task
	if err := db.First(&row, "id = ?", task.ID).Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if !row.Complete {
		t.Fatalf("resolved_manually must mark the task complete")
	}

	var mostRecent int64
	db.Model(&store.TaskTransition{}).Where("task_id = ? AND most_recent = ?", task.ID, true).Count(&mostRecent)
	if mostRecent != 1 {
		t.Fatalf("expected exactly one most_recent row, got %d", mostRecent)
	}
}

func TestTransitionTaskFlipsPriorMostRecent(t *testing.T) {
	db := testutil.DB(t)
	named, _ := testutil.SeedHandler(t, db, "default", "onboard_user", "0.1.0")
	task := testutil.SeedTask(t, db, named.ID)

	testutil.DriveTaskState(t, db, task.ID, store.TaskInProgress)
	testutil.DriveTaskState(t, db, task.ID, store.TaskComplete)

	var rows []store.TaskTransition
	if err := db.Where("task_id = ?", task.ID).Order("id asc").Find(&rows).Error; err != nil {
		t.Fatalf("load transitions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 transition rows, got %d", len(rows))
	}
	if rows[0].MostRecent {
		t.Fatalf("first transition should no longer be most_recent")
	}
	if !rows[1].MostRecent {
		t.Fatalf("second transition should be most_recent")
	}
}
