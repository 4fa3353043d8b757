package apierr_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/orbitflow/taskengine/internal/apierr"
)

func TestIsUnwrapsWrappedError(t *testing.T) {
	inner := apierr.New(apierr.KindPersistence, "db down")
	wrapped := fmt.Errorf("while saving task: %w", inner)
	if !apierr.Is(wrapped, apierr.KindPersistence) {
		t.Fatalf("expected Is to see through fmt.Errorf wrapping")
	}
	if apierr.Is(wrapped, apierr.KindValidation) {
		t.Fatalf("expected Is to reject the wrong kind")
	}
}

func TestKindOfPlainErrorIsFalse(t *testing.T) {
	if _, ok := apierr.KindOf(errors.New("boring error")); ok {
		t.Fatalf("expected KindOf to report false for a non-apierr error")
	}
}

func TestDuplicateCarriesExistingID(t *testing.T) {
	err := apierr.Duplicate("task-123")
	if err.Kind != apierr.KindDuplicate {
		t.Fatalf("expected KindDuplicate, got %s", err.Kind)
	}
	if err.ExistingID != "task-123" {
		t.Fatalf("expected existing id to round-trip, got %q", err.ExistingID)
	}
}

func TestValidationFieldMessageIncludesFieldAndReason(t *testing.T) {
	err := apierr.ValidationField("namespace", "unknown namespace")
	msg := err.Error()
	if !strings.Contains(msg, "namespace") || !strings.Contains(msg, "unknown namespace") {
		t.Fatalf("expected message to include field and reason, got %q", msg)
	}
}
