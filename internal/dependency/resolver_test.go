package dependency_test

import (
	"testing"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/dependency"
)

func TestValidateOrdersByDependency(t *testing.T) {
	resolved, err := dependency.Validate([]dependency.StepTemplate{
		{Name: "create_account"},
		{Name: "send_welcome_email", DependsOn: []string{"create_account"}},
		{Name: "provision_workspace", DependsOn: []string{"create_account"}},
		{Name: "notify_admin", DependsOn: []string{"send_welcome_email", "provision_workspace"}},
	})
	if err != nil {
		t.Fatalf("expected valid DAG: %v", err)
	}
	if resolved.Level["create_account"] != 0 {
		t.Fatalf("expected create_account at level 0, got %d", resolved.Level["create_account"])
	}
	if resolved.Level["notify_admin"] != 2 {
		t.Fatalf("expected notify_admin at level 2, got %d", resolved.Level["notify_admin"])
	}
	pos := make(map[string]int, len(resolved.Order))
	for i, name := range resolved.Order {
		pos[name] = i
	}
	if pos["create_account"] > pos["send_welcome_email"] || pos["create_account"] > pos["provision_workspace"] {
		t.Fatalf("create_account must precede its dependents in Order: %v", resolved.Order)
	}
	if pos["send_welcome_email"] > pos["notify_admin"] || pos["provision_workspace"] > pos["notify_admin"] {
		t.Fatalf("notify_admin must come after both its dependencies: %v", resolved.Order)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	_, err := dependency.Validate([]dependency.StepTemplate{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	if err == nil {
		t.Fatalf("expected cycle to be rejected")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Kind != apierr.KindValidation {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	_, err := dependency.Validate([]dependency.StepTemplate{
		{Name: "a", DependsOn: []string{"a"}},
	})
	if err == nil {
		t.Fatalf("expected self-dependency to be rejected")
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	_, err := dependency.Validate([]dependency.StepTemplate{
		{Name: "a", DependsOn: []string{"does_not_exist"}},
	})
	if err == nil {
		t.Fatalf("expected unknown dependency to be rejected")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	_, err := dependency.Validate([]dependency.StepTemplate{
		{Name: "a"},
		{Name: "a"},
	})
	if err == nil {
		t.Fatalf("expected duplicate template name to be rejected")
	}
}

func TestValidateEmptyTemplateSet(t *testing.T) {
	resolved, err := dependency.Validate(nil)
	if err != nil {
		t.Fatalf("empty template set should be valid: %v", err)
	}
	if len(resolved.Order) != 0 {
		t.Fatalf("expected empty order, got %v", resolved.Order)
	}
}
