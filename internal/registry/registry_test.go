package registry_test

import (
	"testing"

	"github.com/orbitflow/taskengine/internal/dependency"
	"github.com/orbitflow/taskengine/internal/registry"
)

type fakeTaskHandler struct {
	namespace, name, version string
	templates                []dependency.StepTemplate
	customEvents             []string
}

func (h fakeTaskHandler) Name() string                            { return h.name }
func (h fakeTaskHandler) Namespace() string                       { return h.namespace }
func (h fakeTaskHandler) Version() string                         { return h.version }
func (h fakeTaskHandler) StepTemplates() []dependency.StepTemplate { return h.templates }
func (h fakeTaskHandler) CustomEvents() []string                  { return h.customEvents }

type fakeStepHandler struct{}

func (fakeStepHandler) Run(ctx *registry.ExecutionContext) (map[string]any, error) {
	return nil, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := registry.New()
	h := fakeTaskHandler{
		namespace: "default",
		name:      "onboard_user",
		version:   "0.1.0",
		templates: []dependency.StepTemplate{{Name: "create_account"}},
	}
	if err := r.Register(h, map[string]registry.StepHandler{"create_account": fakeStepHandler{}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.Get("default", "onboard_user", "0.1.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name() != "onboard_user" {
		t.Fatalf("expected onboard_user, got %s", got.Name())
	}
}

func TestGetUnknownNamespaceVsUnknownName(t *testing.T) {
	r := registry.New()
	h := fakeTaskHandler{namespace: "default", name: "onboard_user", version: "0.1.0"}
	if err := r.Register(h, map[string]registry.StepHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.Get("other", "onboard_user", "0.1.0"); err == nil {
		t.Fatalf("expected unknown-namespace error")
	}
	if _, err := r.Get("default", "does_not_exist", "0.1.0"); err == nil {
		t.Fatalf("expected unknown-name error")
	}
}

func TestRegisterRejectsMissingStepHandler(t *testing.T) {
	r := registry.New()
	h := fakeTaskHandler{
		namespace: "default",
		name:      "onboard_user",
		version:   "0.1.0",
		templates: []dependency.StepTemplate{{Name: "create_account"}},
	}
	if err := r.Register(h, map[string]registry.StepHandler{}); err == nil {
		t.Fatalf("expected registration to fail without a bound StepHandler")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := registry.New()
	h := fakeTaskHandler{namespace: "default", name: "onboard_user", version: "0.1.0"}
	if err := r.Register(h, map[string]registry.StepHandler{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(h, map[string]registry.StepHandler{}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestListScopesByNamespace(t *testing.T) {
	r := registry.New()
	if err := r.Register(fakeTaskHandler{namespace: "a", name: "x", version: "1"}, map[string]registry.StepHandler{}); err != nil {
		t.Fatalf("register a/x: %v", err)
	}
	if err := r.Register(fakeTaskHandler{namespace: "b", name: "y", version: "1"}, map[string]registry.StepHandler{}); err != nil {
		t.Fatalf("register b/y: %v", err)
	}
	if got := r.List("a"); len(got) != 1 || got[0].Name() != "x" {
		t.Fatalf("expected only a/x, got %v", got)
	}
	if got := r.List(""); len(got) != 2 {
		t.Fatalf("expected both handlers unscoped, got %d", len(got))
	}
}

func TestStepHandlerForResolvesBoundHandler(t *testing.T) {
	r := registry.New()
	h := fakeTaskHandler{
		namespace: "default",
		name:      "onboard_user",
		version:   "0.1.0",
		templates: []dependency.StepTemplate{{Name: "create_account"}},
	}
	sh := fakeStepHandler{}
	if err := r.Register(h, map[string]registry.StepHandler{"create_account": sh}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.StepHandlerFor("default", "onboard_user", "0.1.0", "create_account"); err != nil {
		t.Fatalf("step handler lookup: %v", err)
	}
	if _, err := r.StepHandlerFor("default", "onboard_user", "0.1.0", "does_not_exist"); err == nil {
		t.Fatalf("expected unknown step name to fail")
	}
}
