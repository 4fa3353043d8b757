// Package registry is the dispatch table mapping (namespace, name, version)
// to a TaskHandler, and step names within a task template to StepHandlers,
// keyed by the three-part template identity with a per-task nested step
// table.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/dependency"
	"github.com/orbitflow/taskengine/internal/dependency/graphview"
	"github.com/orbitflow/taskengine/internal/store"
)

// TaskHandler describes a workflow template: its step graph and any custom
// events it may emit beyond the engine's built-in task.*/step.* events.
type TaskHandler interface {
	Name() string
	Namespace() string
	Version() string
	StepTemplates() []dependency.StepTemplate
	CustomEvents() []string
}

// ContextValidator is an optional TaskHandler capability: a handler that
// needs to reject malformed submissions beyond JSON well-formedness
// implements this and returns a ContextValidationFailed{field, reason}
// detail. Handlers that don't need it simply don't implement it.
type ContextValidator interface {
	ValidateContext(context map[string]any) *apierr.Error
}

// ContextSchemaProvider is an optional TaskHandler capability: a handler
// that wants its context validated against a JSON Schema document
// implements this. The schema text is also persisted onto the handler's
// NamedTask row so it can be inspected later. An empty string means no
// schema validation.
type ContextSchemaProvider interface {
	ContextSchema() string
}

// StepHandler performs one step's work. Handlers must be side-effect safe
// under retries: the executor may invoke Run more than once for the same
// WorkflowStep across attempts.
type StepHandler interface {
	Run(ctx *ExecutionContext) (map[string]any, error)
}

// ExecutionContext is the handle a StepHandler is given. It intentionally
// exposes only the read-only Task/Step snapshot plus the result-producing
// return value; handlers do not get direct database access, keeping the
// StepHandler contract narrow and testable in isolation.
type ExecutionContext struct {
	Task *store.Task
	Step *store.WorkflowStep
}

type taskKey struct {
	namespace, name, version string
}

// Registry is a concurrency-safe dispatch table. Registration is expected at
// process startup; lookups happen concurrently from every Coordinator worker.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[taskKey]TaskHandler
	stepsByTask map[taskKey]map[string]StepHandler
	namespaces map[string]struct{}
	projector  *graphview.Projector
}

func New() *Registry {
	return &Registry{
		tasks:       make(map[taskKey]TaskHandler),
		stepsByTask: make(map[taskKey]map[string]StepHandler),
		namespaces:  make(map[string]struct{}),
	}
}

// WithProjector attaches the Neo4j dependency-graph projector: every handler
// registered after this call has its step-template graph synced on
// Register. Nil or a disabled Projector is a no-op (graph introspection
// falls back to computing the graph in-process, see graphview.Projector.Get).
func (r *Registry) WithProjector(p *graphview.Projector) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projector = p
	return r
}

// Register validates the handler's step template graph and custom-event
// declarations before exposing it; on failure no partial registry state
// remains.
func (r *Registry) Register(h TaskHandler, steps map[string]StepHandler) error {
	if h == nil {
		return apierr.New(apierr.KindValidation, "nil task handler")
	}
	namespace := h.Namespace()
	if namespace == "" {
		namespace = store.DefaultNamespace
	}
	version := h.Version()
	if version == "" {
		version = store.DefaultVersion
	}
	name := h.Name()
	if name == "" {
		return apierr.New(apierr.KindValidation, "task handler Name() is empty")
	}

	templates := h.StepTemplates()
	resolved, err := dependency.Validate(templates)
	if err != nil {
		return fmt.Errorf("invalid handler %s/%s@%s: %w", namespace, name, version, err)
	}
	for _, t := range resolved.Templates {
		if _, ok := steps[t.Name]; !ok {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("handler %s/%s@%s: no StepHandler bound for template %q", namespace, name, version, t.Name))
		}
	}
	for _, ev := range h.CustomEvents() {
		if ev == "" {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("handler %s/%s@%s declares an empty custom event name", namespace, name, version))
		}
	}

	key := taskKey{namespace: namespace, name: name, version: version}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[key]; exists {
		return apierr.New(apierr.KindValidation, fmt.Sprintf("handler already registered for %s/%s@%s", namespace, name, version))
	}
	r.tasks[key] = h
	r.stepsByTask[key] = steps
	r.namespaces[namespace] = struct{}{}
	projector := r.projector

	if projector.Enabled() {
		handlerKey := graphview.HandlerKey(namespace, name, version)
		if err := projector.Sync(context.Background(), handlerKey, resolved); err != nil {
			// Projection is a derived read model, not the source of truth: a
			// sync failure must not block registration.
			projector.LogSyncFailure(handlerKey, err)
		}
	}
	return nil
}

// Get looks up a TaskHandler, distinguishing a missing namespace from a
// missing name within a known namespace.
func (r *Registry) Get(namespace, name, version string) (TaskHandler, error) {
	if namespace == "" {
		namespace = store.DefaultNamespace
	}
	if version == "" {
		version = store.DefaultVersion
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.namespaces[namespace]; !ok {
		return nil, apierr.ValidationField("namespace", fmt.Sprintf("unknown namespace %q", namespace))
	}
	h, ok := r.tasks[taskKey{namespace: namespace, name: name, version: version}]
	if !ok {
		return nil, apierr.ValidationField("name", fmt.Sprintf("no handler %s@%s in namespace %q", name, version, namespace))
	}
	return h, nil
}

// StepHandlerFor resolves the StepHandler bound to a step name within a
// registered task template. Used by the executor to dispatch a ready step.
func (r *Registry) StepHandlerFor(namespace, name, version, stepName string) (StepHandler, error) {
	if namespace == "" {
		namespace = store.DefaultNamespace
	}
	if version == "" {
		version = store.DefaultVersion
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps, ok := r.stepsByTask[taskKey{namespace: namespace, name: name, version: version}]
	if !ok {
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("no handler %s@%s in namespace %q", name, version, namespace))
	}
	sh, ok := steps[stepName]
	if !ok {
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("no step handler bound for %q", stepName))
	}
	return sh, nil
}

// List enumerates registered TaskHandlers, optionally scoped to one namespace.
func (r *Registry) List(namespace string) []TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskHandler, 0, len(r.tasks))
	for k, h := range r.tasks {
		if namespace != "" && k.namespace != namespace {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Namespaces returns the set of known namespaces.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.namespaces))
	for ns := range r.namespaces {
		out = append(out, ns)
	}
	return out
}
