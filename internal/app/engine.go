// Package app wires the engine's collaborators (store, registry, executor,
// finalizer, coordinator, job queue, event publisher, dependency graph
// projector) into the Task Submission/Introspection API surface, and
// exposes the process bootstrap (internal/app.App) that
// cmd/taskengine/main.go drives. A single Engine fronts the five
// submit/get/cancel/list/graph operations.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/config"
	"github.com/orbitflow/taskengine/internal/dependency"
	"github.com/orbitflow/taskengine/internal/dependency/graphview"
	"github.com/orbitflow/taskengine/internal/events"
	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/platform/ctxutil"
	"github.com/orbitflow/taskengine/internal/platform/logger"
	"github.com/orbitflow/taskengine/internal/registry"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/store/readiness"
)

// Engine implements the Task Submission/Introspection API on top
// of the persistence, registry, job queue, and event collaborators. It holds
// no workflow-execution logic of its own: that lives in
// internal/coordinator/internal/executor/internal/finalizer, driven by the
// Job Queue's Deliverer callback.
type Engine struct {
	db         *gorm.DB
	registry   *registry.Registry
	queue      jobqueue.Queue
	publisher  events.Publisher
	projector  *graphview.Projector
	clock      retry.Clock
	calculator *retry.Calculator
	cfg        *config.Config
	log        *logger.Logger
}

func NewEngine(db *gorm.DB, reg *registry.Registry, queue jobqueue.Queue, pub events.Publisher, projector *graphview.Projector, cfg *config.Config, calc *retry.Calculator, log *logger.Logger) *Engine {
	return &Engine{
		db:         db,
		registry:   reg,
		queue:      queue,
		publisher:  pub,
		projector:  projector,
		clock:      retry.SystemClock,
		calculator: calc,
		cfg:        cfg,
		log:        log.With("component", "Engine"),
	}
}

// SubmitTask validates and persists a new Task, expands its step template
// graph into WorkflowSteps/StepEdges, and enqueues the first execution event.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitTaskRequest) (uuid.UUID, error) {
	namespace := req.Namespace
	if namespace == "" {
		namespace = store.DefaultNamespace
	}
	version := req.Version
	if version == "" {
		version = store.DefaultVersion
	}

	handler, err := e.registry.Get(namespace, req.Name, version)
	if err != nil {
		return uuid.Nil, err
	}

	if td, ok := ctxutil.TraceDataFrom(ctx); ok {
		e.log.Info("submitting task", "namespace", namespace, "name", req.Name, "version", version, "request_id", td.RequestID, "trace_id", td.TraceID)
	}

	if validator, ok := handler.(registry.ContextValidator); ok {
		if verr := validator.ValidateContext(req.Context); verr != nil {
			return uuid.Nil, verr
		}
	}

	var contextSchema string
	if sp, ok := handler.(registry.ContextSchemaProvider); ok {
		contextSchema = sp.ContextSchema()
		if verr := validateContextSchema(contextSchema, req.Context); verr != nil {
			return uuid.Nil, verr
		}
	}

	resolved, err := dependency.Validate(handler.StepTemplates())
	if err != nil {
		return uuid.Nil, err
	}

	identityHash, err := computeIdentityHash(namespace, req.Name, version, req.Context)
	if err != nil {
		return uuid.Nil, apierr.Wrap(apierr.KindPersistence, err)
	}

	if existingID, found, err := e.findDuplicate(ctx, identityHash); err != nil {
		return uuid.Nil, err
	} else if found {
		return uuid.Nil, apierr.Duplicate(existingID.String())
	}

	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return uuid.Nil, apierr.Wrap(apierr.KindPersistence, err)
	}
	tagsJSON, err := json.Marshal(req.Tags)
	if err != nil {
		return uuid.Nil, apierr.Wrap(apierr.KindPersistence, err)
	}

	var taskID uuid.UUID
	now := e.clock.Now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		named, stepsByName, err := ensureHandlerRows(tx, namespace, req.Name, version, resolved, contextSchema)
		if err != nil {
			return err
		}

		task := &store.Task{
			NamedTaskID:  named.ID,
			Context:      datatypes.JSON(contextJSON),
			Initiator:    req.Initiator,
			SourceSystem: req.SourceSystem,
			Reason:       req.Reason,
			Tags:         datatypes.JSON(tagsJSON),
			IdentityHash: identityHash,
			RequestedAt:  now,
		}
		if err := tx.Create(task).Error; err != nil {
			return apierr.Wrap(apierr.KindPersistence, err)
		}
		taskID = task.ID

		stepIDByName := make(map[string]uuid.UUID, len(resolved.Templates))
		for _, t := range resolved.Templates {
			named := stepsByName[t.Name]
			step := &store.WorkflowStep{
				TaskID:      task.ID,
				NamedStepID: named.ID,
				Name:        t.Name,
				RetryLimit:  t.DefaultRetryLimit,
				Retryable:   t.DefaultRetryable,
				Skippable:   t.Skippable,
			}
			if err := tx.Create(step).Error; err != nil {
				return apierr.Wrap(apierr.KindPersistence, err)
			}
			stepIDByName[t.Name] = step.ID
		}
		for _, t := range resolved.Templates {
			for _, dep := range t.DependsOn {
				edge := &store.StepEdge{
					TaskID:     task.ID,
					FromStepID: stepIDByName[dep],
					ToStepID:   stepIDByName[t.Name],
				}
				if err := tx.Create(edge).Error; err != nil {
					return apierr.Wrap(apierr.KindPersistence, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	e.publisher.Publish(ctx, events.Event{Kind: events.TaskCreated, TaskID: taskID, Namespace: namespace, OccurredAt: now})
	e.publisher.Publish(ctx, events.Event{Kind: events.WorkflowStepsDiscovered, TaskID: taskID, Namespace: namespace, OccurredAt: now})
	if orderJSON, merr := json.Marshal(resolved.Order); merr == nil {
		e.publisher.Publish(ctx, events.Event{Kind: events.WorkflowDependenciesResolved, TaskID: taskID, Namespace: namespace, Data: orderJSON, OccurredAt: now})
	}

	if err := e.queue.Enqueue(ctx, jobqueue.Execution{TaskID: taskID}); err != nil {
		return uuid.Nil, err
	}
	return taskID, nil
}

// findDuplicate looks for a Task with the same identity_hash created within
// the configured dedup window.
func (e *Engine) findDuplicate(ctx context.Context, identityHash string) (uuid.UUID, bool, error) {
	window := time.Duration(e.cfg.Submission.DedupWindowSeconds) * time.Second
	if window <= 0 {
		return uuid.Nil, false, nil
	}
	cutoff := e.clock.Now().Add(-window)
	var existing store.Task
	err := e.db.WithContext(ctx).
		Where("identity_hash = ? AND created_at >= ?", identityHash, cutoff).
		Order("created_at DESC").
		First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return uuid.Nil, false, nil
	case err != nil:
		return uuid.Nil, false, apierr.Wrap(apierr.KindPersistence, err)
	default:
		return existing.ID, true, nil
	}
}

// GetTask returns a Task, its WorkflowSteps, and the derived execution
// status/completion percentage.
func (e *Engine) GetTask(ctx context.Context, taskID uuid.UUID) (*GetTaskResult, error) {
	var task store.Task
	if err := e.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("task " + taskID.String() + " not found")
		}
		return nil, apierr.Wrap(apierr.KindPersistence, err)
	}
	var named store.NamedTask
	if err := e.db.WithContext(ctx).First(&named, "id = ?", task.NamedTaskID).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err)
	}

	var steps []store.WorkflowStep
	if err := e.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at ASC").Find(&steps).Error; err != nil {
		return nil, apierr.Wrap(apierr.KindPersistence, err)
	}

	rows, err := readiness.Evaluate(ctx, e.db, taskID, e.clock, e.calculator)
	if err != nil {
		return nil, err
	}
	summary := readiness.Summarize(rows)
	stateByStep := make(map[uuid.UUID]store.StepState, len(rows))
	for _, r := range rows {
		stateByStep[r.StepID] = r.CurrentState
	}

	var taskContext, tags map[string]any
	_ = json.Unmarshal(task.Context, &taskContext)
	_ = json.Unmarshal(task.Tags, &tags)

	views := make([]WorkflowStepView, 0, len(steps))
	for _, s := range steps {
		var results map[string]any
		if len(s.Results) > 0 {
			_ = json.Unmarshal(s.Results, &results)
		}
		state, ok := stateByStep[s.ID]
		if !ok {
			state = store.StepPending
		}
		views = append(views, WorkflowStepView{
			ID:         s.ID,
			Name:       s.Name,
			State:      string(state),
			Attempts:   s.Attempts,
			RetryLimit: s.RetryLimit,
			Results:    results,
		})
	}

	return &GetTaskResult{
		Task: TaskView{
			ID:           task.ID,
			Namespace:    named.Namespace,
			Name:         named.Name,
			Version:      named.Version,
			Context:      taskContext,
			Initiator:    task.Initiator,
			SourceSystem: task.SourceSystem,
			Reason:       task.Reason,
			Tags:         tags,
			RequestedAt:  task.RequestedAt,
			CreatedAt:    task.CreatedAt,
			Complete:     task.Complete,
		},
		WorkflowSteps:        views,
		Status:               summary.ExecutionStatus,
		CompletionPercentage: summary.CompletionPercentage,
	}, nil
}

// CancelTask drives a cancellation transition, observed by the Coordinator
// at its next loop boundary; in-flight steps are not interrupted.
func (e *Engine) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	if err := statemachine.TransitionTask(ctx, e.db, taskID, store.TaskCancelled, nil); err != nil {
		return err
	}
	e.publisher.Publish(ctx, events.Event{Kind: events.TaskCancelled, TaskID: taskID, OccurredAt: e.clock.Now()})
	return nil
}

// ListHandlers enumerates registered TaskHandlers grouped by (namespace,
// name), across every registered version.
func (e *Engine) ListHandlers(namespace string) []HandlerSummary {
	grouped := make(map[string]*HandlerSummary)
	order := make([]string, 0)
	for _, h := range e.registry.List(namespace) {
		key := h.Namespace() + "/" + h.Name()
		s, ok := grouped[key]
		if !ok {
			s = &HandlerSummary{Namespace: h.Namespace(), Name: h.Name()}
			grouped[key] = s
			order = append(order, key)
		}
		s.Versions = append(s.Versions, h.Version())
		for _, t := range h.StepTemplates() {
			if !containsString(s.StepTemplates, t.Name) {
				s.StepTemplates = append(s.StepTemplates, t.Name)
			}
		}
	}
	out := make([]HandlerSummary, 0, len(order))
	for _, key := range order {
		out = append(out, *grouped[key])
	}
	return out
}

// GetDependencyGraph returns a handler's static step-template graph, from
// the Neo4j projection when available, or computed directly from the
// in-process registry otherwise.
func (e *Engine) GetDependencyGraph(ctx context.Context, namespace, name, version string) (*DependencyGraphResult, error) {
	if namespace == "" {
		namespace = store.DefaultNamespace
	}
	if version == "" {
		version = store.DefaultVersion
	}
	handler, err := e.registry.Get(namespace, name, version)
	if err != nil {
		return nil, err
	}

	handlerKey := graphview.HandlerKey(namespace, name, version)
	if graph, gerr := e.projector.Get(ctx, handlerKey); gerr == nil && graph != nil {
		return graph, nil
	} else if gerr != nil {
		e.log.Warn("dependency graph read failed, falling back to in-process graph", "handler_key", handlerKey, "error", gerr)
	}

	resolved, err := dependency.Validate(handler.StepTemplates())
	if err != nil {
		return nil, err
	}
	return graphview.FromResolved(resolved), nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// computeIdentityHash hashes the submission identity: everything
// that would make two submissions "the same request" within the dedup
// window. json.Marshal of a map[string]any sorts keys, so this is stable
// regardless of the caller's field order.
func computeIdentityHash(namespace, name, version string, context map[string]any) (string, error) {
	raw, err := json.Marshal(context)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", namespace, name, version, raw)))
	return hex.EncodeToString(sum[:]), nil
}

// validateContextSchema checks ctx against a JSON Schema document. An empty
// schema means the handler opted out; a malformed schema is a configuration
// error rather than a submission rejection, since it's the operator's fault,
// not the caller's.
func validateContextSchema(schema string, ctx map[string]any) *apierr.Error {
	if schema == "" {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("context_schema.json", strings.NewReader(schema)); err != nil {
		return apierr.New(apierr.KindConfiguration, "invalid context_schema: "+err.Error())
	}
	compiled, err := compiler.Compile("context_schema.json")
	if err != nil {
		return apierr.New(apierr.KindConfiguration, "context_schema compilation failed: "+err.Error())
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return apierr.New(apierr.KindValidation, "context is not serializable: "+err.Error())
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return apierr.ValidationField("context", "not valid JSON")
	}
	if err := compiled.Validate(data); err != nil {
		return apierr.ValidationField("context", err.Error())
	}
	return nil
}

// ensureHandlerRows find-or-creates the persisted NamedTask/NamedStep rows
// backing a handler's templates (the immutable identity tables),
// inside the caller's transaction. contextSchema (possibly empty) is kept in
// sync onto the NamedTask row for introspection.
func ensureHandlerRows(tx *gorm.DB, namespace, name, version string, resolved *dependency.Resolved, contextSchema string) (*store.NamedTask, map[string]*store.NamedStep, error) {
	var taskNamespace store.TaskNamespace
	if err := tx.Where(store.TaskNamespace{Name: namespace}).FirstOrCreate(&taskNamespace).Error; err != nil {
		return nil, nil, apierr.Wrap(apierr.KindPersistence, err)
	}

	var named store.NamedTask
	if err := tx.Where(store.NamedTask{Namespace: namespace, Name: name, Version: version}).
		FirstOrCreate(&named).Error; err != nil {
		return nil, nil, apierr.Wrap(apierr.KindPersistence, err)
	}
	if contextSchema != "" && string(named.ContextSchema) != contextSchema {
		if err := tx.Model(&named).Update("context_schema", datatypes.JSON(contextSchema)).Error; err != nil {
			return nil, nil, apierr.Wrap(apierr.KindPersistence, err)
		}
		named.ContextSchema = datatypes.JSON(contextSchema)
	}

	stepsByName := make(map[string]*store.NamedStep, len(resolved.Templates))
	for _, t := range resolved.Templates {
		var ns store.NamedStep
		if err := tx.Where(store.NamedStep{NamedTaskID: named.ID, Name: t.Name, DependentSystem: t.DependentSystem}).
			FirstOrCreate(&ns).Error; err != nil {
			return nil, nil, apierr.Wrap(apierr.KindPersistence, err)
		}
		nsCopy := ns
		stepsByName[t.Name] = &nsCopy
	}
	return &named, stepsByName, nil
}
