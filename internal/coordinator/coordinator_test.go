package coordinator_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/apierr"
	"github.com/orbitflow/taskengine/internal/coordinator"
	"github.com/orbitflow/taskengine/internal/dependency"
	"github.com/orbitflow/taskengine/internal/events"
	"github.com/orbitflow/taskengine/internal/executor"
	"github.com/orbitflow/taskengine/internal/finalizer"
	"github.com/orbitflow/taskengine/internal/jobqueue"
	"github.com/orbitflow/taskengine/internal/registry"
	"github.com/orbitflow/taskengine/internal/retry"
	"github.com/orbitflow/taskengine/internal/statemachine"
	"github.com/orbitflow/taskengine/internal/store"
	"github.com/orbitflow/taskengine/internal/store/readiness"
	"github.com/orbitflow/taskengine/internal/testutil"
)

// fakeTaskHandler is the minimal registry.TaskHandler a test needs: a step
// graph, nothing else.
type fakeTaskHandler struct {
	namespace, name, version string
	templates                []dependency.StepTemplate
}

func (h *fakeTaskHandler) Name() string                             { return h.name }
func (h *fakeTaskHandler) Namespace() string                        { return h.namespace }
func (h *fakeTaskHandler) Version() string                          { return h.version }
func (h *fakeTaskHandler) StepTemplates() []dependency.StepTemplate { return h.templates }
func (h *fakeTaskHandler) CustomEvents() []string                   { return nil }

// stepFunc adapts a plain function to registry.StepHandler.
type stepFunc func(*registry.ExecutionContext) (map[string]any, error)

func (f stepFunc) Run(ec *registry.ExecutionContext) (map[string]any, error) { return f(ec) }

// okHandler always succeeds.
func okHandler() stepFunc {
	return func(*registry.ExecutionContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}
}

// fakeQueue records every Enqueue call instead of delivering anything; the
// coordinator tests drive reenqueue timing themselves via the mutable clock.
type fakeQueue struct {
	mu    sync.Mutex
	execs []jobqueue.Execution
}

func (q *fakeQueue) Enqueue(_ context.Context, exec jobqueue.Execution) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.execs = append(q.execs, exec)
	return nil
}

func (q *fakeQueue) Executions() []jobqueue.Execution {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]jobqueue.Execution, len(q.execs))
	copy(out, q.execs)
	return out
}

// mutableClock lets a test fast-forward past a backoff window without a real
// sleep.
type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func newMutableClock() *mutableClock { return &mutableClock{t: time.Now()} }

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	db    *gorm.DB
	named *store.NamedTask
	steps map[string]*store.NamedStep
	pub   *events.MemoryPublisher
	queue *fakeQueue
	clock *mutableClock
	calc  *retry.Calculator
	coord *coordinator.Coordinator
}

// newHarness wires a Coordinator with a real sqlite-backed store, a recording
// Publisher and Queue, and a handler registered under the given step graph --
// the same collaborators app.go wires, minus Redis/Postgres/Temporal.
func newHarness(tb testing.TB, stepNames []string, templates []dependency.StepTemplate, handlers map[string]registry.StepHandler) *harness {
	tb.Helper()
	db := testutil.DB(tb)
	// sqlite has no real concurrent-writer model; force the pool down to one
	// connection so concurrent claim attempts serialize through the Go driver
	// instead of racing into SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("reach sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	named, steps := testutil.SeedHandler(tb, db, "default", "harness_flow", "0.1.0", stepNames...)

	reg := registry.New()
	h := &fakeTaskHandler{namespace: "default", name: "harness_flow", version: "0.1.0", templates: templates}
	if err := reg.Register(h, handlers); err != nil {
		tb.Fatalf("register handler: %v", err)
	}

	pub := events.NewMemoryPublisher()
	queue := &fakeQueue{}
	clock := newMutableClock()
	calc := retry.NewCalculator(retry.DefaultPolicy())
	log := testutil.Logger(tb)

	exec := executor.New(db, reg, pub, executor.StaticConcurrency(4), log,
		executor.WithClock(clock), executor.WithCalculator(calc), executor.WithHeartbeatInterval(time.Hour))
	fin := finalizer.New(db, queue, pub, finalizer.Delays{
		Processing:             time.Second,
		WaitingForDependencies: time.Second,
		MaxReenqueue:           5 * time.Minute,
	})
	coord := coordinator.New(db, exec, fin, pub, log, coordinator.WithCalculator(calc), coordinator.WithClock(clock))

	return &harness{db: db, named: named, steps: steps, pub: pub, queue: queue, clock: clock, calc: calc, coord: coord}
}

func (h *harness) deliver(tb testing.TB, taskID uuid.UUID) {
	tb.Helper()
	if err := h.coord.Deliver(context.Background(), taskID); err != nil {
		tb.Fatalf("deliver: %v", err)
	}
}

func eventKinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func kindsEqual(got, want []events.Kind) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func taskState(tb testing.TB, db *gorm.DB, taskID uuid.UUID) store.TaskState {
	tb.Helper()
	st, err := statemachine.CurrentTaskState(context.Background(), db, taskID)
	if err != nil {
		tb.Fatalf("load task state: %v", err)
	}
	return st
}

func stepState(tb testing.TB, db *gorm.DB, stepID uuid.UUID) store.StepState {
	tb.Helper()
	st, err := statemachine.CurrentStepState(context.Background(), db, stepID)
	if err != nil {
		tb.Fatalf("load step state: %v", err)
	}
	return st
}

func reloadStep(tb testing.TB, db *gorm.DB, stepID uuid.UUID) store.WorkflowStep {
	tb.Helper()
	var row store.WorkflowStep
	if err := db.First(&row, "id = ?", stepID).Error; err != nil {
		tb.Fatalf("reload step: %v", err)
	}
	return row
}

// TestLinearHappyPath drives a three-step linear chain (A -> B -> C) to
// completion in a single Deliver call, asserting state, attempt counts, and
// the exact lifecycle event ordering.
func TestLinearHappyPath(t *testing.T) {
	templates := []dependency.StepTemplate{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	}
	h := newHarness(t, []string{"a", "b", "c"}, templates, map[string]registry.StepHandler{
		"a": okHandler(), "b": okHandler(), "c": okHandler(),
	})

	task := testutil.SeedTask(t, h.db, h.named.ID)
	a := testutil.SeedStep(t, h.db, task.ID, h.steps["a"].ID, "a", 3)
	b := testutil.SeedStep(t, h.db, task.ID, h.steps["b"].ID, "b", 3)
	c := testutil.SeedStep(t, h.db, task.ID, h.steps["c"].ID, "c", 3)
	testutil.SeedEdge(t, h.db, task.ID, a.ID, b.ID)
	testutil.SeedEdge(t, h.db, task.ID, b.ID, c.ID)

	h.deliver(t, task.ID)

	if got := taskState(t, h.db, task.ID); got != store.TaskComplete {
		t.Fatalf("expected task complete, got %s", got)
	}
	for _, step := range []*store.WorkflowStep{a, b, c} {
		if got := stepState(t, h.db, step.ID); got != store.StepComplete {
			t.Fatalf("expected step %s complete, got %s", step.Name, got)
		}
		if row := reloadStep(t, h.db, step.ID); row.Attempts != 1 {
			t.Fatalf("expected step %s attempts=1, got %d", step.Name, row.Attempts)
		}
	}

	want := []events.Kind{
		events.TaskStarted,
		events.StepStarted, events.StepCompleted,
		events.StepStarted, events.StepCompleted,
		events.StepStarted, events.StepCompleted,
		events.TaskCompleted,
	}
	if got := eventKinds(h.pub.Events()); !kindsEqual(got, want) {
		t.Fatalf("unexpected event order: got %v, want %v", got, want)
	}
}

// TestDiamondWithOneRetry drives A -> {B, C} -> D where B fails its first
// attempt and succeeds its second, confirming D waits for both branches and
// that only B's attempt count reflects the retry.
func TestDiamondWithOneRetry(t *testing.T) {
	templates := []dependency.StepTemplate{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
		{Name: "d", DependsOn: []string{"b", "c"}},
	}
	var bAttempts int32
	bHandler := stepFunc(func(*registry.ExecutionContext) (map[string]any, error) {
		if atomic.AddInt32(&bAttempts, 1) == 1 {
			return nil, apierr.NewRetryableError("boom")
		}
		return map[string]any{"ok": true}, nil
	})
	h := newHarness(t, []string{"a", "b", "c", "d"}, templates, map[string]registry.StepHandler{
		"a": okHandler(), "b": bHandler, "c": okHandler(), "d": okHandler(),
	})

	task := testutil.SeedTask(t, h.db, h.named.ID)
	a := testutil.SeedStep(t, h.db, task.ID, h.steps["a"].ID, "a", 3)
	b := testutil.SeedStep(t, h.db, task.ID, h.steps["b"].ID, "b", 3)
	c := testutil.SeedStep(t, h.db, task.ID, h.steps["c"].ID, "c", 3)
	d := testutil.SeedStep(t, h.db, task.ID, h.steps["d"].ID, "d", 3)
	testutil.SeedEdge(t, h.db, task.ID, a.ID, b.ID)
	testutil.SeedEdge(t, h.db, task.ID, a.ID, c.ID)
	testutil.SeedEdge(t, h.db, task.ID, b.ID, d.ID)
	testutil.SeedEdge(t, h.db, task.ID, c.ID, d.ID)

	h.deliver(t, task.ID)
	if got := taskState(t, h.db, task.ID); got == store.TaskComplete {
		t.Fatalf("expected task still in progress pending B's retry, got %s", got)
	}
	if got := stepState(t, h.db, d.ID); got != store.StepPending {
		t.Fatalf("expected D to stay pending until both parents complete, got %s", got)
	}

	h.clock.Advance(10 * time.Second)
	h.deliver(t, task.ID)

	if got := taskState(t, h.db, task.ID); got != store.TaskComplete {
		t.Fatalf("expected task complete after B's retry, got %s", got)
	}
	if row := reloadStep(t, h.db, b.ID); row.Attempts != 2 {
		t.Fatalf("expected B attempts=2, got %d", row.Attempts)
	}
	if row := reloadStep(t, h.db, c.ID); row.Attempts != 1 {
		t.Fatalf("expected C attempts=1, got %d", row.Attempts)
	}
	if row := reloadStep(t, h.db, d.ID); row.Attempts != 1 {
		t.Fatalf("expected D attempts=1, got %d", row.Attempts)
	}
}

// TestPermanentFailureBlocksDownstream drives A -> B -> C where B raises a
// permanent failure: C must never start and the task must end in error.
func TestPermanentFailureBlocksDownstream(t *testing.T) {
	templates := []dependency.StepTemplate{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	}
	cCalls := int32(0)
	h := newHarness(t, []string{"a", "b", "c"}, templates, map[string]registry.StepHandler{
		"a": okHandler(),
		"b": stepFunc(func(*registry.ExecutionContext) (map[string]any, error) {
			return nil, apierr.NewPermanentError("unrecoverable")
		}),
		"c": stepFunc(func(*registry.ExecutionContext) (map[string]any, error) {
			atomic.AddInt32(&cCalls, 1)
			return map[string]any{"ok": true}, nil
		}),
	})

	task := testutil.SeedTask(t, h.db, h.named.ID)
	a := testutil.SeedStep(t, h.db, task.ID, h.steps["a"].ID, "a", 3)
	b := testutil.SeedStep(t, h.db, task.ID, h.steps["b"].ID, "b", 3)
	c := testutil.SeedStep(t, h.db, task.ID, h.steps["c"].ID, "c", 3)
	testutil.SeedEdge(t, h.db, task.ID, a.ID, b.ID)
	testutil.SeedEdge(t, h.db, task.ID, b.ID, c.ID)

	h.deliver(t, task.ID)

	if got := taskState(t, h.db, task.ID); got != store.TaskError {
		t.Fatalf("expected task error, got %s", got)
	}
	if row := reloadStep(t, h.db, b.ID); !row.Processed || row.Attempts != 1 {
		t.Fatalf("expected B processed=true attempts=1, got processed=%v attempts=%d", row.Processed, row.Attempts)
	}
	if got := stepState(t, h.db, b.ID); got != store.StepError {
		t.Fatalf("expected B in error, got %s", got)
	}
	if got := stepState(t, h.db, c.ID); got != store.StepPending {
		t.Fatalf("expected C to never start, got %s", got)
	}
	if atomic.LoadInt32(&cCalls) != 0 {
		t.Fatalf("expected C's handler to never run")
	}

	rows, err := readiness.Evaluate(context.Background(), h.db, task.ID, h.clock, h.calc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, r := range rows {
		if r.Name == "c" && r.DependenciesSatisfied {
			t.Fatalf("expected C's dependencies to forever report unsatisfied")
		}
	}
}

// TestRetryExhaustion drives a single step whose retry_limit is 2 and which
// always fails, confirming it errors out permanently after its second
// attempt and the task ends in error.
func TestRetryExhaustion(t *testing.T) {
	templates := []dependency.StepTemplate{{Name: "a"}}
	h := newHarness(t, []string{"a"}, templates, map[string]registry.StepHandler{
		"a": stepFunc(func(*registry.ExecutionContext) (map[string]any, error) {
			return nil, apierr.NewRetryableError("always fails")
		}),
	})

	task := testutil.SeedTask(t, h.db, h.named.ID)
	a := testutil.SeedStep(t, h.db, task.ID, h.steps["a"].ID, "a", 2)

	h.deliver(t, task.ID)
	if row := reloadStep(t, h.db, a.ID); row.Processed {
		t.Fatalf("expected step not yet processed after one of two attempts")
	}
	if got := taskState(t, h.db, task.ID); got == store.TaskError {
		t.Fatalf("task should not fail before retries are exhausted")
	}

	h.clock.Advance(10 * time.Second)
	h.deliver(t, task.ID)

	if row := reloadStep(t, h.db, a.ID); !row.Processed || row.Attempts != 2 {
		t.Fatalf("expected step processed=true attempts=2, got processed=%v attempts=%d", row.Processed, row.Attempts)
	}
	if got := taskState(t, h.db, task.ID); got != store.TaskError {
		t.Fatalf("expected task error after retry exhaustion, got %s", got)
	}
}

// TestServerRequestedBackoffHonored confirms a handler's requested backoff
// overrides the exponential formula exactly, and that the step only becomes
// ready again once that window elapses.
func TestServerRequestedBackoffHonored(t *testing.T) {
	templates := []dependency.StepTemplate{{Name: "a"}}
	first := int32(0)
	h := newHarness(t, []string{"a"}, templates, map[string]registry.StepHandler{
		"a": stepFunc(func(*registry.ExecutionContext) (map[string]any, error) {
			if atomic.AddInt32(&first, 1) == 1 {
				return nil, apierr.NewRetryableError("slow down").WithBackoffSeconds(60)
			}
			return map[string]any{"ok": true}, nil
		}),
	})

	task := testutil.SeedTask(t, h.db, h.named.ID)
	a := testutil.SeedStep(t, h.db, task.ID, h.steps["a"].ID, "a", 3)

	h.deliver(t, task.ID)

	row := reloadStep(t, h.db, a.ID)
	if row.BackoffRequestSeconds == nil || *row.BackoffRequestSeconds != 60 {
		t.Fatalf("expected backoff_request_seconds=60, got %v", row.BackoffRequestSeconds)
	}
	if row.LastAttemptedAt == nil {
		t.Fatalf("expected last_attempted_at to be set")
	}
	wantRetryAt := row.LastAttemptedAt.Add(60 * time.Second)

	rows, err := readiness.Evaluate(context.Background(), h.db, task.ID, h.clock, h.calc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rows[0].ReadyForExecution {
		t.Fatalf("expected step to not be ready before its requested backoff elapses")
	}
	if rows[0].NextRetryAt == nil || !rows[0].NextRetryAt.Equal(wantRetryAt) {
		t.Fatalf("expected next_retry_at=%v, got %v", wantRetryAt, rows[0].NextRetryAt)
	}

	h.clock.Advance(61 * time.Second)
	h.deliver(t, task.ID)

	if got := taskState(t, h.db, task.ID); got != store.TaskComplete {
		t.Fatalf("expected task complete once the retry succeeds, got %s", got)
	}
	if row := reloadStep(t, h.db, a.ID); row.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", row.Attempts)
	}
}

// TestConcurrentClaimRace drives two Delivers for the same Task concurrently
// against a single ready step, confirming the state machine's claim guard
// lets exactly one of them run the handler.
func TestConcurrentClaimRace(t *testing.T) {
	templates := []dependency.StepTemplate{{Name: "a"}}
	var runs int32
	h := newHarness(t, []string{"a"}, templates, map[string]registry.StepHandler{
		"a": stepFunc(func(*registry.ExecutionContext) (map[string]any, error) {
			atomic.AddInt32(&runs, 1)
			return map[string]any{"ok": true}, nil
		}),
	})

	task := testutil.SeedTask(t, h.db, h.named.ID)
	a := testutil.SeedStep(t, h.db, task.ID, h.steps["a"].ID, "a", 3)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_ = h.coord.Deliver(context.Background(), task.ID)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected the step handler to run exactly once, ran %d times", got)
	}
	if got := stepState(t, h.db, a.ID); got != store.StepComplete {
		t.Fatalf("expected step complete, got %s", got)
	}
	if row := reloadStep(t, h.db, a.ID); row.Attempts != 1 {
		t.Fatalf("expected attempts=1 despite the race, got %d", row.Attempts)
	}

	started, completed := 0, 0
	for _, ev := range h.pub.Events() {
		switch ev.Kind {
		case events.StepStarted:
			started++
		case events.StepCompleted:
			completed++
		}
	}
	if started != 1 || completed != 1 {
		t.Fatalf("expected exactly one step.started and one step.completed, got %d/%d", started, completed)
	}
}
