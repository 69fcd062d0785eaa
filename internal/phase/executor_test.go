package phase

import (
	"context"
	"sync"
	"testing"

	"github.com/hugo-lorenzo-mato/datascout/internal/agent"
	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/crew"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
	"github.com/hugo-lorenzo-mato/datascout/internal/testutil"
)

func newTestExecutor(t *testing.T, factory core.InvokerFactory, store *testutil.MemoryStore) *Executor {
	t.Helper()
	registry, err := crew.NewRegistry("", logging.NewNop())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	pool := agent.NewPool(factory, agent.DefaultPoolOptions(), logging.NewNop())
	bus := events.New(64)
	coordinator := crew.NewCoordinator(pool, store, bus, logging.NewNop(), crew.DefaultOptions())
	return NewExecutor(registry, coordinator, store, store, bus, logging.NewNop())
}

func newRunningSession() *core.FlowSession {
	s := core.NewFlowSession("sess-1", "tenant-a", "eng-1",
		[]core.Phase{core.PhaseMap, core.PhaseCleanse}, "inventory of 42 tables")
	if err := s.Start(); err != nil {
		panic(err)
	}
	return s
}

func TestExecutor_RunPhaseCompletes(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("profiler", agent.ScriptedResponse{
		Output: &core.StepOutput{
			Output:     map[string]interface{}{"tables_mapped": float64(42), "unmapped_ratio": 0.1},
			Confidence: 0.8,
		},
	})
	store := testutil.NewMemoryStore()
	executor := newTestExecutor(t, factory, store)

	defs := DefaultDefinitions()
	result, err := executor.RunPhase(context.Background(), newRunningSession(), defs[core.PhaseMap])
	if err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}
	if !result.Completed {
		t.Errorf("Completed = false, criteria = %v", result.Criteria)
	}
	if result.Phase != core.PhaseMap {
		t.Errorf("Phase = %v", result.Phase)
	}
	if len(result.Criteria) != 3 {
		t.Errorf("Criteria len = %d, want 3", len(result.Criteria))
	}
	if result.EndedAt.Before(result.StartedAt) {
		t.Error("EndedAt before StartedAt")
	}
}

func TestExecutor_RequiredCriterionFailureIsRetryable(t *testing.T) {
	// The crew answers without the required tables_mapped key.
	factory := agent.NewScriptedFactory()
	store := testutil.NewMemoryStore()
	executor := newTestExecutor(t, factory, store)

	defs := DefaultDefinitions()
	result, err := executor.RunPhase(context.Background(), newRunningSession(), defs[core.PhaseMap])
	if err == nil {
		t.Fatal("RunPhase() error = nil, want criteria failure")
	}
	if !core.IsRetryable(err) {
		t.Errorf("criteria failure not retryable: %v", err)
	}
	if result.Completed {
		t.Error("Completed = true despite failed required criterion")
	}
	if result.RequiredCriteriaPassed() {
		t.Error("RequiredCriteriaPassed() = true")
	}
}

func TestExecutor_OptionalCriterionFailureStillCompletes(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("profiler", agent.ScriptedResponse{
		Output: &core.StepOutput{
			// unmapped_ratio breaches the optional 0.2 threshold.
			Output:     map[string]interface{}{"tables_mapped": float64(40), "unmapped_ratio": 0.5},
			Confidence: 0.9,
		},
	})
	store := testutil.NewMemoryStore()
	executor := newTestExecutor(t, factory, store)

	defs := DefaultDefinitions()
	result, err := executor.RunPhase(context.Background(), newRunningSession(), defs[core.PhaseMap])
	if err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}
	if !result.Completed {
		t.Errorf("Completed = false, criteria = %v", result.Criteria)
	}

	var sawOptionalFailure bool
	for _, c := range result.Criteria {
		if c.Name == CriterionMaxUnmappedRatio && !c.Required && !c.Passed {
			sawOptionalFailure = true
		}
	}
	if !sawOptionalFailure {
		t.Errorf("optional failure not recorded: %v", result.Criteria)
	}
}

func TestExecutor_FatalAbortStaysFatal(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("manager", agent.ScriptedResponse{
		Err: core.ErrFatalPhase(core.CodeSchemaMismatch, "answer violates the output contract"),
	})
	store := testutil.NewMemoryStore()
	executor := newTestExecutor(t, factory, store)

	defs := DefaultDefinitions()
	result, err := executor.RunPhase(context.Background(), newRunningSession(), defs[core.PhaseMap])
	if err == nil {
		t.Fatal("RunPhase() error = nil, want fatal")
	}
	if core.IsRetryable(err) {
		t.Errorf("fatal abort classified retryable: %v", err)
	}
	if !core.IsCategory(err, core.ErrCatFatal) {
		t.Errorf("category = %v, want fatal", core.GetCategory(err))
	}
	if result == nil || result.Completed {
		t.Errorf("result = %+v", result)
	}
}

func TestExecutor_RetryableAbortStaysRetryable(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("manager", agent.ScriptedResponse{
		Err: core.ErrRetryableStep(core.CodeStepTimeout, "manager timed out"),
	})
	store := testutil.NewMemoryStore()
	executor := newTestExecutor(t, factory, store)

	defs := DefaultDefinitions()
	_, err := executor.RunPhase(context.Background(), newRunningSession(), defs[core.PhaseMap])
	if err == nil {
		t.Fatal("RunPhase() error = nil, want retryable halt")
	}
	if !core.IsRetryable(err) {
		t.Errorf("timeout abort not retryable: %v", err)
	}
}

func TestExecutor_ProjectsPriorOutputsAndScopedInsights(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()

	session := newRunningSession()
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := store.SavePhaseResult(ctx, &core.PhaseResult{
		Session:   session.ID,
		Phase:     core.PhaseMap,
		Completed: true,
		Output:    map[string]interface{}{"tables_mapped": float64(42)},
	}); err != nil {
		t.Fatalf("SavePhaseResult() error = %v", err)
	}
	for _, in := range []core.Insight{
		{ID: "ins-schema", Session: session.ID, Tenant: session.Tenant, Phase: core.PhaseMap, Category: "schema", Confidence: 0.9},
		{ID: "ins-risk", Session: session.ID, Tenant: session.Tenant, Phase: core.PhaseMap, Category: "risk", Confidence: 0.9},
	} {
		in := in
		if _, err := store.Append(ctx, &in); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	factory := &projectionFactory{}
	executor := newTestExecutor(t, factory, store)

	// Cleanse projects only schema and quality categories.
	defs := DefaultDefinitions()
	if _, err := executor.RunPhase(ctx, session, defs[core.PhaseCleanse]); err != nil {
		t.Fatalf("RunPhase() error = %v", err)
	}

	factory.mu.Lock()
	defer factory.mu.Unlock()
	if _, ok := factory.seen.PriorOutputs[string(core.PhaseMap)]; !ok {
		t.Errorf("prior map output not projected: %v", factory.seen.PriorOutputs)
	}
	if len(factory.seen.Insights) != 1 || factory.seen.Insights[0].Category != "schema" {
		t.Errorf("projected insights = %v, want only the schema insight", factory.seen.Insights)
	}
	if factory.seen.InputPreview != "inventory of 42 tables" {
		t.Errorf("InputPreview = %q", factory.seen.InputPreview)
	}
}

// projectionFactory records the last StepInput and answers with a high
// confidence empty output.
type projectionFactory struct {
	mu   sync.Mutex
	seen core.StepInput
}

func (f *projectionFactory) NewInvoker(core.TenantCtx, string) (core.Invoker, error) {
	return &projectionInvoker{factory: f}, nil
}

type projectionInvoker struct {
	factory *projectionFactory
}

func (v *projectionInvoker) Invoke(_ context.Context, role string, input core.StepInput, _ core.TenantCtx) (*core.StepOutput, error) {
	v.factory.mu.Lock()
	v.factory.seen = input
	v.factory.mu.Unlock()
	return &core.StepOutput{Output: map[string]interface{}{}, Confidence: 0.9}, nil
}
