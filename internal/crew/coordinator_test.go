package crew

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/agent"
	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
	"github.com/hugo-lorenzo-mato/datascout/internal/testutil"
)

func testTenant() core.TenantCtx {
	return core.TenantCtx{Tenant: "tenant-a", Engagement: "eng-1", Session: "sess-1"}
}

func newTestCoordinator(factory core.InvokerFactory, store *testutil.MemoryStore) *Coordinator {
	pool := agent.NewPool(factory, agent.DefaultPoolOptions(), logging.NewNop())
	bus := events.New(64)
	return NewCoordinator(pool, store, bus, logging.NewNop(), DefaultOptions())
}

func orderedCrew() *core.CrewDef {
	return &core.CrewDef{
		Name: "mapping",
		Mode: core.ExecutionOrdered,
		Steps: []core.StepDef{
			{Role: "manager", Kind: core.StepKindManager, Critical: true},
			{Role: "profiler", Kind: core.StepKindSpecialist, Critical: true},
			{Role: "cleanser", Kind: core.StepKindSpecialist, Critical: false},
		},
	}
}

func TestCoordinator_OrderedSuccess(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("manager", agent.ScriptedResponse{
		Output: &core.StepOutput{Output: map[string]interface{}{"plan": "scan"}, Confidence: 0.9},
	})
	factory.Script("profiler", agent.ScriptedResponse{
		Output: &core.StepOutput{
			Output:     map[string]interface{}{"tables_mapped": float64(42)},
			Confidence: 0.7,
			Insights: []core.Insight{
				{Category: "schema", Payload: map[string]interface{}{"table": "orders"}, Confidence: 0.8},
			},
		},
	})
	store := testutil.NewMemoryStore()
	coord := newTestCoordinator(factory, store)

	result, err := coord.Execute(context.Background(), orderedCrew(), core.StepInput{Phase: core.PhaseMap}, testTenant())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Outcome != core.CrewSucceeded {
		t.Errorf("Outcome = %v, want succeeded", result.Outcome)
	}
	if result.Output["plan"] != "scan" || result.Output["tables_mapped"] != float64(42) {
		t.Errorf("merged output = %v", result.Output)
	}
	if len(result.Insights) != 1 {
		t.Errorf("Insights len = %d, want 1", len(result.Insights))
	}
	if store.InsightCount("sess-1") != 1 {
		t.Errorf("stored insights = %d, want 1", store.InsightCount("sess-1"))
	}
	// Mean over manager (0.9), profiler (0.7), cleanser default (1.0).
	if result.Confidence < 0.86 || result.Confidence > 0.87 {
		t.Errorf("Confidence = %v", result.Confidence)
	}
}

func TestCoordinator_OrderedNonCriticalFailureContinues(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("cleanser", agent.ScriptedResponse{
		Err: core.ErrRetryableStep(core.CodeStepFailed, "cleanser crashed"),
	})
	coord := newTestCoordinator(factory, testutil.NewMemoryStore())

	result, err := coord.Execute(context.Background(), orderedCrew(), core.StepInput{Phase: core.PhaseMap}, testTenant())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Outcome != core.CrewPartial {
		t.Errorf("Outcome = %v, want partial", result.Outcome)
	}
	if len(result.Gaps) != 1 || result.Gaps[0].Role != "cleanser" {
		t.Errorf("Gaps = %v", result.Gaps)
	}
}

func TestCoordinator_OrderedCriticalFailureAborts(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("manager", agent.ScriptedResponse{
		Err: core.ErrFatalPhase(core.CodeMissingInput, "no inventory to work from"),
	})
	coord := newTestCoordinator(factory, testutil.NewMemoryStore())

	result, err := coord.Execute(context.Background(), orderedCrew(), core.StepInput{Phase: core.PhaseMap}, testTenant())
	if err == nil {
		t.Fatal("Execute() error = nil, want abort error")
	}
	if result.Outcome != core.CrewAborted {
		t.Errorf("Outcome = %v, want aborted", result.Outcome)
	}
	if core.IsRetryable(err) {
		t.Error("fatal step error classified retryable")
	}
	if factory.Calls("profiler") != 0 {
		t.Errorf("profiler ran after critical abort: %d calls", factory.Calls("profiler"))
	}
}

func TestCoordinator_StepTimeoutIsRetryable(t *testing.T) {
	factory := &blockingFactory{}
	coord := newTestCoordinator(factory, testutil.NewMemoryStore())

	crew := &core.CrewDef{
		Name: "slow",
		Mode: core.ExecutionOrdered,
		Steps: []core.StepDef{
			{Role: "manager", Kind: core.StepKindManager, Critical: true, Timeout: 30 * time.Millisecond},
		},
	}

	_, err := coord.Execute(context.Background(), crew, core.StepInput{Phase: core.PhaseMap}, testTenant())
	if err == nil {
		t.Fatal("Execute() error = nil, want timeout")
	}
	if !core.IsRetryable(err) {
		t.Errorf("step timeout not retryable: %v", err)
	}
	if !core.IsCategory(err, core.ErrCatStep) {
		t.Errorf("step timeout category = %v", core.GetCategory(err))
	}
}

func TestCoordinator_GraphDependencyChaining(t *testing.T) {
	store := testutil.NewMemoryStore()
	factory := &recordingFactory{store: store}
	coord := newTestCoordinator(factory, store)

	crew := &core.CrewDef{
		Name: "classify",
		Mode: core.ExecutionGraph,
		Steps: []core.StepDef{
			{Role: "manager", Kind: core.StepKindManager, Critical: true},
			{Role: "classifier", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: true},
			{Role: "linker", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: false},
		},
	}

	result, err := coord.Execute(context.Background(), crew, core.StepInput{Phase: core.PhaseClassify}, testTenant())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Outcome != core.CrewSucceeded {
		t.Errorf("Outcome = %v, want succeeded", result.Outcome)
	}

	factory.mu.Lock()
	defer factory.mu.Unlock()
	for _, role := range []string{"classifier", "linker"} {
		inputs, ok := factory.inputs[role]
		if !ok {
			t.Fatalf("%s never ran", role)
		}
		if _, ok := inputs.PriorOutputs["manager"]; !ok {
			t.Errorf("%s ran without the manager output: %v", role, inputs.PriorOutputs)
		}
		// The manager's insight was durably appended before dependents ran.
		if factory.insightsSeen[role] != 1 {
			t.Errorf("%s saw %d stored insights at invoke time, want 1", role, factory.insightsSeen[role])
		}
	}
}

func TestCoordinator_GraphNonCriticalFailureRecordsGap(t *testing.T) {
	factory := agent.NewScriptedFactory()
	factory.Script("linker", agent.ScriptedResponse{
		Err: core.ErrRetryableStep(core.CodeStepFailed, "linker crashed"),
	})
	coord := newTestCoordinator(factory, testutil.NewMemoryStore())

	crew := &core.CrewDef{
		Name: "classify",
		Mode: core.ExecutionGraph,
		Steps: []core.StepDef{
			{Role: "manager", Kind: core.StepKindManager, Critical: true},
			{Role: "classifier", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: true},
			{Role: "linker", Kind: core.StepKindSpecialist, DependsOn: []string{"manager"}, Critical: false},
		},
	}

	result, err := coord.Execute(context.Background(), crew, core.StepInput{Phase: core.PhaseClassify}, testTenant())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Outcome != core.CrewPartial {
		t.Errorf("Outcome = %v, want partial", result.Outcome)
	}
	if len(result.Gaps) != 1 || result.Gaps[0].Role != "linker" {
		t.Errorf("Gaps = %v", result.Gaps)
	}
	if factory.Calls("classifier") != 1 {
		t.Errorf("classifier calls = %d, want 1", factory.Calls("classifier"))
	}
}

// blockingFactory produces invokers that block until their context ends.
type blockingFactory struct{}

func (f *blockingFactory) NewInvoker(core.TenantCtx, string) (core.Invoker, error) {
	return blockingInvoker{}, nil
}

type blockingInvoker struct{}

func (blockingInvoker) Invoke(ctx context.Context, role string, input core.StepInput, tenant core.TenantCtx) (*core.StepOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingFactory captures the StepInput each role received and how
// many stored insights were visible at invoke time. The manager step
// emits one insight.
type recordingFactory struct {
	store *testutil.MemoryStore

	mu           sync.Mutex
	inputs       map[string]core.StepInput
	insightsSeen map[string]int
}

func (f *recordingFactory) NewInvoker(core.TenantCtx, string) (core.Invoker, error) {
	return &recordingInvoker{factory: f}, nil
}

type recordingInvoker struct {
	factory *recordingFactory
}

func (v *recordingInvoker) Invoke(_ context.Context, role string, input core.StepInput, tenant core.TenantCtx) (*core.StepOutput, error) {
	f := v.factory
	f.mu.Lock()
	if f.inputs == nil {
		f.inputs = make(map[string]core.StepInput)
		f.insightsSeen = make(map[string]int)
	}
	f.inputs[role] = input
	f.insightsSeen[role] = f.store.InsightCount(tenant.Session)
	f.mu.Unlock()

	out := &core.StepOutput{
		Output:     map[string]interface{}{role + "_done": true},
		Confidence: 0.9,
	}
	if role == "manager" {
		out.Insights = []core.Insight{
			{Category: "plan", Payload: map[string]interface{}{"work": "split"}, Confidence: 0.9},
		}
	}
	return out, nil
}
