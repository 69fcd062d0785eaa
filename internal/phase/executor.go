// Package phase runs one pipeline phase: it projects the crew input,
// delegates to the crew coordinator, and evaluates success criteria.
package phase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/crew"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

// Criterion names.
const (
	CriterionMinConfidence      = "min_confidence"
	CriterionMaxUnmappedRatio   = "max_unmapped_ratio"
	CriterionRequiredOutputKeys = "required_output_keys"
)

// Criterion is one success check evaluated against the crew output.
// Required criteria gate phase completion; optional ones are recorded.
type Criterion struct {
	Name      string   `mapstructure:"name" yaml:"name"`
	Required  bool     `mapstructure:"required" yaml:"required"`
	Threshold float64  `mapstructure:"threshold,omitempty" yaml:"threshold,omitempty"`
	Keys      []string `mapstructure:"keys,omitempty" yaml:"keys,omitempty"`
}

// Definition binds a phase to its crew, input projection, and criteria.
type Definition struct {
	Phase core.Phase
	Crew  string
	// Categories filters which insight categories the crew sees. Empty
	// projects everything.
	Categories []string
	Criteria   []Criterion
	Timeout    time.Duration
}

// DefaultDefinitions returns the built-in definition per phase, keyed
// and crewed by phase name.
func DefaultDefinitions() map[core.Phase]Definition {
	confidence := func(t float64) Criterion {
		return Criterion{Name: CriterionMinConfidence, Required: true, Threshold: t}
	}
	defs := []Definition{
		{
			Phase: core.PhaseMap,
			Crew:  string(core.PhaseMap),
			Criteria: []Criterion{
				confidence(0.6),
				{Name: CriterionRequiredOutputKeys, Required: true, Keys: []string{"tables_mapped"}},
				{Name: CriterionMaxUnmappedRatio, Required: false, Threshold: 0.2},
			},
		},
		{
			Phase:      core.PhaseCleanse,
			Crew:       string(core.PhaseCleanse),
			Categories: []string{"schema", "quality"},
			Criteria:   []Criterion{confidence(0.5)},
		},
		{
			Phase:      core.PhaseClassify,
			Crew:       string(core.PhaseClassify),
			Categories: []string{"schema", "quality"},
			Criteria: []Criterion{
				confidence(0.6),
				{Name: CriterionRequiredOutputKeys, Required: true, Keys: []string{"classifications"}},
			},
		},
		{
			Phase:      core.PhaseDepgraph,
			Crew:       string(core.PhaseDepgraph),
			Categories: []string{"schema", "classification"},
			Criteria:   []Criterion{confidence(0.6)},
		},
		{
			Phase: core.PhaseRisk,
			Crew:  string(core.PhaseRisk),
			Criteria: []Criterion{
				confidence(0.7),
				{Name: CriterionRequiredOutputKeys, Required: true, Keys: []string{"risk_scores"}},
			},
		},
	}

	out := make(map[core.Phase]Definition, len(defs))
	for _, d := range defs {
		out[d.Phase] = d
	}
	return out
}

// Executor runs phases against the crew coordinator.
type Executor struct {
	registry    *crew.Registry
	coordinator *crew.Coordinator
	insights    core.InsightStore
	operational core.OperationalStore
	bus         *events.Bus
	log         *logging.Logger
	clock       core.Clock
}

// NewExecutor wires an executor.
func NewExecutor(registry *crew.Registry, coordinator *crew.Coordinator, insights core.InsightStore, operational core.OperationalStore, bus *events.Bus, log *logging.Logger) *Executor {
	return &Executor{
		registry:    registry,
		coordinator: coordinator,
		insights:    insights,
		operational: operational,
		bus:         bus,
		log:         log,
		clock:       core.SystemClock{},
	}
}

// WithClock swaps the executor clock. Test hook.
func (e *Executor) WithClock(clock core.Clock) *Executor {
	e.clock = clock
	return e
}

// RunPhase executes one phase for a session. The returned PhaseResult is
// always usable (it records gaps and criteria even on failure); the
// error, when non-nil, is the classified halt cause: retryable for
// timeouts and partial-agent failures, fatal for contract violations.
func (e *Executor) RunPhase(ctx context.Context, session *core.FlowSession, def Definition) (*core.PhaseResult, error) {
	log := e.log.WithSession(string(session.ID)).WithPhase(string(def.Phase))
	tenant := core.TenantCtx{Tenant: session.Tenant, Engagement: session.Engagement, Session: session.ID}

	crewDef, err := e.registry.Get(def.Crew)
	if err != nil {
		return nil, err
	}

	input, err := e.projectInput(ctx, session, def)
	if err != nil {
		return nil, err
	}

	phaseCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	started := e.clock.Now()
	e.bus.Publish(events.NewPhaseStartedEvent(string(session.ID), string(session.Tenant), string(def.Phase), crewDef.Name))
	log.Info("phase started", "crew", crewDef.Name)

	crewResult, execErr := e.coordinator.Execute(phaseCtx, crewDef, input, tenant)

	result := &core.PhaseResult{
		Session:   session.ID,
		Phase:     def.Phase,
		StartedAt: started,
		EndedAt:   e.clock.Now(),
	}
	if crewResult != nil {
		result.Output = crewResult.Output
		result.Insights = crewResult.Insights
		result.Gaps = crewResult.Gaps
	}

	if execErr != nil {
		haltErr := classify(execErr, def.Phase)
		e.bus.Publish(events.NewPhaseFailedEvent(string(session.ID), string(session.Tenant), string(def.Phase), core.IsRetryable(haltErr), haltErr.Error()))
		log.Warn("phase halted", "retryable", core.IsRetryable(haltErr), "error", haltErr)
		return result, haltErr
	}

	result.Criteria = e.evaluate(def.Criteria, crewResult)
	result.Completed = result.RequiredCriteriaPassed()

	if !result.Completed {
		var names []string
		for _, c := range result.Criteria {
			if c.Required && !c.Passed {
				names = append(names, c.Name)
			}
		}
		haltErr := core.ErrRetryableStep(core.CodeCriteriaFailed,
			fmt.Sprintf("phase %s: required criteria failed: %s", def.Phase, strings.Join(names, ", ")))
		e.bus.Publish(events.NewPhaseFailedEvent(string(session.ID), string(session.Tenant), string(def.Phase), true, haltErr.Error()))
		log.Warn("phase criteria not met", "failed", names)
		return result, haltErr
	}

	e.bus.Publish(events.NewPhaseCompletedEvent(string(session.ID), string(session.Tenant), string(def.Phase), result.EndedAt.Sub(started), len(result.Insights)))
	log.Info("phase completed", "insights", len(result.Insights), "gaps", len(result.Gaps))
	return result, nil
}

// projectInput assembles what the crew sees: the session input preview,
// the outputs of completed prior phases, and the scoped insights.
func (e *Executor) projectInput(ctx context.Context, session *core.FlowSession, def Definition) (core.StepInput, error) {
	input := core.StepInput{
		Phase:        def.Phase,
		InputPreview: session.InputPreview,
		PriorOutputs: make(map[string]map[string]interface{}),
	}

	prior, err := e.operational.LoadPhaseResults(ctx, session.ID)
	if err != nil {
		return input, fmt.Errorf("loading prior phase results: %w", err)
	}
	for phase, r := range prior {
		if phase != def.Phase && r.Completed {
			input.PriorOutputs[string(phase)] = r.Output
		}
	}

	if len(def.Categories) == 0 {
		insights, err := e.insights.Query(ctx, session.Tenant, session.ID, "")
		if err != nil {
			return input, fmt.Errorf("querying insights: %w", err)
		}
		input.Insights = insights
		return input, nil
	}

	for _, category := range def.Categories {
		insights, err := e.insights.Query(ctx, session.Tenant, session.ID, category)
		if err != nil {
			return input, fmt.Errorf("querying insights: %w", err)
		}
		input.Insights = append(input.Insights, insights...)
	}
	sort.SliceStable(input.Insights, func(i, j int) bool {
		if input.Insights[i].CreatedAt.Equal(input.Insights[j].CreatedAt) {
			return input.Insights[i].ID < input.Insights[j].ID
		}
		return input.Insights[i].CreatedAt.Before(input.Insights[j].CreatedAt)
	})
	return input, nil
}

// evaluate checks every criterion against the crew result.
func (e *Executor) evaluate(criteria []Criterion, crewResult *core.CrewResult) []core.CriterionResult {
	results := make([]core.CriterionResult, 0, len(criteria))
	for _, c := range criteria {
		cr := core.CriterionResult{Name: c.Name, Required: c.Required}
		switch c.Name {
		case CriterionMinConfidence:
			cr.Passed = crewResult.Confidence >= c.Threshold
			cr.Detail = fmt.Sprintf("confidence %.2f, threshold %.2f", crewResult.Confidence, c.Threshold)
		case CriterionMaxUnmappedRatio:
			ratio, ok := outputFloat(crewResult.Output, "unmapped_ratio")
			if !ok {
				cr.Passed = true
				cr.Detail = "output reports no unmapped_ratio"
				break
			}
			cr.Passed = ratio <= c.Threshold
			cr.Detail = fmt.Sprintf("unmapped ratio %.2f, threshold %.2f", ratio, c.Threshold)
		case CriterionRequiredOutputKeys:
			var missing []string
			for _, key := range c.Keys {
				if _, ok := crewResult.Output[key]; !ok {
					missing = append(missing, key)
				}
			}
			cr.Passed = len(missing) == 0
			if len(missing) > 0 {
				cr.Detail = "missing keys: " + strings.Join(missing, ", ")
			}
		default:
			cr.Passed = false
			cr.Detail = fmt.Sprintf("unknown criterion %q", c.Name)
		}
		results = append(results, cr)
	}
	return results
}

// classify maps a crew abort to the halt taxonomy. Already-classified
// domain errors pass through; everything else is retryable.
func classify(err error, phase core.Phase) error {
	if core.IsCategory(err, core.ErrCatFatal) || core.IsCategory(err, core.ErrCatStep) || core.IsCategory(err, core.ErrCatBusy) {
		return err
	}
	if core.IsCategory(err, core.ErrCatConfiguration) {
		return err
	}
	return core.ErrRetryableStep(core.CodeStepFailed, fmt.Sprintf("phase %s: %v", phase, err))
}

func outputFloat(output map[string]interface{}, key string) (float64, bool) {
	v, ok := output[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
