package crew

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/datascout/internal/agent"
	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

// Options tunes crew execution.
type Options struct {
	// StepTimeout applies to steps that declare no timeout of their own.
	StepTimeout time.Duration
	// MaxParallelSteps bounds concurrent specialists in graph mode.
	MaxParallelSteps int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		StepTimeout:      2 * time.Minute,
		MaxParallelSteps: 4,
	}
}

// Coordinator executes crew definitions: it checks agents out of the
// pool, chains step context, persists produced insights, and folds the
// step outcomes into one CrewResult.
type Coordinator struct {
	pool     *agent.Pool
	insights core.InsightStore
	bus      *events.Bus
	log      *logging.Logger
	opts     Options
}

// NewCoordinator wires a coordinator to its pool and insight store.
func NewCoordinator(pool *agent.Pool, insights core.InsightStore, bus *events.Bus, log *logging.Logger, opts Options) *Coordinator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultOptions().StepTimeout
	}
	if opts.MaxParallelSteps <= 0 {
		opts.MaxParallelSteps = DefaultOptions().MaxParallelSteps
	}
	return &Coordinator{pool: pool, insights: insights, bus: bus, log: log, opts: opts}
}

// run accumulates step results across one Execute call.
type run struct {
	mu          sync.Mutex
	outputs     map[string]map[string]interface{}
	order       []string
	confidences []float64
	insights    []core.InsightID
	gaps        []core.StepGap
}

func (r *run) snapshotOutputs() map[string]map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]map[string]interface{}, len(r.outputs))
	for role, out := range r.outputs {
		snap[role] = out
	}
	return snap
}

func (r *run) recordSuccess(role string, out *core.StepOutput, ids []core.InsightID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[role] = out.Output
	r.order = append(r.order, role)
	r.confidences = append(r.confidences, out.Confidence)
	r.insights = append(r.insights, ids...)
}

func (r *run) recordGap(role string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaps = append(r.gaps, core.StepGap{Role: role, Cause: cause.Error()})
}

// Execute runs one crew under ctx. The tenant context must belong to the
// session being executed; every checkout is scoped by it. The returned
// error is non-nil only when the crew aborted, and carries the critical
// step's classification.
func (c *Coordinator) Execute(ctx context.Context, crew *core.CrewDef, input core.StepInput, tenant core.TenantCtx) (*core.CrewResult, error) {
	if tenant.Tenant == "" || tenant.Session == "" {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig, "crew execution requires tenant and session scope")
	}

	log := c.log.WithSession(string(tenant.Session)).WithCrew(crew.Name)
	state := &run{outputs: make(map[string]map[string]interface{})}

	var abortErr error
	switch crew.Mode {
	case core.ExecutionGraph:
		abortErr = c.executeGraph(ctx, crew, input, tenant, state, log)
	default:
		abortErr = c.executeOrdered(ctx, crew, input, tenant, state, log)
	}

	result := &core.CrewResult{
		Crew:     crew.Name,
		Output:   mergeOutputs(state),
		Insights: state.insights,
		Gaps:     state.gaps,
	}
	if n := len(state.confidences); n > 0 {
		sum := 0.0
		for _, conf := range state.confidences {
			sum += conf
		}
		result.Confidence = sum / float64(n)
	}

	switch {
	case abortErr != nil:
		result.Outcome = core.CrewAborted
		result.Err = abortErr.Error()
		return result, abortErr
	case len(state.gaps) > 0:
		result.Outcome = core.CrewPartial
	default:
		result.Outcome = core.CrewSucceeded
	}
	return result, nil
}

// executeOrdered runs the manager first, then specialists in declared
// order. Each step sees the accumulated outputs of its predecessors.
func (c *Coordinator) executeOrdered(ctx context.Context, crew *core.CrewDef, input core.StepInput, tenant core.TenantCtx, state *run, log *logging.Logger) error {
	manager, ok := crew.Manager()
	if !ok {
		return core.ErrConfiguration(core.CodeInvalidConfig, fmt.Sprintf("crew %s has no manager step", crew.Name))
	}

	steps := append([]core.StepDef{manager}, crew.Specialists()...)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return core.ErrRetryableStep(core.CodePhaseCancelled,
				fmt.Sprintf("crew %s interrupted before step %s", crew.Name, step.Role))
		}
		if err := c.runStep(ctx, crew, step, input, tenant, state, log); err != nil {
			if step.Critical {
				return err
			}
			state.recordGap(step.Role, err)
		}
	}
	return nil
}

// executeGraph runs steps as soon as their dependencies settle.
// Independent steps run concurrently, bounded by MaxParallelSteps. A
// failed non-critical step still settles so its dependents proceed
// without its output; a failed critical step cancels the group.
func (c *Coordinator) executeGraph(ctx context.Context, crew *core.CrewDef, input core.StepInput, tenant core.TenantCtx, state *run, log *logging.Logger) error {
	settled := make(map[string]chan struct{}, len(crew.Steps))
	for _, step := range crew.Steps {
		settled[step.Role] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	// The parallelism bound applies to running steps only; a step waiting
	// for dependencies must not hold a slot or the graph can deadlock.
	sem := make(chan struct{}, c.opts.MaxParallelSteps)

	for _, step := range crew.Steps {
		step := step
		g.Go(func() error {
			defer close(settled[step.Role])

			for _, dep := range step.DependsOn {
				select {
				case <-settled[dep]:
				case <-gctx.Done():
					return core.ErrRetryableStep(core.CodePhaseCancelled,
						fmt.Sprintf("crew %s interrupted before step %s", crew.Name, step.Role))
				}
			}

			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return core.ErrRetryableStep(core.CodePhaseCancelled,
					fmt.Sprintf("crew %s interrupted before step %s", crew.Name, step.Role))
			}
			defer func() { <-sem }()

			if err := c.runStep(gctx, crew, step, input, tenant, state, log); err != nil {
				if step.Critical {
					return err
				}
				state.recordGap(step.Role, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// runStep leases the step's agent, invokes it under the step deadline,
// and appends produced insights. Insights are durably acknowledged
// before the step settles, so dependents can read them.
func (c *Coordinator) runStep(ctx context.Context, crew *core.CrewDef, step core.StepDef, input core.StepInput, tenant core.TenantCtx, state *run, log *logging.Logger) error {
	handle, err := c.pool.Checkout(ctx, tenant, step.Role)
	if err != nil {
		return err
	}
	defer handle.Release()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.opts.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepInput := input
	stepInput.Role = step.Role
	stepInput.Prompt = step.Prompt
	stepInput.PriorOutputs = state.snapshotOutputs()

	c.bus.Publish(events.NewStepStartedEvent(string(tenant.Session), string(tenant.Tenant), crew.Name, step.Role, string(step.Kind)))
	log.Debug("step started", "role", step.Role, "timeout", timeout.String())

	out, err := handle.Invoke(stepCtx, stepInput, tenant)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = core.ErrRetryableStep(core.CodeStepTimeout,
				fmt.Sprintf("step %s/%s exceeded its %s deadline", crew.Name, step.Role, timeout))
		}
		c.bus.Publish(events.NewStepFailedEvent(string(tenant.Session), string(tenant.Tenant), crew.Name, step.Role, step.Critical, err.Error()))
		log.Warn("step failed", "role", step.Role, "critical", step.Critical, "error", err)
		return err
	}

	ids, err := c.appendInsights(ctx, out.Insights, tenant)
	if err != nil {
		c.bus.Publish(events.NewStepFailedEvent(string(tenant.Session), string(tenant.Tenant), crew.Name, step.Role, step.Critical, err.Error()))
		return err
	}

	state.recordSuccess(step.Role, out, ids)
	c.bus.Publish(events.NewStepCompletedEvent(string(tenant.Session), string(tenant.Tenant), crew.Name, step.Role, out.Confidence, len(ids)))
	log.Debug("step completed", "role", step.Role, "confidence", out.Confidence, "insights", len(ids))
	return nil
}

// appendInsights persists each produced insight and returns the
// acknowledged ids in order.
func (c *Coordinator) appendInsights(ctx context.Context, insights []core.Insight, tenant core.TenantCtx) ([]core.InsightID, error) {
	ids := make([]core.InsightID, 0, len(insights))
	for _, in := range insights {
		in.ID = core.InsightID(uuid.NewString())
		in.Session = tenant.Session
		in.Tenant = tenant.Tenant
		if in.CreatedAt.IsZero() {
			in.CreatedAt = time.Now()
		}
		id, err := c.insights.Append(ctx, &in)
		if err != nil {
			return ids, fmt.Errorf("appending insight: %w", err)
		}
		ids = append(ids, id)
		c.bus.Publish(events.NewInsightAddedEvent(string(tenant.Session), string(tenant.Tenant), string(id), string(in.Phase), in.Category))
	}
	return ids, nil
}

// mergeOutputs flattens per-step outputs in declared completion order;
// later steps override earlier keys.
func mergeOutputs(state *run) map[string]interface{} {
	state.mu.Lock()
	defer state.mu.Unlock()

	merged := make(map[string]interface{})
	for _, role := range state.order {
		for k, v := range state.outputs[role] {
			merged[k] = v
		}
	}
	return merged
}
