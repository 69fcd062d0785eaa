package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// ScriptedResponse is one canned answer, or a canned failure.
type ScriptedResponse struct {
	Output *core.StepOutput
	Err    error
}

// ScriptedFactory produces deterministic invokers for tests and dry
// runs. Responses are consumed per role in order; when a role's script
// is exhausted the default response is returned.
type ScriptedFactory struct {
	mu      sync.Mutex
	scripts map[string][]ScriptedResponse
	calls   map[string]int
	// Default is returned when no scripted response remains for a role.
	Default ScriptedResponse
}

// NewScriptedFactory creates a factory whose default answer is an empty
// successful output with full confidence.
func NewScriptedFactory() *ScriptedFactory {
	return &ScriptedFactory{
		scripts: make(map[string][]ScriptedResponse),
		calls:   make(map[string]int),
		Default: ScriptedResponse{
			Output: &core.StepOutput{Output: map[string]interface{}{}, Confidence: 1.0},
		},
	}
}

// Script appends canned responses for a role.
func (f *ScriptedFactory) Script(role string, responses ...ScriptedResponse) *ScriptedFactory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[role] = append(f.scripts[role], responses...)
	return f
}

// Calls reports how many times a role was invoked.
func (f *ScriptedFactory) Calls(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[role]
}

// NewInvoker implements core.InvokerFactory.
func (f *ScriptedFactory) NewInvoker(_ core.TenantCtx, _ string) (core.Invoker, error) {
	return &scriptedInvoker{factory: f}, nil
}

type scriptedInvoker struct {
	factory *ScriptedFactory
}

func (v *scriptedInvoker) Invoke(ctx context.Context, role string, input core.StepInput, tenant core.TenantCtx) (*core.StepOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.ErrRetryableStep(core.CodeStepTimeout,
			fmt.Sprintf("step %s/%s cancelled: %v", input.Phase, role, err))
	}

	f := v.factory
	f.mu.Lock()
	f.calls[role]++
	var resp ScriptedResponse
	if queue := f.scripts[role]; len(queue) > 0 {
		resp = queue[0]
		f.scripts[role] = queue[1:]
	} else {
		resp = f.Default
	}
	f.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}

	out := &core.StepOutput{
		Output:     resp.Output.Output,
		Confidence: resp.Output.Confidence,
	}
	for _, in := range resp.Output.Insights {
		in.Session = tenant.Session
		in.Tenant = tenant.Tenant
		in.Phase = input.Phase
		out.Insights = append(out.Insights, in)
	}
	return out, nil
}

var _ core.InvokerFactory = (*ScriptedFactory)(nil)
