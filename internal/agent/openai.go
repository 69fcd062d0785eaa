package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// OpenAIOptions configures the production invoker.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAIFactory builds chat-completion invokers, one per pooled agent
// instance.
type OpenAIFactory struct {
	client openai.Client
	opts   OpenAIOptions
}

// NewOpenAIFactory creates a factory sharing one API client across
// instances.
func NewOpenAIFactory(opts OpenAIOptions) (*OpenAIFactory, error) {
	if opts.APIKey == "" {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig, "agents.provider is openai but no API key is set")
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIFactory{client: openai.NewClient(clientOpts...), opts: opts}, nil
}

// NewInvoker implements core.InvokerFactory.
func (f *OpenAIFactory) NewInvoker(_ core.TenantCtx, role string) (core.Invoker, error) {
	return &openAIInvoker{
		client: f.client,
		opts:   f.opts,
		system: systemPrompt(role),
	}, nil
}

type openAIInvoker struct {
	client openai.Client
	opts   OpenAIOptions
	system string
}

// stepWire is the JSON contract the model must answer with.
type stepWire struct {
	Output     map[string]interface{} `json:"output"`
	Confidence float64                `json:"confidence"`
	Insights   []insightWire          `json:"insights,omitempty"`
}

type insightWire struct {
	Category   string                 `json:"category"`
	Payload    map[string]interface{} `json:"payload"`
	Confidence float64                `json:"confidence"`
}

// Invoke implements core.Invoker against the chat-completions API.
func (v *openAIInvoker) Invoke(ctx context.Context, role string, input core.StepInput, tenant core.TenantCtx) (*core.StepOutput, error) {
	userPayload, err := json.Marshal(map[string]interface{}{
		"phase":         input.Phase,
		"role":          role,
		"input_preview": input.InputPreview,
		"prior_outputs": input.PriorOutputs,
		"insights":      projectInsights(input.Insights),
		"instructions":  input.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling step input: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(v.opts.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(v.system),
			openai.UserMessage(string(userPayload)),
		},
	}
	if v.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(v.opts.MaxTokens))
	}
	if v.opts.Temperature > 0 {
		params.Temperature = openai.Float(v.opts.Temperature)
	}

	completion, err := v.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, core.ErrRetryableStep(core.CodeStepTimeout,
				fmt.Sprintf("step %s/%s timed out", input.Phase, role))
		}
		return nil, core.ErrRetryableStep(core.CodeStepFailed,
			fmt.Sprintf("step %s/%s failed: %v", input.Phase, role, err))
	}
	if len(completion.Choices) == 0 {
		return nil, core.ErrRetryableStep(core.CodeStepFailed,
			fmt.Sprintf("step %s/%s returned no choices", input.Phase, role))
	}

	var wire stepWire
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &wire); err != nil {
		return nil, core.ErrFatalPhase(core.CodeSchemaMismatch,
			fmt.Sprintf("step %s/%s answer does not match the output contract: %v", input.Phase, role, err))
	}

	out := &core.StepOutput{
		Output:     wire.Output,
		Confidence: wire.Confidence,
	}
	now := time.Now()
	for _, in := range wire.Insights {
		out.Insights = append(out.Insights, core.Insight{
			Session:    tenant.Session,
			Tenant:     tenant.Tenant,
			Phase:      input.Phase,
			Category:   in.Category,
			Payload:    in.Payload,
			Confidence: in.Confidence,
			CreatedAt:  now,
		})
	}
	return out, nil
}

// projectInsights trims stored insights to what a step needs to see.
func projectInsights(insights []core.Insight) []map[string]interface{} {
	projected := make([]map[string]interface{}, 0, len(insights))
	for _, in := range insights {
		projected = append(projected, map[string]interface{}{
			"phase":      in.Phase,
			"category":   in.Category,
			"payload":    in.Payload,
			"confidence": in.Confidence,
		})
	}
	return projected
}

var rolePrompts = map[string]string{
	"manager": "You are the discovery crew manager. Decompose the phase goal, reconcile specialist findings, and produce the phase output.",
	"profiler": "You are a data profiling specialist. Inventory sources, tables, and columns; report row counts, types, and null ratios.",
	"cleanser": "You are a data quality specialist. Detect duplicates, invalid values, and normalization problems in the mapped inventory.",
	"classifier": "You are a data classification specialist. Tag columns with semantic and sensitivity categories.",
	"linker": "You are a dependency analyst. Derive joins, lineage, and foreign-key relationships between mapped entities.",
	"assessor": "You are a risk assessor. Score exposure and compliance risk for classified data.",
}

func systemPrompt(role string) string {
	prompt, ok := rolePrompts[role]
	if !ok {
		prompt = fmt.Sprintf("You are the %q specialist on a data discovery crew.", role)
	}
	return prompt + " Answer with a single JSON object: " +
		`{"output": {...}, "confidence": 0.0-1.0, "insights": [{"category": "...", "payload": {...}, "confidence": 0.0-1.0}]}. ` +
		"No prose outside the JSON."
}

var _ core.InvokerFactory = (*OpenAIFactory)(nil)
