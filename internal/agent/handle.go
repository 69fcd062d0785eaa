package agent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// MemoryTurn is one remembered exchange of a pooled agent instance.
type MemoryTurn struct {
	Phase      core.Phase
	Summary    string
	Confidence float64
	At         time.Time
}

// Handle is an exclusive lease on a pooled agent instance. It must be
// released exactly once; Release is idempotent.
type Handle struct {
	pool   *Pool
	key    poolKey
	entry  *entry
	window int
	once   sync.Once
}

// Role returns the role this instance serves.
func (h *Handle) Role() string { return h.key.role }

// Invoke runs one step on the leased instance and records the exchange
// in the instance memory window.
func (h *Handle) Invoke(ctx context.Context, input core.StepInput, tenant core.TenantCtx) (*core.StepOutput, error) {
	out, err := h.entry.invoker.Invoke(ctx, h.key.role, input, tenant)
	if err != nil {
		return nil, err
	}

	h.entry.mu.Lock()
	h.entry.memory = append(h.entry.memory, MemoryTurn{
		Phase:      input.Phase,
		Summary:    summarize(out.Output),
		Confidence: out.Confidence,
		At:         h.pool.clock.Now(),
	})
	if len(h.entry.memory) > h.window {
		h.entry.memory = h.entry.memory[len(h.entry.memory)-h.window:]
	}
	h.entry.lastUsed = h.pool.clock.Now()
	h.entry.mu.Unlock()

	return out, nil
}

// Memory returns a copy of the instance's conversation window. Memory
// survives release and re-checkout until the instance is evicted.
func (h *Handle) Memory() []MemoryTurn {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	turns := make([]MemoryTurn, len(h.entry.memory))
	copy(turns, h.entry.memory)
	return turns
}

// Release returns the instance to the pool.
func (h *Handle) Release() { h.pool.Release(h) }

// summarize reduces a step output to a short memory line: the sorted
// key set is enough context for later turns.
func summarize(output map[string]interface{}) string {
	if len(output) == 0 {
		return "(no output)"
	}
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "produced: " + strings.Join(keys, ", ")
}
