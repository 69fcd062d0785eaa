package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

// poolKey identifies one agent instance. Instances are never shared
// across tenants or engagements.
type poolKey struct {
	tenant     core.TenantID
	engagement core.EngagementID
	role       string
}

func (k poolKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.tenant, k.engagement, k.role)
}

// entry is one pooled agent instance. The token channel holds one slot:
// draining it checks the instance out, refilling it releases.
type entry struct {
	invoker  core.Invoker
	token    chan struct{}
	mu       sync.Mutex
	lastUsed time.Time
	memory   []MemoryTurn
}

// PoolOptions configures checkout contention and idle eviction.
type PoolOptions struct {
	// WaitForBusy makes contended checkouts block until release instead
	// of failing immediately with a busy error.
	WaitForBusy bool
	// WaitTimeout bounds a blocking checkout. Zero means wait only on ctx.
	WaitTimeout time.Duration
	// IdleThreshold is the idle age after which the sweep evicts an
	// instance and its accumulated memory.
	IdleThreshold time.Duration
	// SweepInterval is how often Run scans for idle instances.
	SweepInterval time.Duration
	// MemoryWindow bounds the conversation turns an instance retains
	// across checkouts. Zero keeps the default.
	MemoryWindow int
}

// DefaultPoolOptions returns the production defaults.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		WaitForBusy:   false,
		WaitTimeout:   30 * time.Second,
		IdleThreshold: 15 * time.Minute,
		SweepInterval: time.Minute,
		MemoryWindow:  20,
	}
}

// Pool manages tenant-scoped agent instances keyed by
// (tenant, engagement, role). Instances are created lazily on first
// checkout and retain conversation memory between checkouts until
// evicted.
type Pool struct {
	factory core.InvokerFactory
	opts    PoolOptions
	clock   core.Clock
	log     *logging.Logger

	mu      sync.Mutex
	entries map[poolKey]*entry
}

// NewPool creates a pool backed by the given invoker factory.
func NewPool(factory core.InvokerFactory, opts PoolOptions, log *logging.Logger) *Pool {
	if opts.MemoryWindow <= 0 {
		opts.MemoryWindow = DefaultPoolOptions().MemoryWindow
	}
	return &Pool{
		factory: factory,
		opts:    opts,
		clock:   core.SystemClock{},
		log:     log,
		entries: make(map[poolKey]*entry),
	}
}

// WithClock swaps the pool clock. Test hook.
func (p *Pool) WithClock(clock core.Clock) *Pool {
	p.clock = clock
	return p
}

// Checkout reserves the agent instance for the key, creating it on first
// use. A contended key blocks until release when WaitForBusy is set,
// bounded by WaitTimeout and ctx; otherwise it fails with a busy error.
func (p *Pool) Checkout(ctx context.Context, tenant core.TenantCtx, role string) (*Handle, error) {
	if tenant.Tenant == "" || tenant.Engagement == "" {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig, "checkout requires tenant and engagement")
	}

	key := poolKey{tenant: tenant.Tenant, engagement: tenant.Engagement, role: role}

	for {
		e, err := p.entryFor(tenant, key, role)
		if err != nil {
			return nil, err
		}

		select {
		case <-e.token:
			return p.handleFor(key, e), nil
		default:
		}

		if !p.opts.WaitForBusy {
			return nil, core.ErrPoolBusy(tenant.Tenant, role)
		}

		got, err := p.waitToken(ctx, e)
		if err != nil {
			return nil, err
		}
		if got {
			return p.handleFor(key, e), nil
		}

		// The wait timed out. If the sweep evicted the instance mid-wait
		// its token is gone for good; retry against a fresh entry rather
		// than reporting busy for an agent that no longer exists.
		p.mu.Lock()
		replaced := p.entries[key] != e
		p.mu.Unlock()
		if !replaced {
			return nil, core.ErrPoolBusy(tenant.Tenant, role)
		}
	}
}

// entryFor returns the live entry for key, constructing it on first use.
func (p *Pool) entryFor(tenant core.TenantCtx, key poolKey, role string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		invoker, err := p.factory.NewInvoker(tenant, role)
		if err != nil {
			return nil, fmt.Errorf("constructing invoker for %s: %w", key, err)
		}
		e = &entry{invoker: invoker, token: make(chan struct{}, 1), lastUsed: p.clock.Now()}
		e.token <- struct{}{}
		p.entries[key] = e
	}
	return e, nil
}

// waitToken blocks for the entry's token, bounded by WaitTimeout and ctx.
// Returns false on timeout; ctx cancellation is the only error.
func (p *Pool) waitToken(ctx context.Context, e *entry) (bool, error) {
	waitCtx := ctx
	if p.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.opts.WaitTimeout)
		defer cancel()
	}

	select {
	case <-e.token:
		return true, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
}

func (p *Pool) handleFor(key poolKey, e *entry) *Handle {
	e.mu.Lock()
	e.lastUsed = p.clock.Now()
	e.mu.Unlock()
	return &Handle{pool: p, key: key, entry: e, window: p.opts.MemoryWindow}
}

// Release returns the instance to the pool and stamps its last-used
// time. Releasing twice is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.entry == nil {
		return
	}
	h.once.Do(func() {
		h.entry.mu.Lock()
		h.entry.lastUsed = p.clock.Now()
		h.entry.mu.Unlock()

		select {
		case h.entry.token <- struct{}{}:
		default:
		}
	})
}

// EvictIdle removes instances idle longer than threshold, dropping their
// memory. Checked-out instances are never evicted.
func (p *Pool) EvictIdle(threshold time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	evicted := 0
	for key, e := range p.entries {
		select {
		case <-e.token:
		default:
			continue // checked out
		}

		e.mu.Lock()
		idle := now.Sub(e.lastUsed)
		e.mu.Unlock()

		if idle >= threshold {
			delete(p.entries, key)
			evicted++
			if p.log != nil {
				p.log.Debug("evicted idle agent", "key", key.String(), "idle", idle.String())
			}
		} else {
			e.token <- struct{}{}
		}
	}
	return evicted
}

// TeardownTenant drops every idle instance belonging to a tenant and
// returns how many were removed. Checked-out instances are left for the
// sweep to collect after release.
func (p *Pool) TeardownTenant(tenant core.TenantID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, e := range p.entries {
		if key.tenant != tenant {
			continue
		}
		select {
		case <-e.token:
			delete(p.entries, key)
			removed++
		default:
		}
	}
	return removed
}

// Run sweeps for idle instances until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	interval := p.opts.SweepInterval
	if interval <= 0 {
		interval = DefaultPoolOptions().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.EvictIdle(p.opts.IdleThreshold); n > 0 && p.log != nil {
				p.log.Debug("idle sweep", "evicted", n)
			}
		}
	}
}

// Size returns the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
