package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
	"github.com/hugo-lorenzo-mato/datascout/internal/phase"
)

// PhaseRunner executes one phase. Satisfied by phase.Executor.
type PhaseRunner interface {
	RunPhase(ctx context.Context, session *core.FlowSession, def phase.Definition) (*core.PhaseResult, error)
}

// HaltReason explains why an Advance stopped without completing its
// phase. A retryable halt leaves the session resumable; a fatal one
// terminates it.
type HaltReason struct {
	Phase     core.Phase `json:"phase"`
	Class     string     `json:"class"` // retryable, fatal, paused
	Retryable bool       `json:"retryable"`
	Message   string     `json:"message"`
}

// Halt classes.
const (
	HaltClassRetryable = "retryable"
	HaltClassFatal     = "fatal"
	HaltClassPaused    = "paused"
)

// AdvanceOutcome is the result of one Advance call: the refreshed
// session, the phase result when a phase ran, and the halt reason when
// the phase did not complete.
type AdvanceOutcome struct {
	Session *core.FlowSession `json:"session"`
	Result  *core.PhaseResult `json:"result,omitempty"`
	Halt    *HaltReason       `json:"halt,omitempty"`
}

// Manager is the flow state machine. It is the sole mutator of the
// phase index; per-session mutexes serialize Advance calls while Pause,
// Resume, and Status stay concurrent.
type Manager struct {
	bridge   *Bridge
	executor PhaseRunner
	defs     map[core.Phase]phase.Definition
	bus      *events.Bus
	log      *logging.Logger

	mu      sync.Mutex
	locks   map[core.SessionID]*sync.Mutex
	cancels map[core.SessionID]context.CancelFunc
}

// NewManager wires a flow manager. Nil defs fall back to the built-in
// phase definitions.
func NewManager(bridge *Bridge, executor PhaseRunner, defs map[core.Phase]phase.Definition, bus *events.Bus, log *logging.Logger) *Manager {
	if defs == nil {
		defs = phase.DefaultDefinitions()
	}
	return &Manager{
		bridge:   bridge,
		executor: executor,
		defs:     defs,
		bus:      bus,
		log:      log,
		locks:    make(map[core.SessionID]*sync.Mutex),
		cancels:  make(map[core.SessionID]context.CancelFunc),
	}
}

func (m *Manager) sessionLock(id core.SessionID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Initialize creates a new session in status created. It rejects an
// empty phase selection and enforces one active session per
// (tenant, engagement).
func (m *Manager) Initialize(ctx context.Context, tenant core.TenantID, engagement core.EngagementID, preview string, phases []core.Phase) (*core.FlowSession, error) {
	if tenant == "" || engagement == "" {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig, "initialize requires tenant and engagement")
	}
	if len(phases) == 0 {
		return nil, core.ErrConfiguration(core.CodeNoPhases, "no phases enabled for this flow")
	}
	for _, p := range phases {
		if !core.ValidPhase(p) {
			return nil, core.ErrConfiguration(core.CodeInvalidConfig, fmt.Sprintf("unknown phase %q", p))
		}
		if _, ok := m.defs[p]; !ok {
			return nil, core.ErrConfiguration(core.CodeInvalidConfig, fmt.Sprintf("phase %q has no definition", p))
		}
	}

	active, err := m.bridge.lifecycle.ActiveSession(ctx, tenant, engagement)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, core.ErrState(core.CodeSessionActive,
			fmt.Sprintf("engagement %s already has active session %s", engagement, active.ID))
	}

	session := core.NewFlowSession(core.SessionID(uuid.NewString()), tenant, engagement, phases, preview)
	if err := m.bridge.lifecycle.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	phaseNames := make([]string, len(phases))
	for i, p := range phases {
		phaseNames[i] = string(p)
	}
	m.bus.Publish(events.NewSessionCreatedEvent(string(session.ID), string(tenant), string(engagement), phaseNames))
	m.log.WithSession(string(session.ID)).WithTenant(string(tenant)).Info("session created", "phases", phaseNames)
	return session, nil
}

// Advance runs the session's current phase and, on completion, moves the
// index forward. A retryable halt leaves status and index untouched; a
// fatal halt fails the session; completing the last phase completes it.
// Advancing a terminal session returns SessionTerminatedError.
func (m *Manager) Advance(ctx context.Context, id core.SessionID) (*AdvanceOutcome, error) {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := m.bridge.Load(ctx, id)
	if err != nil {
		if core.IsCategory(err, core.ErrCatConflict) {
			if _, recErr := m.bridge.Reconcile(ctx, id); recErr != nil {
				return nil, fmt.Errorf("reconciling diverged session: %w", recErr)
			}
		}
		return nil, err
	}
	session := snapshot.Session

	switch session.Status {
	case core.SessionStatusCompleted, core.SessionStatusFailed:
		return nil, core.ErrSessionTerminated(id)
	case core.SessionStatusPaused:
		return nil, core.ErrState(core.CodeInvalidState,
			fmt.Sprintf("session %s is paused; resume it before advancing", id))
	case core.SessionStatusCreated:
		if err := session.Start(); err != nil {
			return nil, err
		}
		if err := m.bridge.lifecycle.SaveSession(ctx, session); err != nil {
			return nil, err
		}
	}

	// A lifecycle write lost to a concurrent writer can leave the index
	// behind phases the operational record already substantiates. Skip
	// those instead of running them a second time.
	for {
		cur, ok := session.ActivePhase()
		if !ok {
			break
		}
		if r, done := snapshot.Results[cur]; !done || !r.Completed {
			break
		}
		m.log.WithSession(string(id)).WithPhase(string(cur)).Info("skipping phase with persisted result")
		if err := session.AdvancePhase(); err != nil {
			return nil, err
		}
	}

	current, ok := session.ActivePhase()
	if !ok {
		// All phases already ran; close the lifecycle out.
		if err := session.Complete(); err != nil {
			return nil, err
		}
		if err := m.bridge.lifecycle.SaveSession(ctx, session); err != nil {
			return nil, err
		}
		m.bus.PublishPriority(events.NewSessionCompletedEvent(string(session.ID), string(session.Tenant), len(session.Phases)))
		return &AdvanceOutcome{Session: session}, nil
	}

	def, ok := m.defs[current]
	if !ok {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig, fmt.Sprintf("phase %q has no definition", current))
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	m.registerCancel(id, cancel)
	result, runErr := m.executor.RunPhase(phaseCtx, session, def)
	m.unregisterCancel(id)
	cancel()

	if runErr != nil {
		if result != nil {
			// The operational record keeps every attempt, completed or not;
			// insights appended by finished steps stay durable.
			if err := m.bridge.operational.SavePhaseResult(ctx, result); err != nil {
				return nil, fmt.Errorf("persisting phase result: %w", err)
			}
		}
		return m.halt(ctx, session, current, runErr)
	}

	if err := session.AdvancePhase(); err != nil {
		return nil, err
	}
	if _, more := session.ActivePhase(); !more {
		if err := session.Complete(); err != nil {
			return nil, err
		}
	}
	if err := m.bridge.CommitPhase(ctx, session, result); err != nil {
		if !core.IsCategory(err, core.ErrCatConflict) {
			return nil, err
		}
		// A concurrent lifecycle write (a pause, typically) bumped the
		// version under us. The phase result is already durable, so the
		// index bump must not be dropped: re-apply it on a fresh copy,
		// keeping whatever status the other writer set.
		fresh, loadErr := m.bridge.lifecycle.LoadSession(ctx, session.ID)
		if loadErr != nil {
			return nil, fmt.Errorf("reloading after version conflict: %w", loadErr)
		}
		fresh.CurrentPhase = session.CurrentPhase
		if _, more := fresh.ActivePhase(); !more && fresh.Status == core.SessionStatusRunning {
			if err := fresh.Complete(); err != nil {
				return nil, err
			}
		}
		if err := m.bridge.lifecycle.SaveSession(ctx, fresh); err != nil {
			return nil, fmt.Errorf("persisting phase advance after conflict: %w", err)
		}
		session = fresh
	}

	if session.Status == core.SessionStatusCompleted {
		m.bus.PublishPriority(events.NewSessionCompletedEvent(string(session.ID), string(session.Tenant), len(session.Phases)))
		m.log.WithSession(string(session.ID)).Info("session completed", "phases", len(session.Phases))
	}
	return &AdvanceOutcome{Session: session, Result: result}, nil
}

// halt handles a phase that did not complete. The phase result has
// already been persisted.
func (m *Manager) halt(ctx context.Context, session *core.FlowSession, current core.Phase, runErr error) (*AdvanceOutcome, error) {
	log := m.log.WithSession(string(session.ID)).WithPhase(string(current))

	// A pause during execution surfaces as a cancelled phase; the store
	// already holds the paused status.
	if fresh, err := m.bridge.lifecycle.LoadSession(ctx, session.ID); err == nil && fresh.Status == core.SessionStatusPaused {
		log.Info("phase interrupted by pause")
		return &AdvanceOutcome{
			Session: fresh,
			Halt: &HaltReason{
				Phase:     current,
				Class:     HaltClassPaused,
				Retryable: true,
				Message:   "session paused during phase execution",
			},
		}, nil
	}

	if core.IsRetryable(runErr) {
		return &AdvanceOutcome{
			Session: session,
			Halt: &HaltReason{
				Phase:     current,
				Class:     HaltClassRetryable,
				Retryable: true,
				Message:   runErr.Error(),
			},
		}, nil
	}

	session.Fail(current, HaltClassFatal, runErr)
	if err := m.bridge.lifecycle.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	m.bus.PublishPriority(events.NewSessionFailedEvent(string(session.ID), string(session.Tenant), string(current), HaltClassFatal, runErr.Error()))
	log.Error("session failed", "error", runErr)

	return &AdvanceOutcome{
		Session: session,
		Halt: &HaltReason{
			Phase:     current,
			Class:     HaltClassFatal,
			Retryable: false,
			Message:   runErr.Error(),
		},
	}, nil
}

// Pause moves a running session to paused and cancels its in-flight
// phase, if one is executing. Completed step insights stay durable.
func (m *Manager) Pause(ctx context.Context, id core.SessionID) (*core.FlowSession, error) {
	session, err := m.bridge.lifecycle.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, core.ErrSessionTerminated(id)
	}
	if err := session.Pause(); err != nil {
		return nil, err
	}
	if err := m.bridge.lifecycle.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.cancelInFlight(id)

	current, _ := session.ActivePhase()
	m.bus.Publish(events.NewSessionPausedEvent(string(session.ID), string(session.Tenant), string(current)))
	m.log.WithSession(string(id)).Info("session paused", "phase", string(current))
	return session, nil
}

// Resume moves a paused session back to running. It does not advance;
// the caller issues Advance to continue work.
func (m *Manager) Resume(ctx context.Context, id core.SessionID) (*core.FlowSession, error) {
	session, err := m.bridge.lifecycle.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, core.ErrSessionTerminated(id)
	}
	if err := session.Resume(); err != nil {
		return nil, err
	}
	if err := m.bridge.lifecycle.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	current, _ := session.ActivePhase()
	m.bus.Publish(events.NewSessionResumedEvent(string(session.ID), string(session.Tenant), string(current)))
	m.log.WithSession(string(id)).Info("session resumed", "phase", string(current))
	return session, nil
}

// Status returns the combined snapshot. Safe concurrently with Advance.
// A diverged snapshot is still returned alongside the conflict error.
func (m *Manager) Status(ctx context.Context, id core.SessionID) (*core.SessionSnapshot, error) {
	return m.bridge.Load(ctx, id)
}

// List returns the sessions visible to a tenant.
func (m *Manager) List(ctx context.Context, tenant core.TenantID) ([]*core.FlowSession, error) {
	return m.bridge.lifecycle.ListSessions(ctx, tenant)
}

// Archive soft-archives terminal sessions, returning how many were
// archived. Archived sessions drop out of listings but stay loadable.
func (m *Manager) Archive(ctx context.Context) (int, error) {
	n, err := m.bridge.Archive(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("archived terminal sessions", "count", n)
	}
	return n, nil
}

func (m *Manager) registerCancel(id core.SessionID, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[id] = cancel
}

func (m *Manager) unregisterCancel(id core.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)
}

func (m *Manager) cancelInFlight(id core.SessionID) {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
