package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
	"github.com/hugo-lorenzo-mato/datascout/internal/phase"
	"github.com/hugo-lorenzo-mato/datascout/internal/testutil"
)

// fakeRunner serves canned phase outcomes in order per phase.
type fakeRunner struct {
	mu      sync.Mutex
	outcome map[core.Phase][]error
	calls   map[core.Phase]int
	// block, when set, makes RunPhase wait for ctx cancellation.
	block   bool
	started chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcome: make(map[core.Phase][]error),
		calls:   make(map[core.Phase]int),
	}
}

func (f *fakeRunner) fail(p core.Phase, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome[p] = append(f.outcome[p], errs...)
}

func (f *fakeRunner) RunPhase(ctx context.Context, session *core.FlowSession, def phase.Definition) (*core.PhaseResult, error) {
	f.mu.Lock()
	f.calls[def.Phase]++
	var err error
	if queue := f.outcome[def.Phase]; len(queue) > 0 {
		err = queue[0]
		f.outcome[def.Phase] = queue[1:]
	}
	block := f.block
	started := f.started
	f.mu.Unlock()

	if block {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return &core.PhaseResult{Session: session.ID, Phase: def.Phase, Completed: false},
			core.ErrRetryableStep(core.CodePhaseCancelled, "phase cancelled")
	}

	result := &core.PhaseResult{
		Session:   session.ID,
		Phase:     def.Phase,
		Completed: err == nil,
		Output:    map[string]interface{}{"tables_mapped": float64(1)},
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

func newTestManager(store *testutil.MemoryStore, runner PhaseRunner) *Manager {
	bridge := NewBridge(store, store, logging.NewNop())
	return NewManager(bridge, runner, nil, events.New(64), logging.NewNop())
}

func initSession(t *testing.T, m *Manager, phases []core.Phase) *core.FlowSession {
	t.Helper()
	session, err := m.Initialize(context.Background(), "tenant-a", "eng-1", "preview", phases)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return session
}

func TestManager_InitializeValidation(t *testing.T) {
	m := newTestManager(testutil.NewMemoryStore(), newFakeRunner())
	ctx := context.Background()

	if _, err := m.Initialize(ctx, "tenant-a", "eng-1", "", nil); !core.IsCategory(err, core.ErrCatConfiguration) {
		t.Errorf("Initialize(no phases) error = %v, want configuration", err)
	}
	if _, err := m.Initialize(ctx, "", "eng-1", "", []core.Phase{core.PhaseMap}); !core.IsCategory(err, core.ErrCatConfiguration) {
		t.Errorf("Initialize(no tenant) error = %v, want configuration", err)
	}
	if _, err := m.Initialize(ctx, "tenant-a", "eng-1", "", []core.Phase{"bogus"}); !core.IsCategory(err, core.ErrCatConfiguration) {
		t.Errorf("Initialize(bad phase) error = %v, want configuration", err)
	}
}

func TestManager_SingleActiveSessionPerEngagement(t *testing.T) {
	m := newTestManager(testutil.NewMemoryStore(), newFakeRunner())
	ctx := context.Background()

	initSession(t, m, []core.Phase{core.PhaseMap})
	_, err := m.Initialize(ctx, "tenant-a", "eng-1", "", []core.Phase{core.PhaseMap})
	if !core.IsCategory(err, core.ErrCatState) {
		t.Errorf("second Initialize() error = %v, want state category", err)
	}

	// A different engagement is unaffected.
	if _, err := m.Initialize(ctx, "tenant-a", "eng-2", "", []core.Phase{core.PhaseMap}); err != nil {
		t.Errorf("Initialize(eng-2) error = %v", err)
	}
}

func TestManager_AdvanceThroughToCompletion(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(testutil.NewMemoryStore(), runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})

	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("first Advance() error = %v", err)
	}
	if out.Halt != nil {
		t.Fatalf("first Advance() halted: %+v", out.Halt)
	}
	if out.Session.CurrentPhase != 1 || out.Session.Status != core.SessionStatusRunning {
		t.Errorf("after first advance: index %d status %s", out.Session.CurrentPhase, out.Session.Status)
	}

	out, err = m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("second Advance() error = %v", err)
	}
	if out.Session.Status != core.SessionStatusCompleted {
		t.Errorf("Status = %v, want completed", out.Session.Status)
	}
	if out.Session.CurrentPhase != 2 {
		t.Errorf("CurrentPhase = %d, want 2", out.Session.CurrentPhase)
	}

	_, err = m.Advance(ctx, session.ID)
	if !core.IsCategory(err, core.ErrCatTerminated) {
		t.Errorf("Advance() after completion error = %v, want terminated", err)
	}
}

func TestManager_RetryableHaltKeepsIndexThenSucceeds(t *testing.T) {
	runner := newFakeRunner()
	runner.fail(core.PhaseMap, core.ErrRetryableStep(core.CodeStepTimeout, "profiler timed out"))
	m := newTestManager(testutil.NewMemoryStore(), runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap})

	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if out.Halt == nil || !out.Halt.Retryable {
		t.Fatalf("Halt = %+v, want retryable halt", out.Halt)
	}
	if out.Session.Status != core.SessionStatusRunning || out.Session.CurrentPhase != 0 {
		t.Errorf("after halt: status %s index %d", out.Session.Status, out.Session.CurrentPhase)
	}

	out, err = m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("retry Advance() error = %v", err)
	}
	if out.Halt != nil {
		t.Fatalf("retry halted: %+v", out.Halt)
	}
	if out.Session.Status != core.SessionStatusCompleted {
		t.Errorf("Status = %v, want completed", out.Session.Status)
	}
	if runner.calls[core.PhaseMap] != 2 {
		t.Errorf("map phase ran %d times, want 2", runner.calls[core.PhaseMap])
	}
}

func TestManager_FatalHaltTerminatesSession(t *testing.T) {
	runner := newFakeRunner()
	runner.fail(core.PhaseMap, core.ErrFatalPhase(core.CodeSchemaMismatch, "contract violated"))
	store := testutil.NewMemoryStore()
	m := newTestManager(store, runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})

	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if out.Halt == nil || out.Halt.Retryable {
		t.Fatalf("Halt = %+v, want fatal halt", out.Halt)
	}
	if out.Session.Status != core.SessionStatusFailed {
		t.Errorf("Status = %v, want failed", out.Session.Status)
	}
	if out.Session.FailedPhase != core.PhaseMap {
		t.Errorf("FailedPhase = %v", out.Session.FailedPhase)
	}

	_, err = m.Advance(ctx, session.ID)
	if !core.IsCategory(err, core.ErrCatTerminated) {
		t.Errorf("Advance() after failure error = %v, want terminated", err)
	}

	// The failed attempt stays in the operational record.
	results, loadErr := store.LoadPhaseResults(ctx, session.ID)
	if loadErr != nil {
		t.Fatalf("LoadPhaseResults() error = %v", loadErr)
	}
	if r, ok := results[core.PhaseMap]; !ok || r.Completed {
		t.Errorf("failed phase result = %+v, %v", r, ok)
	}
}

func TestManager_PauseBlocksAdvanceUntilResume(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(testutil.NewMemoryStore(), runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})

	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if _, err := m.Pause(ctx, session.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	_, err := m.Advance(ctx, session.ID)
	if !core.IsCategory(err, core.ErrCatState) {
		t.Errorf("Advance() while paused error = %v, want state category", err)
	}

	if _, err := m.Resume(ctx, session.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("Advance() after resume error = %v", err)
	}
	if out.Session.Status != core.SessionStatusCompleted {
		t.Errorf("Status = %v, want completed", out.Session.Status)
	}
}

func TestManager_PauseCancelsInFlightPhase(t *testing.T) {
	runner := newFakeRunner()
	runner.block = true
	runner.started = make(chan struct{}, 1)
	store := testutil.NewMemoryStore()
	m := newTestManager(store, runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap})

	type advanceResult struct {
		out *AdvanceOutcome
		err error
	}
	done := make(chan advanceResult, 1)
	go func() {
		out, err := m.Advance(ctx, session.ID)
		done <- advanceResult{out, err}
	}()

	<-runner.started
	if _, err := m.Pause(ctx, session.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Advance() error = %v", res.err)
		}
		if res.out.Halt == nil || res.out.Halt.Class != HaltClassPaused {
			t.Fatalf("Halt = %+v, want paused halt", res.out.Halt)
		}
		if res.out.Session.Status != core.SessionStatusPaused {
			t.Errorf("Status = %v, want paused", res.out.Session.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Advance() did not return after pause cancelled the phase")
	}

	// The interrupted attempt was still recorded operationally.
	results, err := store.LoadPhaseResults(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadPhaseResults() error = %v", err)
	}
	if r, ok := results[core.PhaseMap]; !ok || r.Completed {
		t.Errorf("interrupted phase result = %+v, %v", r, ok)
	}
}

func TestManager_ResumeDoesNotAdvance(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(testutil.NewMemoryStore(), runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap})
	if _, err := m.Pause(ctx, session.ID); err == nil {
		// created sessions cannot pause; start it first
		t.Fatal("Pause() on created session succeeded")
	}

	// Run to running state via a retryable halt, then pause/resume.
	runner.fail(core.PhaseMap, core.ErrRetryableStep(core.CodeStepTimeout, "slow"))
	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if _, err := m.Pause(ctx, session.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	resumed, err := m.Resume(ctx, session.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.CurrentPhase != 0 {
		t.Errorf("Resume advanced the index to %d", resumed.CurrentPhase)
	}
	if runner.calls[core.PhaseMap] != 1 {
		t.Errorf("Resume triggered execution: %d calls", runner.calls[core.PhaseMap])
	}
}

func TestManager_AdvanceReconcilesDivergedRecords(t *testing.T) {
	runner := newFakeRunner()
	store := testutil.NewMemoryStore()
	m := newTestManager(store, runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})

	// Corrupt the lifecycle record so it claims work the operational
	// record cannot substantiate.
	stored, err := store.LoadSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if err := stored.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stored.CurrentPhase = 2
	if err := store.SaveSession(ctx, stored); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	_, err = m.Advance(ctx, session.ID)
	if !core.IsCategory(err, core.ErrCatConflict) {
		t.Fatalf("Advance() on diverged records error = %v, want conflict", err)
	}

	// The reconciliation pass repaired the index; the next Advance runs
	// the substantiated phase.
	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("Advance() after reconcile error = %v", err)
	}
	if out.Result == nil || out.Result.Phase != core.PhaseMap {
		t.Errorf("advanced phase = %+v, want map", out.Result)
	}
}

func TestManager_AdvanceRetriesIndexBumpOnVersionConflict(t *testing.T) {
	runner := newFakeRunner()
	store := testutil.NewMemoryStore()
	m := newTestManager(store, runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})
	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("first Advance() error = %v", err)
	}

	// A concurrent lifecycle writer bumps the version between phase
	// completion and the index save. The bump must survive the conflict.
	store.SaveSessionErr = core.ErrConflict(core.CodeVersionConflict, "stale session version")
	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("Advance() with conflicting save error = %v", err)
	}
	if out.Session.CurrentPhase != 2 || out.Session.Status != core.SessionStatusCompleted {
		t.Errorf("after conflict retry: index %d status %s, want 2 completed",
			out.Session.CurrentPhase, out.Session.Status)
	}

	if _, err := m.Advance(ctx, session.ID); !core.IsCategory(err, core.ErrCatTerminated) {
		t.Errorf("Advance() after completion error = %v, want terminated", err)
	}
	if runner.calls[core.PhaseMap] != 1 || runner.calls[core.PhaseCleanse] != 1 {
		t.Errorf("phase executions map=%d cleanse=%d, want 1 each",
			runner.calls[core.PhaseMap], runner.calls[core.PhaseCleanse])
	}
}

func TestManager_AdvanceSkipsPhaseWithPersistedResult(t *testing.T) {
	runner := newFakeRunner()
	store := testutil.NewMemoryStore()
	m := newTestManager(store, runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})
	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	// Rewind the lifecycle index behind the operational record, the state
	// a lost concurrent write leaves behind. The completed phase must not
	// run again.
	stored, err := store.LoadSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	stored.CurrentPhase = 0
	if err := store.SaveSession(ctx, stored); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	out, err := m.Advance(ctx, session.ID)
	if err != nil {
		t.Fatalf("Advance() after rewind error = %v", err)
	}
	if out.Result == nil || out.Result.Phase != core.PhaseCleanse {
		t.Errorf("advanced phase = %+v, want cleanse", out.Result)
	}
	if out.Session.Status != core.SessionStatusCompleted {
		t.Errorf("Status = %v, want completed", out.Session.Status)
	}
	if runner.calls[core.PhaseMap] != 1 {
		t.Errorf("map phase ran %d times, want 1", runner.calls[core.PhaseMap])
	}
}

func TestManager_StatusSnapshot(t *testing.T) {
	runner := newFakeRunner()
	m := newTestManager(testutil.NewMemoryStore(), runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap, core.PhaseCleanse})
	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	snapshot, err := m.Status(ctx, session.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snapshot.Session.CurrentPhase != 1 {
		t.Errorf("CurrentPhase = %d, want 1", snapshot.Session.CurrentPhase)
	}
	completed := snapshot.CompletedPhases()
	if len(completed) != 1 || completed[0] != core.PhaseMap {
		t.Errorf("CompletedPhases() = %v", completed)
	}
}

func TestManager_TerminalEventsUsePriorityChannel(t *testing.T) {
	runner := newFakeRunner()
	store := testutil.NewMemoryStore()
	bus := events.New(4)
	defer bus.Close()
	m := NewManager(NewBridge(store, store, logging.NewNop()), runner, nil, bus, logging.NewNop())
	ctx := context.Background()

	priority := bus.SubscribePriority()

	session := initSession(t, m, []core.Phase{core.PhaseMap})
	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	select {
	case ev := <-priority:
		if ev.EventType() != events.TypeSessionCompleted {
			t.Errorf("priority event = %s, want %s", ev.EventType(), events.TypeSessionCompleted)
		}
		if ev.SessionID() != string(session.ID) {
			t.Errorf("priority event session = %s, want %s", ev.SessionID(), session.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("session completion never reached the priority channel")
	}
}

func TestManager_ArchiveTerminalSessions(t *testing.T) {
	runner := newFakeRunner()
	store := testutil.NewMemoryStore()
	m := newTestManager(store, runner)
	ctx := context.Background()

	session := initSession(t, m, []core.Phase{core.PhaseMap})
	if _, err := m.Advance(ctx, session.ID); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	count, err := m.Archive(ctx)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Archive() = %d, want 1", count)
	}

	listed, err := m.List(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("List() after archive = %d sessions, want 0", len(listed))
	}
}
