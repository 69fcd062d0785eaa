// Package flow owns the session lifecycle: initialization, phase
// advancement, pause/resume, and the bridge keeping the lifecycle and
// operational records consistent.
package flow

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
)

// Bridge sequences writes across the lifecycle and operational stores
// and cross-checks them on read. The operational record is the source of
// truth for completed work: a lifecycle index claiming phases the
// operational record cannot substantiate is a divergence.
type Bridge struct {
	lifecycle   core.LifecycleStore
	operational core.OperationalStore
	log         *logging.Logger
}

// NewBridge wires a bridge over the two stores.
func NewBridge(lifecycle core.LifecycleStore, operational core.OperationalStore, log *logging.Logger) *Bridge {
	return &Bridge{lifecycle: lifecycle, operational: operational, log: log}
}

// Load returns the combined snapshot for a session. When the lifecycle
// index runs ahead of the operational record it returns the snapshot
// alongside a conflict error; callers reconcile and retry.
func (b *Bridge) Load(ctx context.Context, id core.SessionID) (*core.SessionSnapshot, error) {
	session, err := b.lifecycle.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := b.operational.LoadPhaseResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading operational record: %w", err)
	}

	snapshot := &core.SessionSnapshot{Session: session, Results: results}

	substantiated := substantiatedIndex(session, results)
	if session.CurrentPhase > substantiated {
		return snapshot, core.ErrConflict(core.CodeRecordDiverged,
			fmt.Sprintf("session %s: lifecycle index %d but only %d phases substantiated",
				id, session.CurrentPhase, substantiated))
	}
	return snapshot, nil
}

// Reconcile lowers the lifecycle index to what the operational record
// substantiates and records the repair. Returns the repaired session.
func (b *Bridge) Reconcile(ctx context.Context, id core.SessionID) (*core.FlowSession, error) {
	session, err := b.lifecycle.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := b.operational.LoadPhaseResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading operational record: %w", err)
	}

	substantiated := substantiatedIndex(session, results)
	if session.CurrentPhase <= substantiated {
		return session, nil
	}

	b.log.WithSession(string(id)).Warn("reconciling diverged records",
		"lifecycle_index", session.CurrentPhase, "substantiated", substantiated)

	session.CurrentPhase = substantiated
	if session.Status == core.SessionStatusCompleted {
		// A completed claim the operational record cannot back is rolled
		// back to a resumable state.
		session.Status = core.SessionStatusRunning
		session.CompletedAt = nil
	}
	if err := b.lifecycle.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persisting reconciled session: %w", err)
	}
	return session, nil
}

// CommitPhase persists a phase result and then the already-transitioned
// lifecycle record, in that order, so the lifecycle index never runs
// ahead of the operational record.
func (b *Bridge) CommitPhase(ctx context.Context, session *core.FlowSession, result *core.PhaseResult) error {
	if err := b.operational.SavePhaseResult(ctx, result); err != nil {
		return fmt.Errorf("persisting phase result: %w", err)
	}
	return b.lifecycle.SaveSession(ctx, session)
}

// Archive soft-archives terminal sessions and returns the count.
func (b *Bridge) Archive(ctx context.Context) (int, error) {
	return b.lifecycle.ArchiveSessions(ctx)
}

// substantiatedIndex returns the longest prefix of the session's phases
// backed by completed phase results.
func substantiatedIndex(session *core.FlowSession, results map[core.Phase]core.PhaseResult) int {
	n := 0
	for _, phase := range session.Phases {
		r, ok := results[phase]
		if !ok || !r.Completed {
			break
		}
		n++
	}
	return n
}
