// Package testutil provides in-memory fakes for the persistence ports.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// MemoryStore is an in-memory implementation of the lifecycle,
// operational, and insight ports. Safe for concurrent use. Failure
// injection hooks let tests force specific error paths.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*core.FlowSession
	results  map[core.SessionID]map[core.Phase]core.PhaseResult
	insights map[core.SessionID][]core.Insight

	// SaveSessionErr, when set, is returned by the next SaveSession call
	// and then cleared. SavePhaseResultErr and AppendErr behave the same.
	SaveSessionErr     error
	SavePhaseResultErr error
	AppendErr          error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[core.SessionID]*core.FlowSession),
		results:  make(map[core.SessionID]map[core.Phase]core.PhaseResult),
		insights: make(map[core.SessionID][]core.Insight),
	}
}

// Close implements the combined store interface.
func (m *MemoryStore) Close() error { return nil }

// SaveSession stores a lifecycle record with optimistic versioning.
func (m *MemoryStore) SaveSession(_ context.Context, session *core.FlowSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.SaveSessionErr; err != nil {
		m.SaveSessionErr = nil
		return err
	}

	if existing, ok := m.sessions[session.ID]; ok {
		if existing.Version != session.Version {
			return core.ErrConflict(core.CodeVersionConflict, "stale session version")
		}
		session.Version++
	}
	session.UpdatedAt = time.Now()
	m.sessions[session.ID] = session.Clone()
	return nil
}

// LoadSession returns a copy of the stored lifecycle record.
func (m *MemoryStore) LoadSession(_ context.Context, id core.SessionID) (*core.FlowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrNotFound("session", string(id))
	}
	return session.Clone(), nil
}

// ListSessions returns unarchived sessions for a tenant, newest first.
func (m *MemoryStore) ListSessions(_ context.Context, tenant core.TenantID) ([]*core.FlowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*core.FlowSession
	for _, s := range m.sessions {
		if s.Archived {
			continue
		}
		if tenant != "" && s.Tenant != tenant {
			continue
		}
		sessions = append(sessions, s.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// ActiveSession returns the non-terminal session for the key, if any.
func (m *MemoryStore) ActiveSession(_ context.Context, tenant core.TenantID, engagement core.EngagementID) (*core.FlowSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.Tenant == tenant && s.Engagement == engagement && !s.IsTerminal() {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

// ArchiveSessions soft-archives terminal sessions.
func (m *MemoryStore) ArchiveSessions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.sessions {
		if s.IsTerminal() && !s.Archived {
			s.Archived = true
			count++
		}
	}
	return count, nil
}

// SavePhaseResult stores one operational record; a re-run supersedes.
func (m *MemoryStore) SavePhaseResult(_ context.Context, result *core.PhaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.SavePhaseResultErr; err != nil {
		m.SavePhaseResultErr = nil
		return err
	}

	if m.results[result.Session] == nil {
		m.results[result.Session] = make(map[core.Phase]core.PhaseResult)
	}
	m.results[result.Session][result.Phase] = *result
	return nil
}

// LoadPhaseResults returns the operational record for a session.
func (m *MemoryStore) LoadPhaseResults(_ context.Context, id core.SessionID) (map[core.Phase]core.PhaseResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[core.Phase]core.PhaseResult, len(m.results[id]))
	for phase, r := range m.results[id] {
		out[phase] = r
	}
	return out, nil
}

// Append stores one insight atomically.
func (m *MemoryStore) Append(_ context.Context, insight *core.Insight) (core.InsightID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.AppendErr; err != nil {
		m.AppendErr = nil
		return "", err
	}

	if err := insight.Validate(); err != nil {
		return "", err
	}
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now()
	}
	m.insights[insight.Session] = append(m.insights[insight.Session], *insight)
	return insight.ID, nil
}

// Query returns insights scoped to tenant and session, oldest first.
func (m *MemoryStore) Query(_ context.Context, tenant core.TenantID, session core.SessionID, category string) ([]core.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.Insight
	for _, in := range m.insights[session] {
		if in.Tenant != tenant {
			continue
		}
		if category != "" && in.Category != category {
			continue
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// InsightCount reports how many insights a session holds. Test helper.
func (m *MemoryStore) InsightCount(session core.SessionID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.insights[session])
}

var (
	_ core.LifecycleStore   = (*MemoryStore)(nil)
	_ core.OperationalStore = (*MemoryStore)(nil)
	_ core.InsightStore     = (*MemoryStore)(nil)
)
