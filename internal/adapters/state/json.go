package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// JSONStore implements the persistence ports with one JSON envelope file
// per session. Intended for development and air-gapped engagements where
// shipping SQLite is unwanted.
type JSONStore struct {
	dir string
	mu  sync.RWMutex
}

// sessionEnvelope bundles a session's lifecycle record with its
// operational record in a single checksummed file.
type sessionEnvelope struct {
	Checksum  string                          `json:"checksum"`
	UpdatedAt time.Time                       `json:"updated_at"`
	Session   *core.FlowSession               `json:"session"`
	Results   map[core.Phase]core.PhaseResult `json:"results,omitempty"`
	Insights  []core.Insight                  `json:"insights,omitempty"`
}

// NewJSONStore creates a store rooted at dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

// Close implements the store interface; JSON files need no teardown.
func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) path(id core.SessionID) string {
	return filepath.Join(s.dir, string(id)+".json")
}

// SaveSession persists the lifecycle record with optimistic versioning.
func (s *JSONStore) SaveSession(_ context.Context, session *core.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.readEnvelope(session.ID)
	if err != nil {
		return err
	}
	if env == nil {
		env = &sessionEnvelope{}
	} else if env.Session.Version != session.Version {
		return core.ErrConflict(core.CodeVersionConflict,
			fmt.Sprintf("session %s: stored version %d does not match loaded version %d",
				session.ID, env.Session.Version, session.Version))
	}

	if env.Session != nil {
		session.Version++
	}
	session.UpdatedAt = time.Now()
	env.Session = session.Clone()
	return s.writeEnvelope(session.ID, env)
}

// LoadSession retrieves a lifecycle record by id.
func (s *JSONStore) LoadSession(_ context.Context, id core.SessionID) (*core.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, err := s.readEnvelope(id)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, core.ErrNotFound("session", string(id))
	}
	return env.Session.Clone(), nil
}

// ListSessions returns unarchived sessions for a tenant, newest first.
func (s *JSONStore) ListSessions(_ context.Context, tenant core.TenantID) ([]*core.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading state directory: %w", err)
	}

	var sessions []*core.FlowSession
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		env, err := s.readEnvelope(core.SessionID(strings.TrimSuffix(entry.Name(), ".json")))
		if err != nil || env == nil {
			continue
		}
		if env.Session.Archived {
			continue
		}
		if tenant != "" && env.Session.Tenant != tenant {
			continue
		}
		sessions = append(sessions, env.Session.Clone())
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// ActiveSession returns the non-terminal session for the key, if any.
func (s *JSONStore) ActiveSession(ctx context.Context, tenant core.TenantID, engagement core.EngagementID) (*core.FlowSession, error) {
	sessions, err := s.ListSessions(ctx, tenant)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.Engagement == engagement && !session.IsTerminal() {
			return session, nil
		}
	}
	return nil, nil
}

// ArchiveSessions soft-archives terminal sessions.
func (s *JSONStore) ArchiveSessions(ctx context.Context) (int, error) {
	sessions, err := s.ListSessions(ctx, "")
	if err != nil {
		return 0, err
	}

	count := 0
	for _, session := range sessions {
		if !session.IsTerminal() || session.Archived {
			continue
		}
		session.Archived = true
		if err := s.SaveSession(ctx, session); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// SavePhaseResult persists one phase result into the session envelope.
func (s *JSONStore) SavePhaseResult(_ context.Context, result *core.PhaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.readEnvelope(result.Session)
	if err != nil {
		return err
	}
	if env == nil {
		return core.ErrNotFound("session", string(result.Session))
	}
	if env.Results == nil {
		env.Results = make(map[core.Phase]core.PhaseResult)
	}
	env.Results[result.Phase] = *result
	return s.writeEnvelope(result.Session, env)
}

// LoadPhaseResults retrieves the operational record for a session.
func (s *JSONStore) LoadPhaseResults(_ context.Context, id core.SessionID) (map[core.Phase]core.PhaseResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, err := s.readEnvelope(id)
	if err != nil {
		return nil, err
	}
	results := make(map[core.Phase]core.PhaseResult)
	if env == nil {
		return results, nil
	}
	for phase, r := range env.Results {
		results[phase] = r
	}
	return results, nil
}

// Append writes one insight atomically into the session envelope.
func (s *JSONStore) Append(_ context.Context, insight *core.Insight) (core.InsightID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := insight.Validate(); err != nil {
		return "", err
	}

	env, err := s.readEnvelope(insight.Session)
	if err != nil {
		return "", err
	}
	if env == nil {
		return "", core.ErrNotFound("session", string(insight.Session))
	}

	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now()
	}
	env.Insights = append(env.Insights, *insight)
	if err := s.writeEnvelope(insight.Session, env); err != nil {
		return "", err
	}
	return insight.ID, nil
}

// Query returns insights scoped to tenant and session, oldest first.
func (s *JSONStore) Query(_ context.Context, tenant core.TenantID, session core.SessionID, category string) ([]core.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, err := s.readEnvelope(session)
	if err != nil {
		return nil, err
	}
	if env == nil || env.Session.Tenant != tenant {
		return nil, nil
	}

	var insights []core.Insight
	for _, in := range env.Insights {
		if category != "" && in.Category != category {
			continue
		}
		insights = append(insights, in)
	}
	sort.SliceStable(insights, func(i, j int) bool {
		if insights[i].CreatedAt.Equal(insights[j].CreatedAt) {
			return insights[i].ID < insights[j].ID
		}
		return insights[i].CreatedAt.Before(insights[j].CreatedAt)
	})
	return insights, nil
}

// readEnvelope loads and verifies a session envelope. Returns nil when
// the file does not exist.
func (s *JSONStore) readEnvelope(id core.SessionID) (*sessionEnvelope, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var env sessionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling session envelope: %w", err)
	}
	if env.Session == nil {
		return nil, core.ErrConflict("ENVELOPE_CORRUPTED", fmt.Sprintf("session %s: envelope has no session record", id))
	}

	stored := env.Checksum
	env.Checksum = ""
	payload, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshaling for checksum: %w", err)
	}
	if stored != "" && stored != checksum(payload) {
		return nil, core.ErrConflict("CHECKSUM_MISMATCH", fmt.Sprintf("session %s: envelope checksum mismatch", id))
	}
	env.Checksum = stored
	return &env, nil
}

func (s *JSONStore) writeEnvelope(id core.SessionID, env *sessionEnvelope) error {
	env.Checksum = ""
	env.UpdatedAt = time.Now()

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling session envelope: %w", err)
	}
	env.Checksum = checksum(payload)

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session envelope: %w", err)
	}
	if err := atomicWriteFile(s.path(id), data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Verify that JSONStore implements the persistence ports.
var (
	_ core.LifecycleStore   = (*JSONStore)(nil)
	_ core.OperationalStore = (*JSONStore)(nil)
	_ core.InsightStore     = (*JSONStore)(nil)
)
