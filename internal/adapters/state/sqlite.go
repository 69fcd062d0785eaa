package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements the lifecycle, operational, and insight stores
// on a single SQLite database. The lifecycle and operational records stay
// separate tables so lifecycle queries never pay for operational payload
// size.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL mode keeps status reads cheap while advances write.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs pending migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// SaveSession persists the lifecycle record. For existing sessions the
// write carries optimistic versioning: the stored version must match the
// version the caller loaded, otherwise a conflict error surfaces. On
// success the session's version is bumped in place.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *core.FlowSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.UpdatedAt = time.Now()

	phasesJSON, err := json.Marshal(session.Phases)
	if err != nil {
		return fmt.Errorf("marshaling phases: %w", err)
	}

	archivedInt := 0
	if session.Archived {
		archivedInt = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, current_phase = ?, failed_phase = ?, failure_class = ?,
			error = ?, archived = ?, version = version + 1,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`,
		session.Status, session.CurrentPhase,
		nullableString([]byte(session.FailedPhase)), nullableString([]byte(session.FailureClass)),
		nullableString([]byte(session.Error)), archivedInt,
		session.UpdatedAt, nullableTime(session.StartedAt), nullableTime(session.CompletedAt),
		session.ID, session.Version,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 1 {
		session.Version++
		return nil
	}

	// Either the session is new or the caller held a stale version.
	var existing int
	err = s.db.QueryRowContext(ctx, "SELECT version FROM sessions WHERE id = ?", session.ID).Scan(&existing)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sessions (
				id, tenant, engagement, phases, current_phase, status,
				input_preview, failed_phase, failure_class, error,
				version, archived, created_at, updated_at, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID, session.Tenant, session.Engagement, string(phasesJSON),
			session.CurrentPhase, session.Status,
			nullableString([]byte(session.InputPreview)),
			nullableString([]byte(session.FailedPhase)), nullableString([]byte(session.FailureClass)),
			nullableString([]byte(session.Error)),
			session.Version, archivedInt,
			session.CreatedAt, session.UpdatedAt,
			nullableTime(session.StartedAt), nullableTime(session.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking session version: %w", err)
	}

	return core.ErrConflict(core.CodeVersionConflict,
		fmt.Sprintf("session %s: stored version %d does not match loaded version %d", session.ID, existing, session.Version))
}

// LoadSession retrieves a lifecycle record by id.
func (s *SQLiteStore) LoadSession(ctx context.Context, id core.SessionID) (*core.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, engagement, phases, current_phase, status,
		       input_preview, failed_phase, failure_class, error,
		       version, archived, created_at, updated_at, started_at, completed_at
		FROM sessions WHERE id = ?
	`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("session", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return session, nil
}

// ListSessions returns unarchived sessions for a tenant, newest first.
// An empty tenant lists across tenants.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenant core.TenantID) ([]*core.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant, engagement, phases, current_phase, status,
		       input_preview, failed_phase, failure_class, error,
		       version, archived, created_at, updated_at, started_at, completed_at
		FROM sessions
		WHERE archived = 0`
	args := []interface{}{}
	if tenant != "" {
		query += " AND tenant = ?"
		args = append(args, tenant)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*core.FlowSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// ActiveSession returns the running or paused session for the key, if any.
func (s *SQLiteStore) ActiveSession(ctx context.Context, tenant core.TenantID, engagement core.EngagementID) (*core.FlowSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, engagement, phases, current_phase, status,
		       input_preview, failed_phase, failure_class, error,
		       version, archived, created_at, updated_at, started_at, completed_at
		FROM sessions
		WHERE tenant = ? AND engagement = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, tenant, engagement, core.SessionStatusCreated, core.SessionStatusRunning, core.SessionStatusPaused)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active session: %w", err)
	}
	return session, nil
}

// ArchiveSessions soft-archives terminal sessions. Returns how many were
// touched.
func (s *SQLiteStore) ArchiveSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET archived = 1, version = version + 1, updated_at = ?
		WHERE archived = 0 AND status IN (?, ?)
	`, time.Now(), core.SessionStatusCompleted, core.SessionStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("archiving sessions: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting archived sessions: %w", err)
	}
	return int(count), nil
}

// SavePhaseResult persists one phase result. A re-run of the same phase
// supersedes the stored record; that is the only mutation path.
func (s *SQLiteStore) SavePhaseResult(ctx context.Context, result *core.PhaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	criteriaJSON, err := json.Marshal(result.Criteria)
	if err != nil {
		return fmt.Errorf("marshaling criteria: %w", err)
	}
	outputJSON, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}
	insightsJSON, err := json.Marshal(result.Insights)
	if err != nil {
		return fmt.Errorf("marshaling insight refs: %w", err)
	}
	gapsJSON, err := json.Marshal(result.Gaps)
	if err != nil {
		return fmt.Errorf("marshaling gaps: %w", err)
	}

	completedInt := 0
	if result.Completed {
		completedInt = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO phase_results (
			session_id, phase, completed, criteria, output, insights, gaps,
			started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, phase) DO UPDATE SET
			completed = excluded.completed,
			criteria = excluded.criteria,
			output = excluded.output,
			insights = excluded.insights,
			gaps = excluded.gaps,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`,
		result.Session, result.Phase, completedInt,
		nullableString(criteriaJSON), nullableString(outputJSON),
		nullableString(insightsJSON), nullableString(gapsJSON),
		result.StartedAt, result.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting phase result: %w", err)
	}
	return nil
}

// LoadPhaseResults retrieves the operational record for a session.
func (s *SQLiteStore) LoadPhaseResults(ctx context.Context, id core.SessionID) (map[core.Phase]core.PhaseResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, phase, completed, criteria, output, insights, gaps,
		       started_at, ended_at
		FROM phase_results WHERE session_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("loading phase results: %w", err)
	}
	defer rows.Close()

	results := make(map[core.Phase]core.PhaseResult)
	for rows.Next() {
		var r core.PhaseResult
		var completed int
		var criteriaJSON, outputJSON, insightsJSON, gapsJSON sql.NullString

		err := rows.Scan(&r.Session, &r.Phase, &completed,
			&criteriaJSON, &outputJSON, &insightsJSON, &gapsJSON,
			&r.StartedAt, &r.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning phase result: %w", err)
		}
		r.Completed = completed != 0

		if err := unmarshalNullable(criteriaJSON, &r.Criteria); err != nil {
			return nil, fmt.Errorf("unmarshaling criteria: %w", err)
		}
		if err := unmarshalNullable(outputJSON, &r.Output); err != nil {
			return nil, fmt.Errorf("unmarshaling output: %w", err)
		}
		if err := unmarshalNullable(insightsJSON, &r.Insights); err != nil {
			return nil, fmt.Errorf("unmarshaling insight refs: %w", err)
		}
		if err := unmarshalNullable(gapsJSON, &r.Gaps); err != nil {
			return nil, fmt.Errorf("unmarshaling gaps: %w", err)
		}

		results[r.Phase] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating phase results: %w", err)
	}
	return results, nil
}

// Append writes one insight atomically and returns its id.
func (s *SQLiteStore) Append(ctx context.Context, insight *core.Insight) (core.InsightID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := insight.Validate(); err != nil {
		return "", err
	}

	payloadJSON, err := json.Marshal(insight.Payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO insights (
			id, session_id, tenant, phase, category, payload,
			confidence, supersedes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		insight.ID, insight.Session, insight.Tenant, insight.Phase,
		insight.Category, nullableString(payloadJSON),
		insight.Confidence, nullableString([]byte(insight.Supersedes)),
		insight.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("appending insight: %w", err)
	}
	return insight.ID, nil
}

// Query returns insights scoped to tenant and session, oldest first. The
// (created_at, id) ordering makes repeated queries return identical
// sequences.
func (s *SQLiteStore) Query(ctx context.Context, tenant core.TenantID, session core.SessionID, category string) ([]core.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, session_id, tenant, phase, category, payload,
		       confidence, supersedes, created_at
		FROM insights WHERE tenant = ? AND session_id = ?`
	args := []interface{}{tenant, session}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var insights []core.Insight
	for rows.Next() {
		var in core.Insight
		var payloadJSON, supersedes sql.NullString

		err := rows.Scan(&in.ID, &in.Session, &in.Tenant, &in.Phase,
			&in.Category, &payloadJSON, &in.Confidence, &supersedes, &in.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		if supersedes.Valid {
			in.Supersedes = core.InsightID(supersedes.String)
		}
		if err := unmarshalNullable(payloadJSON, &in.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling payload: %w", err)
		}
		insights = append(insights, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating insights: %w", err)
	}
	return insights, nil
}

// scanner matches *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*core.FlowSession, error) {
	var s core.FlowSession
	var phasesJSON string
	var inputPreview, failedPhase, failureClass, errStr sql.NullString
	var archived int
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&s.ID, &s.Tenant, &s.Engagement, &phasesJSON,
		&s.CurrentPhase, &s.Status, &inputPreview, &failedPhase,
		&failureClass, &errStr, &s.Version, &archived,
		&s.CreatedAt, &s.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(phasesJSON), &s.Phases); err != nil {
		return nil, fmt.Errorf("unmarshaling phases: %w", err)
	}
	if inputPreview.Valid {
		s.InputPreview = inputPreview.String
	}
	if failedPhase.Valid {
		s.FailedPhase = core.Phase(failedPhase.String)
	}
	if failureClass.Valid {
		s.FailureClass = failureClass.String
	}
	if errStr.Valid {
		s.Error = errStr.String
	}
	s.Archived = archived != 0
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return &s, nil
}

func unmarshalNullable(ns sql.NullString, target interface{}) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), target)
}

// Helper functions for nullable values

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Verify that SQLiteStore implements the persistence ports.
var (
	_ core.LifecycleStore   = (*SQLiteStore)(nil)
	_ core.OperationalStore = (*SQLiteStore)(nil)
	_ core.InsightStore     = (*SQLiteStore)(nil)
)
