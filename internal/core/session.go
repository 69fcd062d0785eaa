package core

import (
	"fmt"
	"time"
)

// SessionID uniquely identifies one discovery run.
type SessionID string

// TenantID identifies a client isolation boundary.
type TenantID string

// EngagementID identifies one engagement within a tenant.
type EngagementID string

// SessionStatus represents the lifecycle state of a flow session.
type SessionStatus string

const (
	SessionStatusCreated   SessionStatus = "created"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// FlowSession is the coarse lifecycle record of one discovery run.
// It is owned exclusively by the flow manager: created on initialization,
// mutated only through the transition methods below, never deleted
// (terminal sessions are soft-archived).
type FlowSession struct {
	ID           SessionID     `json:"id"`
	Tenant       TenantID      `json:"tenant"`
	Engagement   EngagementID  `json:"engagement"`
	Phases       []Phase       `json:"phases"`
	CurrentPhase int           `json:"current_phase"`
	Status       SessionStatus `json:"status"`
	InputPreview string        `json:"input_preview,omitempty"`

	// FailedPhase and FailureClass carry the originating phase and error
	// classification when Status is failed.
	FailedPhase  Phase  `json:"failed_phase,omitempty"`
	FailureClass string `json:"failure_class,omitempty"`
	Error        string `json:"error,omitempty"`

	// Version increments on every lifecycle write and backs optimistic
	// concurrency in the lifecycle store.
	Version  int  `json:"version"`
	Archived bool `json:"archived"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewFlowSession creates a session in the created state.
func NewFlowSession(id SessionID, tenant TenantID, engagement EngagementID, phases []Phase, preview string) *FlowSession {
	now := time.Now()
	return &FlowSession{
		ID:           id,
		Tenant:       tenant,
		Engagement:   engagement,
		Phases:       phases,
		CurrentPhase: 0,
		Status:       SessionStatusCreated,
		InputPreview: preview,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ActivePhase returns the phase at the current index, or false if all
// phases have completed.
func (s *FlowSession) ActivePhase() (Phase, bool) {
	if s.CurrentPhase < 0 || s.CurrentPhase >= len(s.Phases) {
		return "", false
	}
	return s.Phases[s.CurrentPhase], true
}

// Start transitions the session to running.
func (s *FlowSession) Start() error {
	if s.Status != SessionStatusCreated && s.Status != SessionStatusPaused {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot start session in %s state", s.Status))
	}
	s.Status = SessionStatusRunning
	if s.StartedAt == nil {
		now := time.Now()
		s.StartedAt = &now
	}
	return nil
}

// Pause transitions the session to paused. A paused session never carries
// an error.
func (s *FlowSession) Pause() error {
	if s.Status != SessionStatusRunning {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot pause session in %s state", s.Status))
	}
	s.Status = SessionStatusPaused
	return nil
}

// Resume transitions the session from paused back to running without
// touching the phase index.
func (s *FlowSession) Resume() error {
	if s.Status != SessionStatusPaused {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot resume session in %s state", s.Status))
	}
	s.Status = SessionStatusRunning
	return nil
}

// AdvancePhase increments the phase index. Callers must only do this after
// the corresponding phase result has been persisted with completed=true.
func (s *FlowSession) AdvancePhase() error {
	if s.CurrentPhase >= len(s.Phases) {
		return ErrState(CodeInvalidState, "already past final phase")
	}
	s.CurrentPhase++
	return nil
}

// Complete transitions the session to completed once every phase finished.
func (s *FlowSession) Complete() error {
	if s.Status != SessionStatusRunning {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot complete session in %s state", s.Status))
	}
	if s.CurrentPhase < len(s.Phases) {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot complete session with %d of %d phases done", s.CurrentPhase, len(s.Phases)))
	}
	s.Status = SessionStatusCompleted
	now := time.Now()
	s.CompletedAt = &now
	return nil
}

// Fail transitions the session to failed with the originating phase and
// failure classification. Failed is terminal.
func (s *FlowSession) Fail(phase Phase, class string, err error) {
	s.Status = SessionStatusFailed
	s.FailedPhase = phase
	s.FailureClass = class
	if err != nil {
		s.Error = err.Error()
	}
	now := time.Now()
	s.CompletedAt = &now
}

// IsTerminal returns true if the session is in a terminal state.
func (s *FlowSession) IsTerminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusFailed
}

// Clone returns a deep copy safe for concurrent readers.
func (s *FlowSession) Clone() *FlowSession {
	cp := *s
	cp.Phases = append([]Phase(nil), s.Phases...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Validate checks session invariants.
func (s *FlowSession) Validate() error {
	if s.ID == "" {
		return ErrConfiguration("SESSION_ID_REQUIRED", "session ID cannot be empty")
	}
	if s.Tenant == "" {
		return ErrConfiguration("TENANT_REQUIRED", "tenant cannot be empty")
	}
	if s.Engagement == "" {
		return ErrConfiguration("ENGAGEMENT_REQUIRED", "engagement cannot be empty")
	}
	if len(s.Phases) == 0 {
		return ErrConfiguration("NO_PHASES", "at least one phase must be enabled")
	}
	for _, p := range s.Phases {
		if !ValidPhase(p) {
			return ErrConfiguration("INVALID_PHASE", fmt.Sprintf("unknown phase %q", p))
		}
	}
	return nil
}

// SessionSnapshot is the read-only view returned by status queries.
type SessionSnapshot struct {
	Session *FlowSession          `json:"session"`
	Results map[Phase]PhaseResult `json:"results"`
}

// CompletedPhases returns the phases with a completed result, in session
// phase order.
func (sn *SessionSnapshot) CompletedPhases() []Phase {
	var done []Phase
	for _, p := range sn.Session.Phases {
		if r, ok := sn.Results[p]; ok && r.Completed {
			done = append(done, p)
		}
	}
	return done
}
