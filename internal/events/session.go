package events

// Event type constants for session lifecycle events.
const (
	TypeSessionCreated   = "session_created"
	TypeSessionPaused    = "session_paused"
	TypeSessionResumed   = "session_resumed"
	TypeSessionCompleted = "session_completed"
	TypeSessionFailed    = "session_failed"
)

// SessionCreatedEvent is emitted when a flow session is initialized.
type SessionCreatedEvent struct {
	BaseEvent
	Engagement string   `json:"engagement"`
	Phases     []string `json:"phases"`
}

// NewSessionCreatedEvent creates a new session created event.
func NewSessionCreatedEvent(sessionID, tenant, engagement string, phases []string) SessionCreatedEvent {
	return SessionCreatedEvent{
		BaseEvent:  NewBaseEvent(TypeSessionCreated, sessionID, tenant),
		Engagement: engagement,
		Phases:     phases,
	}
}

// SessionPausedEvent is emitted when a session is paused.
type SessionPausedEvent struct {
	BaseEvent
	Phase string `json:"phase"`
}

// NewSessionPausedEvent creates a new session paused event.
func NewSessionPausedEvent(sessionID, tenant, phase string) SessionPausedEvent {
	return SessionPausedEvent{
		BaseEvent: NewBaseEvent(TypeSessionPaused, sessionID, tenant),
		Phase:     phase,
	}
}

// SessionResumedEvent is emitted when a paused session resumes.
type SessionResumedEvent struct {
	BaseEvent
	Phase string `json:"phase"`
}

// NewSessionResumedEvent creates a new session resumed event.
func NewSessionResumedEvent(sessionID, tenant, phase string) SessionResumedEvent {
	return SessionResumedEvent{
		BaseEvent: NewBaseEvent(TypeSessionResumed, sessionID, tenant),
		Phase:     phase,
	}
}

// SessionCompletedEvent is emitted when every enabled phase has finished.
type SessionCompletedEvent struct {
	BaseEvent
	PhaseCount int `json:"phase_count"`
}

// NewSessionCompletedEvent creates a new session completed event.
func NewSessionCompletedEvent(sessionID, tenant string, phaseCount int) SessionCompletedEvent {
	return SessionCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeSessionCompleted, sessionID, tenant),
		PhaseCount: phaseCount,
	}
}

// SessionFailedEvent is emitted when a session terminates with a fatal
// phase failure.
type SessionFailedEvent struct {
	BaseEvent
	Phase          string `json:"phase"`
	Classification string `json:"classification"`
	Error          string `json:"error,omitempty"`
}

// NewSessionFailedEvent creates a new session failed event.
func NewSessionFailedEvent(sessionID, tenant, phase, classification, errMsg string) SessionFailedEvent {
	return SessionFailedEvent{
		BaseEvent:      NewBaseEvent(TypeSessionFailed, sessionID, tenant),
		Phase:          phase,
		Classification: classification,
		Error:          errMsg,
	}
}
