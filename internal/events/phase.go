package events

import "time"

// Event type constants for phase events.
const (
	TypePhaseStarted   = "phase_started"
	TypePhaseCompleted = "phase_completed"
	TypePhaseFailed    = "phase_failed"
)

// PhaseStartedEvent is emitted when a phase begins.
type PhaseStartedEvent struct {
	BaseEvent
	Phase string `json:"phase"`
	Crew  string `json:"crew"`
}

// NewPhaseStartedEvent creates a new phase started event.
func NewPhaseStartedEvent(sessionID, tenant, phase, crew string) PhaseStartedEvent {
	return PhaseStartedEvent{
		BaseEvent: NewBaseEvent(TypePhaseStarted, sessionID, tenant),
		Phase:     phase,
		Crew:      crew,
	}
}

// PhaseCompletedEvent is emitted when a phase finishes with a completed
// result.
type PhaseCompletedEvent struct {
	BaseEvent
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration"`
	Insights int           `json:"insights"`
}

// NewPhaseCompletedEvent creates a new phase completed event.
func NewPhaseCompletedEvent(sessionID, tenant, phase string, duration time.Duration, insights int) PhaseCompletedEvent {
	return PhaseCompletedEvent{
		BaseEvent: NewBaseEvent(TypePhaseCompleted, sessionID, tenant),
		Phase:     phase,
		Duration:  duration,
		Insights:  insights,
	}
}

// PhaseFailedEvent is emitted when a phase fails, retryably or fatally.
type PhaseFailedEvent struct {
	BaseEvent
	Phase     string `json:"phase"`
	Retryable bool   `json:"retryable"`
	Error     string `json:"error,omitempty"`
}

// NewPhaseFailedEvent creates a new phase failed event.
func NewPhaseFailedEvent(sessionID, tenant, phase string, retryable bool, errMsg string) PhaseFailedEvent {
	return PhaseFailedEvent{
		BaseEvent: NewBaseEvent(TypePhaseFailed, sessionID, tenant),
		Phase:     phase,
		Retryable: retryable,
		Error:     errMsg,
	}
}
