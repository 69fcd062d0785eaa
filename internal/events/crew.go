package events

// Event type constants for crew step events.
const (
	TypeStepStarted   = "step_started"
	TypeStepCompleted = "step_completed"
	TypeStepFailed    = "step_failed"
	TypeInsightAdded  = "insight_added"
)

// StepStartedEvent is emitted when a crew step begins executing.
type StepStartedEvent struct {
	BaseEvent
	Crew string `json:"crew"`
	Role string `json:"role"`
	Kind string `json:"kind"`
}

// NewStepStartedEvent creates a new step started event.
func NewStepStartedEvent(sessionID, tenant, crew, role, kind string) StepStartedEvent {
	return StepStartedEvent{
		BaseEvent: NewBaseEvent(TypeStepStarted, sessionID, tenant),
		Crew:      crew,
		Role:      role,
		Kind:      kind,
	}
}

// StepCompletedEvent is emitted when a crew step completes.
type StepCompletedEvent struct {
	BaseEvent
	Crew       string  `json:"crew"`
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
	Insights   int     `json:"insights"`
}

// NewStepCompletedEvent creates a new step completed event.
func NewStepCompletedEvent(sessionID, tenant, crew, role string, confidence float64, insights int) StepCompletedEvent {
	return StepCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeStepCompleted, sessionID, tenant),
		Crew:       crew,
		Role:       role,
		Confidence: confidence,
		Insights:   insights,
	}
}

// StepFailedEvent is emitted when a crew step fails.
type StepFailedEvent struct {
	BaseEvent
	Crew     string `json:"crew"`
	Role     string `json:"role"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// NewStepFailedEvent creates a new step failed event.
func NewStepFailedEvent(sessionID, tenant, crew, role string, critical bool, errMsg string) StepFailedEvent {
	return StepFailedEvent{
		BaseEvent: NewBaseEvent(TypeStepFailed, sessionID, tenant),
		Crew:      crew,
		Role:      role,
		Critical:  critical,
		Error:     errMsg,
	}
}

// InsightAddedEvent is emitted after an insight append is acknowledged.
type InsightAddedEvent struct {
	BaseEvent
	InsightID string `json:"insight_id"`
	Phase     string `json:"phase"`
	Category  string `json:"category"`
}

// NewInsightAddedEvent creates a new insight added event.
func NewInsightAddedEvent(sessionID, tenant, insightID, phase, category string) InsightAddedEvent {
	return InsightAddedEvent{
		BaseEvent: NewBaseEvent(TypeInsightAdded, sessionID, tenant),
		InsightID: insightID,
		Phase:     phase,
		Category:  category,
	}
}
