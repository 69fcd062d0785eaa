package core

import "time"

// InsightID uniquely identifies one insight.
type InsightID string

// Insight is an atomic cross-phase fact. Insights are append-only: later
// phases reference them but never mutate them. A correction is a new
// insight whose Supersedes field points at the one it replaces.
type Insight struct {
	ID         InsightID              `json:"id"`
	Session    SessionID              `json:"session"`
	Tenant     TenantID               `json:"tenant"`
	Phase      Phase                  `json:"phase"`
	Category   string                 `json:"category"`
	Payload    map[string]interface{} `json:"payload"`
	Confidence float64                `json:"confidence"`
	Supersedes InsightID              `json:"supersedes,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Validate checks insight invariants before an append.
func (i *Insight) Validate() error {
	if i.ID == "" {
		return ErrConfiguration("INSIGHT_ID_REQUIRED", "insight ID cannot be empty")
	}
	if i.Session == "" || i.Tenant == "" {
		return ErrConfiguration("INSIGHT_SCOPE_REQUIRED", "insight must carry tenant and session scope")
	}
	if !ValidPhase(i.Phase) {
		return ErrConfiguration("INVALID_PHASE", "insight phase is not a known phase")
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return ErrConfiguration("INVALID_CONFIDENCE", "confidence must be in [0,1]")
	}
	return nil
}
