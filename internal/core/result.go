package core

import "time"

// CriterionResult records the evaluation of one success criterion against
// a phase's crew output.
type CriterionResult struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"`
}

// PhaseResult is the fine-grained operational record of one (session,
// phase) execution. Immutable once written; an explicit phase re-run
// supersedes it with a new record.
type PhaseResult struct {
	Session   SessionID              `json:"session"`
	Phase     Phase                  `json:"phase"`
	Completed bool                   `json:"completed"`
	Criteria  []CriterionResult      `json:"criteria,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Insights  []InsightID            `json:"insights,omitempty"`
	Gaps      []StepGap              `json:"gaps,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
}

// StepGap records a non-critical specialist failure that the crew
// continued past.
type StepGap struct {
	Role  string `json:"role"`
	Cause string `json:"cause"`
}

// RequiredCriteriaPassed reports whether every required criterion passed.
// Optional criteria may fail without blocking completion.
func (r *PhaseResult) RequiredCriteriaPassed() bool {
	for _, c := range r.Criteria {
		if c.Required && !c.Passed {
			return false
		}
	}
	return true
}

// FailedCriteria returns the names of criteria that did not pass.
func (r *PhaseResult) FailedCriteria() []string {
	var failed []string
	for _, c := range r.Criteria {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}
