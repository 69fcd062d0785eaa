package core

import "fmt"

// Phase represents a stage in the discovery pipeline.
type Phase string

const (
	// PhaseMap is the first phase where input fields are mapped to the
	// canonical schema.
	PhaseMap Phase = "map"

	// PhaseCleanse is the second phase where records are cleansed and
	// quality issues are recorded.
	PhaseCleanse Phase = "cleanse"

	// PhaseClassify is the third phase where discovered assets are
	// classified by type and sensitivity.
	PhaseClassify Phase = "classify"

	// PhaseDepgraph is the fourth phase where dependencies between assets
	// are inferred.
	PhaseDepgraph Phase = "depgraph"

	// PhaseRisk is the final phase where modernization risk is assessed
	// from the accumulated findings.
	PhaseRisk Phase = "risk"
)

// AllPhases returns all phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseMap, PhaseCleanse, PhaseClassify, PhaseDepgraph, PhaseRisk}
}

// PhaseOrder returns the numeric order of a phase (0-indexed).
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseMap:
		return 0
	case PhaseCleanse:
		return 1
	case PhaseClassify:
		return 2
	case PhaseDepgraph:
		return 3
	case PhaseRisk:
		return 4
	default:
		return -1
	}
}

// NextPhase returns the phase following the given phase.
// Returns empty string if current phase is the last.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseMap:
		return PhaseCleanse
	case PhaseCleanse:
		return PhaseClassify
	case PhaseClassify:
		return PhaseDepgraph
	case PhaseDepgraph:
		return PhaseRisk
	default:
		return ""
	}
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseMap, PhaseCleanse, PhaseClassify, PhaseDepgraph, PhaseRisk:
		return true
	default:
		return false
	}
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase: %s", s)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Description returns a human-readable description of the phase.
func (p Phase) Description() string {
	switch p {
	case PhaseMap:
		return "Map input fields to the canonical schema"
	case PhaseCleanse:
		return "Cleanse records and record data quality issues"
	case PhaseClassify:
		return "Classify discovered assets by type and sensitivity"
	case PhaseDepgraph:
		return "Infer dependencies between discovered assets"
	case PhaseRisk:
		return "Assess modernization risk from accumulated findings"
	default:
		return "Unknown phase"
	}
}
