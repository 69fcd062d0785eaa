package core

import "testing"

func TestPhaseOrdering(t *testing.T) {
	phases := AllPhases()
	if len(phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(phases))
	}
	for i, p := range phases {
		if PhaseOrder(p) != i {
			t.Fatalf("phase %s: expected order %d, got %d", p, i, PhaseOrder(p))
		}
	}
	if NextPhase(PhaseMap) != PhaseCleanse {
		t.Fatalf("expected cleanse after map")
	}
	if NextPhase(PhaseRisk) != "" {
		t.Fatalf("expected no phase after risk")
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("classify")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != PhaseClassify {
		t.Fatalf("expected classify, got %s", p)
	}
	if _, err := ParsePhase("bogus"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestPhaseResult_RequiredCriteria(t *testing.T) {
	r := PhaseResult{
		Criteria: []CriterionResult{
			{Name: "min_confidence", Required: true, Passed: true},
			{Name: "max_unmapped_ratio", Required: false, Passed: false},
		},
	}
	if !r.RequiredCriteriaPassed() {
		t.Fatalf("optional criterion failure must not block completion")
	}
	r.Criteria[0].Passed = false
	if r.RequiredCriteriaPassed() {
		t.Fatalf("required criterion failure must block completion")
	}
	failed := r.FailedCriteria()
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed criteria, got %d", len(failed))
	}
}
