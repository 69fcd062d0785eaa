package core

import (
	"fmt"
	"time"
)

// StepKind tags a crew step as the manager or a specialist. Execution
// order is data, not inheritance: the coordinator consumes the tag and the
// declared dependencies.
type StepKind string

const (
	StepKindManager    StepKind = "manager"
	StepKindSpecialist StepKind = "specialist"
)

// ExecutionMode selects how a crew's steps are sequenced.
type ExecutionMode string

const (
	// ExecutionOrdered runs the manager step, then each specialist in
	// declared order with context chaining.
	ExecutionOrdered ExecutionMode = "ordered"

	// ExecutionGraph runs steps as soon as their declared dependencies are
	// satisfied, allowing independent specialists to run concurrently.
	ExecutionGraph ExecutionMode = "graph"
)

// StepDef describes one step of a crew. Static configuration, not runtime
// state.
type StepDef struct {
	Role      string        `json:"role" yaml:"role"`
	Kind      StepKind      `json:"kind" yaml:"kind"`
	DependsOn []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Critical  bool          `json:"critical" yaml:"critical"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Prompt    string        `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// CrewDef describes a named team: one manager role plus N specialist
// roles and an execution mode.
type CrewDef struct {
	Name  string        `json:"name" yaml:"name"`
	Mode  ExecutionMode `json:"mode" yaml:"mode"`
	Steps []StepDef     `json:"steps" yaml:"steps"`
}

// Manager returns the crew's manager step.
func (c *CrewDef) Manager() (StepDef, bool) {
	for _, s := range c.Steps {
		if s.Kind == StepKindManager {
			return s, true
		}
	}
	return StepDef{}, false
}

// Specialists returns the specialist steps in declared order.
func (c *CrewDef) Specialists() []StepDef {
	var out []StepDef
	for _, s := range c.Steps {
		if s.Kind == StepKindSpecialist {
			out = append(out, s)
		}
	}
	return out
}

// Step returns the step with the given role.
func (c *CrewDef) Step(role string) (StepDef, bool) {
	for _, s := range c.Steps {
		if s.Role == role {
			return s, true
		}
	}
	return StepDef{}, false
}

// Validate checks crew invariants: exactly one manager, unique roles,
// known dependencies, and an acyclic dependency graph.
func (c *CrewDef) Validate() error {
	if c.Name == "" {
		return ErrConfiguration("CREW_NAME_REQUIRED", "crew name cannot be empty")
	}
	if c.Mode != ExecutionOrdered && c.Mode != ExecutionGraph {
		return ErrConfiguration("INVALID_CREW_MODE", fmt.Sprintf("crew %s: unknown execution mode %q", c.Name, c.Mode))
	}

	managers := 0
	roles := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if s.Role == "" {
			return ErrConfiguration("STEP_ROLE_REQUIRED", fmt.Sprintf("crew %s: step role cannot be empty", c.Name))
		}
		if roles[s.Role] {
			return ErrConfiguration("DUPLICATE_ROLE", fmt.Sprintf("crew %s: duplicate role %q", c.Name, s.Role))
		}
		roles[s.Role] = true
		if s.Kind == StepKindManager {
			managers++
		} else if s.Kind != StepKindSpecialist {
			return ErrConfiguration("INVALID_STEP_KIND", fmt.Sprintf("crew %s: step %s has unknown kind %q", c.Name, s.Role, s.Kind))
		}
	}
	if managers != 1 {
		return ErrConfiguration("MANAGER_REQUIRED", fmt.Sprintf("crew %s: expected exactly one manager step, found %d", c.Name, managers))
	}

	for _, s := range c.Steps {
		for _, dep := range s.DependsOn {
			if !roles[dep] {
				return ErrConfiguration("UNKNOWN_DEPENDENCY", fmt.Sprintf("crew %s: step %s depends on unknown role %q", c.Name, s.Role, dep))
			}
			if dep == s.Role {
				return ErrConfiguration(CodeDependencyCycle, fmt.Sprintf("crew %s: step %s depends on itself", c.Name, s.Role))
			}
		}
	}

	if err := c.checkCycles(); err != nil {
		return err
	}
	return nil
}

// checkCycles detects dependency cycles with a depth-first walk.
func (c *CrewDef) checkCycles() error {
	deps := make(map[string][]string, len(c.Steps))
	for _, s := range c.Steps {
		deps[s.Role] = s.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(c.Steps))

	var visit func(role string) error
	visit = func(role string) error {
		switch state[role] {
		case visiting:
			return ErrConfiguration(CodeDependencyCycle, fmt.Sprintf("crew %s: dependency cycle through %q", c.Name, role))
		case done:
			return nil
		}
		state[role] = visiting
		for _, dep := range deps[role] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[role] = done
		return nil
	}

	for _, s := range c.Steps {
		if err := visit(s.Role); err != nil {
			return err
		}
	}
	return nil
}

// CrewOutcome classifies a completed crew invocation.
type CrewOutcome string

const (
	// CrewSucceeded means every step completed.
	CrewSucceeded CrewOutcome = "succeeded"
	// CrewPartial means non-critical steps failed but execution continued.
	CrewPartial CrewOutcome = "partial"
	// CrewAborted means a critical step failed and remaining steps were
	// abandoned.
	CrewAborted CrewOutcome = "aborted"
)

// CrewResult is the normalized result of one crew invocation. Callers
// distinguish fully succeeded, partially succeeded with recorded gaps,
// and aborted.
type CrewResult struct {
	Crew    string                 `json:"crew"`
	Outcome CrewOutcome            `json:"outcome"`
	Output  map[string]interface{} `json:"output,omitempty"`
	// Confidence is the mean confidence over completed steps.
	Confidence float64     `json:"confidence"`
	Insights   []InsightID `json:"insights,omitempty"`
	Gaps       []StepGap   `json:"gaps,omitempty"`
	Err        string      `json:"error,omitempty"`
}
