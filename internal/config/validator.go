package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateState(&cfg.State)
	v.validateFlow(&cfg.Flow)
	v.validatePool(&cfg.Pool)
	v.validateAgents(&cfg.Agents)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of auto, text, json")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Addr == "" {
		v.addError("server.addr", cfg.Addr, "cannot be empty")
	}
	v.validateDuration("server.request_timeout", cfg.RequestTimeout)
	if cfg.EventBufferSize <= 0 {
		v.addError("server.event_buffer_size", cfg.EventBufferSize, "must be positive")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case "sqlite", "json":
	default:
		v.addError("state.backend", cfg.Backend, "must be sqlite or json")
	}
	if cfg.Path == "" {
		v.addError("state.path", cfg.Path, "cannot be empty")
	}
}

func (v *Validator) validateFlow(cfg *FlowConfig) {
	enabled := 0
	for name, on := range cfg.Phases {
		if !core.ValidPhase(core.Phase(name)) {
			v.addError("flow.phases", name, "unknown phase")
			continue
		}
		if on {
			enabled++
		}
	}
	if len(cfg.Phases) > 0 && enabled == 0 {
		v.addError("flow.phases", cfg.Phases, "at least one phase must be enabled")
	}
	v.validateDuration("flow.phase_timeout", cfg.PhaseTimeout)
	v.validateDuration("flow.step_timeout", cfg.StepTimeout)
	if cfg.MaxParallelSteps <= 0 {
		v.addError("flow.max_parallel_steps", cfg.MaxParallelSteps, "must be positive")
	}
}

func (v *Validator) validatePool(cfg *PoolConfig) {
	v.validateDuration("pool.wait_timeout", cfg.WaitTimeout)
	v.validateDuration("pool.idle_threshold", cfg.IdleThreshold)
	v.validateDuration("pool.sweep_interval", cfg.SweepInterval)
}

func (v *Validator) validateAgents(cfg *AgentsConfig) {
	switch cfg.Provider {
	case "openai", "scripted":
	default:
		v.addError("agents.provider", cfg.Provider, "must be openai or scripted")
	}
	if cfg.MaxTokens <= 0 {
		v.addError("agents.max_tokens", cfg.MaxTokens, "must be positive")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		v.addError("agents.temperature", cfg.Temperature, "must be in [0, 2]")
	}
	if cfg.MemoryWindow < 0 {
		v.addError("agents.memory_window", cfg.MemoryWindow, "cannot be negative")
	}
}

func (v *Validator) validateDuration(field, value string) {
	if value == "" {
		v.addError(field, value, "cannot be empty")
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		v.addError(field, value, "must be a valid duration (e.g. 30s, 5m)")
	}
}

// EnabledPhases resolves the flow phase toggles into the ordered phase
// list for a new session. An empty toggle map enables every phase.
func EnabledPhases(cfg *FlowConfig) []core.Phase {
	var phases []core.Phase
	for _, p := range core.AllPhases() {
		if len(cfg.Phases) == 0 || cfg.Phases[string(p)] {
			phases = append(phases, p)
		}
	}
	return phases
}

// MustDuration parses a validated duration string, falling back to def on
// error. Call only after Validate has accepted the config.
func MustDuration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
