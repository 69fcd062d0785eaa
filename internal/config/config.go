package config

// Config holds all application configuration.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
	State  StateConfig  `mapstructure:"state"`
	Flow   FlowConfig   `mapstructure:"flow"`
	Crews  CrewsConfig  `mapstructure:"crews"`
	Pool   PoolConfig   `mapstructure:"pool"`
	Agents AgentsConfig `mapstructure:"agents"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string   `mapstructure:"addr"`
	RequestTimeout  string   `mapstructure:"request_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	EventBufferSize int      `mapstructure:"event_buffer_size"`
}

// StateConfig configures the durable stores.
type StateConfig struct {
	Backend    string `mapstructure:"backend"` // sqlite or json
	Path       string `mapstructure:"path"`
	BackupPath string `mapstructure:"backup_path"`
}

// FlowConfig configures flow execution.
type FlowConfig struct {
	// Phases toggles individual pipeline phases on or off.
	Phases       map[string]bool `mapstructure:"phases"`
	PhaseTimeout string          `mapstructure:"phase_timeout"`
	StepTimeout  string          `mapstructure:"step_timeout"`
	// MaxParallelSteps bounds concurrent specialists within one phase.
	MaxParallelSteps int `mapstructure:"max_parallel_steps"`
}

// CrewsConfig configures crew definition loading.
type CrewsConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// PoolConfig configures the tenant-scoped agent pool.
type PoolConfig struct {
	// WaitForBusy makes contended checkouts block (bounded by WaitTimeout)
	// instead of returning a busy error immediately.
	WaitForBusy   bool   `mapstructure:"wait_for_busy"`
	WaitTimeout   string `mapstructure:"wait_timeout"`
	IdleThreshold string `mapstructure:"idle_threshold"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// AgentsConfig configures the task-execution capability.
type AgentsConfig struct {
	Provider string `mapstructure:"provider"` // openai or scripted
	Model    string `mapstructure:"model"`
	// APIKey falls back to the OPENAI_API_KEY environment variable when
	// empty. BaseURL targets OpenAI-compatible gateways.
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// MemoryWindow bounds the conversation history an agent instance
	// accumulates between checkouts.
	MemoryWindow int `mapstructure:"memory_window"`
}
