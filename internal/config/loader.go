package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "DATASCOUT",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "DATASCOUT",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (DATASCOUT_*)
// 3. Project config (.datascout.yaml in current directory)
// 4. User config (~/.config/datascout/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".datascout")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "datascout"))
		}
	}

	// Read config file (ignore not found)
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Server defaults
	l.v.SetDefault("server.addr", ":8321")
	l.v.SetDefault("server.request_timeout", "60s")
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.event_buffer_size", 256)

	// State defaults (unified under .datascout/)
	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".datascout/state/engine.db")
	l.v.SetDefault("state.backup_path", ".datascout/state/engine.db.bak")

	// Flow defaults: all phases enabled
	l.v.SetDefault("flow.phases.map", true)
	l.v.SetDefault("flow.phases.cleanse", true)
	l.v.SetDefault("flow.phases.classify", true)
	l.v.SetDefault("flow.phases.depgraph", true)
	l.v.SetDefault("flow.phases.risk", true)
	l.v.SetDefault("flow.phase_timeout", "30m")
	l.v.SetDefault("flow.step_timeout", "5m")
	l.v.SetDefault("flow.max_parallel_steps", 4)

	// Crew defaults
	l.v.SetDefault("crews.path", ".datascout/crews")
	l.v.SetDefault("crews.watch", false)

	// Pool defaults
	l.v.SetDefault("pool.wait_for_busy", false)
	l.v.SetDefault("pool.wait_timeout", "30s")
	l.v.SetDefault("pool.idle_threshold", "15m")
	l.v.SetDefault("pool.sweep_interval", "1m")

	// Agent defaults
	l.v.SetDefault("agents.provider", "openai")
	l.v.SetDefault("agents.model", "gpt-4o-mini")
	l.v.SetDefault("agents.max_tokens", 4096)
	l.v.SetDefault("agents.temperature", 0.2)
	l.v.SetDefault("agents.memory_window", 20)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
