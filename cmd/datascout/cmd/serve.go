package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/datascout/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/datascout/internal/agent"
	"github.com/hugo-lorenzo-mato/datascout/internal/api"
	"github.com/hugo-lorenzo-mato/datascout/internal/config"
	"github.com/hugo-lorenzo-mato/datascout/internal/core"
	"github.com/hugo-lorenzo-mato/datascout/internal/crew"
	"github.com/hugo-lorenzo-mato/datascout/internal/events"
	"github.com/hugo-lorenzo-mato/datascout/internal/flow"
	"github.com/hugo-lorenzo-mato/datascout/internal/logging"
	"github.com/hugo-lorenzo-mato/datascout/internal/phase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the discovery engine server",
	Long: `Start the datascout engine with its REST API.

The server exposes session lifecycle operations (create, advance, pause,
resume), insight queries, and an SSE event stream.

Examples:
  # Start with defaults (:8321, sqlite state)
  datascout serve

  # Custom listen address
  datascout serve --addr :9000

  # Deterministic agents for local development
  DATASCOUT_AGENTS_PROVIDER=scripted datascout serve`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})

	store, err := state.NewStore(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("failed to close state store", "error", closeErr)
		}
	}()
	logger.Info("state store initialized", "backend", cfg.State.Backend, "path", cfg.State.Path)

	bus := events.New(cfg.Server.EventBufferSize)
	defer bus.Close()

	// Terminal session events arrive on the lossless priority channel,
	// so they reach the log even when the SSE fan-out is saturated and
	// dropping. The channel closes with the bus.
	terminal := bus.SubscribePriority()
	go func() {
		for event := range terminal {
			logger.WithSession(event.SessionID()).Info("session reached terminal state",
				"event", event.EventType())
		}
	}()

	factory, err := buildInvokerFactory(&cfg.Agents)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolOpts := agent.DefaultPoolOptions()
	poolOpts.WaitForBusy = cfg.Pool.WaitForBusy
	poolOpts.WaitTimeout = config.MustDuration(cfg.Pool.WaitTimeout, poolOpts.WaitTimeout)
	poolOpts.IdleThreshold = config.MustDuration(cfg.Pool.IdleThreshold, poolOpts.IdleThreshold)
	poolOpts.SweepInterval = config.MustDuration(cfg.Pool.SweepInterval, poolOpts.SweepInterval)
	poolOpts.MemoryWindow = cfg.Agents.MemoryWindow
	pool := agent.NewPool(factory, poolOpts, logger)
	go pool.Run(ctx)

	registry, err := crew.NewRegistry(cfg.Crews.Path, logger)
	if err != nil {
		return fmt.Errorf("loading crew definitions: %w", err)
	}
	if cfg.Crews.Watch {
		go func() {
			if watchErr := registry.Watch(ctx); watchErr != nil {
				logger.Warn("crew definition watch stopped", "error", watchErr)
			}
		}()
	}

	coordinator := crew.NewCoordinator(pool, store, bus, logger, crew.Options{
		StepTimeout:      config.MustDuration(cfg.Flow.StepTimeout, crew.DefaultOptions().StepTimeout),
		MaxParallelSteps: cfg.Flow.MaxParallelSteps,
	})
	executor := phase.NewExecutor(registry, coordinator, store, store, bus, logger)

	defs := phase.DefaultDefinitions()
	phaseTimeout := config.MustDuration(cfg.Flow.PhaseTimeout, 0)
	if phaseTimeout > 0 {
		for p, def := range defs {
			def.Timeout = phaseTimeout
			defs[p] = def
		}
	}

	bridge := flow.NewBridge(store, store, logger)
	manager := flow.NewManager(bridge, executor, defs, bus, logger)

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	server := api.NewServer(manager, store, bus, logger,
		api.WithRequestTimeout(config.MustDuration(cfg.Server.RequestTimeout, 0)),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithDefaultPhases(config.EnabledPhases(&cfg.Flow)),
	)

	logger.Info("server starting", "addr", addr, "provider", cfg.Agents.Provider)
	return server.ListenAndServe(ctx, addr)
}

// buildInvokerFactory selects the agent provider. The scripted provider
// needs no credentials and answers every step with an empty output.
func buildInvokerFactory(cfg *config.AgentsConfig) (core.InvokerFactory, error) {
	switch cfg.Provider {
	case "scripted":
		return agent.NewScriptedFactory(), nil
	case "openai", "":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return agent.NewOpenAIFactory(agent.OpenAIOptions{
			APIKey:      apiKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	default:
		return nil, core.ErrConfiguration(core.CodeInvalidConfig,
			fmt.Sprintf("unknown agents.provider %q", cfg.Provider))
	}
}
