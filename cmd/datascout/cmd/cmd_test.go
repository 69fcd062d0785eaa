package cmd

import (
	"testing"

	"github.com/hugo-lorenzo-mato/datascout/internal/config"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "version"} {
		if !names[want] {
			t.Errorf("root command missing %q subcommand", want)
		}
	}
}

func TestBuildInvokerFactoryScripted(t *testing.T) {
	factory, err := buildInvokerFactory(&config.AgentsConfig{Provider: "scripted"})
	if err != nil {
		t.Fatalf("buildInvokerFactory() error = %v", err)
	}
	if factory == nil {
		t.Fatal("buildInvokerFactory() returned nil factory")
	}
}

func TestBuildInvokerFactoryUnknownProvider(t *testing.T) {
	if _, err := buildInvokerFactory(&config.AgentsConfig{Provider: "oracle"}); err == nil {
		t.Fatal("buildInvokerFactory() expected error for unknown provider")
	}
}

func TestBuildInvokerFactoryOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := buildInvokerFactory(&config.AgentsConfig{Provider: "openai"}); err == nil {
		t.Fatal("buildInvokerFactory() expected error without API key")
	}
}
