package main

import (
	"strings"
	"testing"

	"github.com/hearth-ai/hearth/internal/config"
	"github.com/hearth-ai/hearth/internal/sessions"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildRegistryHonorsToolToggles(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.Exec.Enabled = true
	cfg.Tools.Clock.Enabled = true
	cfg.Tools.Memory.Enabled = false
	store := sessions.NewMemoryStore(nil)

	registry := buildRegistry(cfg, store)

	for _, name := range []string{"sessions_list", "session_label", "session_reset", "exec", "clock"} {
		if _, ok := registry.Get(name); !ok {
			t.Fatalf("expected tool %q to be registered", name)
		}
	}
	if _, ok := registry.Get("memory"); ok {
		t.Fatal("memory tool should not be registered when disabled")
	}
}

func TestBuildProvidersRequiresDefault(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"openrouter": {APIKey: "key-a", BaseURL: "https://openrouter.ai/api/v1"},
		"groq":       {APIKey: "key-b", BaseURL: "https://api.groq.com/openai/v1"},
	}

	if _, err := buildProviders(cfg); err == nil {
		t.Fatal("expected error when default provider is not configured")
	} else if !strings.Contains(err.Error(), "anthropic") {
		t.Fatalf("error should name the missing provider, got: %v", err)
	}
}

func TestBuildProvidersChainsFallbacks(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.DefaultProvider = "anthropic"
	cfg.LLM.Providers = map[string]config.ProviderConfig{
		"anthropic": {APIKey: "key-a"},
		"groq":      {APIKey: "key-b", BaseURL: "https://api.groq.com/openai/v1"},
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
	if !strings.HasPrefix(providers["anthropic"].Name(), "fallback") {
		t.Fatalf("default should be wrapped in a fallback chain, got %q", providers["anthropic"].Name())
	}
}
