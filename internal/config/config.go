// Package config loads the gateway configuration from YAML or JSON5
// files, with ${ENV} expansion and $include merging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hearth-ai/hearth/internal/routing"
	"github.com/hearth-ai/hearth/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Session  SessionConfig  `yaml:"session"`
	LLM      LLMConfig      `yaml:"llm"`
	Agents   AgentsConfig   `yaml:"agents"`
	Approval ApprovalConfig `yaml:"approval"`
	Tools    ToolsConfig    `yaml:"tools"`
	Cron     CronConfig     `yaml:"cron"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Addr returns the host:port the gateway listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SessionConfig struct {
	// Backend selects the store: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// HistoryLimit bounds how many messages a turn loads as context.
	HistoryLimit int `yaml:"history_limit"`
}

type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	// Strict enables strict-mode tool schemas on OpenAI-compatible
	// backends.
	Strict bool `yaml:"strict"`
}

// AgentsConfig holds the default agent plus explicit binding rules for
// the cascade (peer > guild > team > account > channel > default).
type AgentsConfig struct {
	Default  models.AgentConfig `yaml:"default"`
	Bindings []routing.Rule     `yaml:"bindings"`
}

type ApprovalConfig struct {
	Allowlist      []string `yaml:"allowlist"`
	Denylist       []string `yaml:"denylist"`
	AutoApprove    bool     `yaml:"auto_approve"`
	AutoDeny       bool     `yaml:"auto_deny"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the configured approval window.
func (a ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type ToolsConfig struct {
	Exec   ExecToolConfig   `yaml:"exec"`
	Memory ToggleToolConfig `yaml:"memory"`
	Clock  ToggleToolConfig `yaml:"clock"`
}

type ExecToolConfig struct {
	Enabled        bool   `yaml:"enabled"`
	WorkspaceRoot  string `yaml:"workspace_root"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ToggleToolConfig struct {
	Enabled bool `yaml:"enabled"`
}

type CronConfig struct {
	Jobs []CronJob `yaml:"jobs"`
}

// CronJob describes one scheduled synthetic inbound turn.
type CronJob struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Text     string `yaml:"text"`

	// SessionKey pins the job to a session; empty routes through the
	// binding cascade like any other inbound message.
	SessionKey string         `yaml:"session_key"`
	Binding    models.Binding `yaml:"binding"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a usable configuration without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "sqlite"
	}
	if cfg.Session.Path == "" {
		cfg.Session.Path = "hearth.db"
	}
	if cfg.Session.HistoryLimit == 0 {
		cfg.Session.HistoryLimit = 100
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Agents.Default.ID == "" {
		cfg.Agents.Default.ID = "main"
	}
	if cfg.Approval.TimeoutSeconds == 0 {
		cfg.Approval.TimeoutSeconds = 120
	}
	if cfg.Tools.Exec.TimeoutSeconds == 0 {
		cfg.Tools.Exec.TimeoutSeconds = 30
	}
}

// Validate checks cross-references the decoder cannot.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown session backend %q", c.Session.Backend)
	}

	if len(c.LLM.Providers) > 0 {
		if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
			return fmt.Errorf("config: default provider %q is not configured", c.LLM.DefaultProvider)
		}
		if err := c.checkAgentProvider(c.Agents.Default); err != nil {
			return err
		}
		for _, rule := range c.Agents.Bindings {
			if err := c.checkAgentProvider(rule.Agent); err != nil {
				return err
			}
		}
	}

	for i, job := range c.Cron.Jobs {
		if strings.TrimSpace(job.Schedule) == "" {
			return fmt.Errorf("config: cron job %d (%s) has no schedule", i, job.Name)
		}
		if strings.TrimSpace(job.Text) == "" {
			return fmt.Errorf("config: cron job %d (%s) has no text", i, job.Name)
		}
	}
	return nil
}

func (c *Config) checkAgentProvider(agent models.AgentConfig) error {
	if agent.Provider == "" {
		return nil
	}
	if _, ok := c.LLM.Providers[agent.Provider]; !ok {
		return fmt.Errorf("config: agent %q references unknown provider %q", agent.ID, agent.Provider)
	}
	return nil
}
