package models

import "time"

// DefaultSessionKey is the sentinel key used when binding resolution finds
// no explicit configuration at any level.
const DefaultSessionKey = "main"

// Session is the metadata record for one conversation's durable turn log,
// identified by its Key ("<scope>:<identifier>" or the default sentinel).
type Session struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	AgentID   string         `json:"agent_id"`
	Label     string         `json:"label,omitempty"`
	Model     string         `json:"model,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Binding is the identity tuple of an inbound message. Every field is
// optional; resolution walks the precedence cascade peer > guild > team >
// account > channel > default.
type Binding struct {
	PeerID    string `json:"peer_id,omitempty" yaml:"peer_id"`
	GuildID   string `json:"guild_id,omitempty" yaml:"guild_id"`
	TeamID    string `json:"team_id,omitempty" yaml:"team_id"`
	AccountID string `json:"account_id,omitempty" yaml:"account_id"`
	ChannelID string `json:"channel_id,omitempty" yaml:"channel_id"`
}

// AgentConfig is the per-agent configuration a binding resolves to.
type AgentConfig struct {
	ID           string `json:"id" yaml:"id"`
	Model        string `json:"model,omitempty" yaml:"model"`
	Provider     string `json:"provider,omitempty" yaml:"provider"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`
}
