// Package routing resolves an inbound message's identity tuple to the agent
// configuration and session key that should handle it.
package routing

import (
	"fmt"
	"strings"

	"github.com/hearth-ai/hearth/pkg/models"
)

// Level is one specificity level of the binding cascade.
type Level string

const (
	LevelPeer    Level = "peer"
	LevelGuild   Level = "guild"
	LevelTeam    Level = "team"
	LevelAccount Level = "account"
	LevelChannel Level = "channel"
	LevelDefault Level = "default"
)

// cascade is the fixed precedence order, most specific first. Resolution
// returns at the first level holding an explicit configuration.
var cascade = []Level{LevelPeer, LevelGuild, LevelTeam, LevelAccount, LevelChannel}

// Rule binds one identity value at one level to an agent configuration.
type Rule struct {
	Level Level              `yaml:"level" json:"level"`
	ID    string             `yaml:"id" json:"id"`
	Agent models.AgentConfig `yaml:"agent" json:"agent"`
}

// Resolution is the outcome of resolving a binding.
type Resolution struct {
	Agent      models.AgentConfig
	SessionKey string
	Level      Level
}

// Router is a pure resolver from Binding tuples to (AgentConfig, SessionKey).
// It is immutable after construction and safe for concurrent use.
type Router struct {
	defaultAgent models.AgentConfig
	rules        map[Level]map[string]models.AgentConfig
}

// NewRouter builds a router from explicit rules plus the default agent.
// Two rules for the same (level, id) pair are a configuration error: the
// cascade must be total and deterministic.
func NewRouter(defaultAgent models.AgentConfig, rules []Rule) (*Router, error) {
	if defaultAgent.ID == "" {
		defaultAgent.ID = "main"
	}
	table := make(map[Level]map[string]models.AgentConfig, len(cascade))
	for _, rule := range rules {
		level := Level(strings.ToLower(strings.TrimSpace(string(rule.Level))))
		if !validLevel(level) {
			return nil, fmt.Errorf("routing: unknown binding level %q", rule.Level)
		}
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return nil, fmt.Errorf("routing: %s rule is missing an id", level)
		}
		byID := table[level]
		if byID == nil {
			byID = make(map[string]models.AgentConfig)
			table[level] = byID
		}
		if _, exists := byID[id]; exists {
			return nil, fmt.Errorf("routing: duplicate %s binding for %q", level, id)
		}
		agent := rule.Agent
		if agent.ID == "" {
			agent.ID = defaultAgent.ID
		}
		byID[id] = agent
	}
	return &Router{defaultAgent: defaultAgent, rules: table}, nil
}

// Resolve walks the cascade and returns the first explicit configuration,
// or the default agent with the default session key when nothing matches.
func (r *Router) Resolve(binding models.Binding) Resolution {
	for _, level := range cascade {
		id := bindingValue(binding, level)
		if id == "" {
			continue
		}
		if agent, ok := r.rules[level][id]; ok {
			return Resolution{
				Agent:      agent,
				SessionKey: string(level) + ":" + id,
				Level:      level,
			}
		}
	}
	return Resolution{
		Agent:      r.defaultAgent,
		SessionKey: models.DefaultSessionKey,
		Level:      LevelDefault,
	}
}

func bindingValue(binding models.Binding, level Level) string {
	switch level {
	case LevelPeer:
		return strings.TrimSpace(binding.PeerID)
	case LevelGuild:
		return strings.TrimSpace(binding.GuildID)
	case LevelTeam:
		return strings.TrimSpace(binding.TeamID)
	case LevelAccount:
		return strings.TrimSpace(binding.AccountID)
	case LevelChannel:
		return strings.TrimSpace(binding.ChannelID)
	default:
		return ""
	}
}

func validLevel(level Level) bool {
	for _, l := range cascade {
		if l == level {
			return true
		}
	}
	return false
}
