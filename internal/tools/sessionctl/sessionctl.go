// Package sessionctl exposes session management to the model: listing
// sessions, relabeling them, and resetting their history.
package sessionctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/sessions"
	"github.com/hearth-ai/hearth/internal/tools/schema"
)

type sessionSummary struct {
	Key       string `json:"key"`
	AgentID   string `json:"agent_id,omitempty"`
	Label     string `json:"label,omitempty"`
	Model     string `json:"model,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

// ListTool lists sessions from the store.
type ListTool struct {
	store sessions.Store
}

// NewListTool creates a sessions_list tool.
func NewListTool(store sessions.Store) *ListTool {
	return &ListTool{store: store}
}

type listParams struct {
	AgentID string `json:"agent_id,omitempty" jsonschema:"description=Filter by agent id"`
	Limit   int    `json:"limit,omitempty" jsonschema:"description=Max sessions to return (default 25),minimum=1"`
	Offset  int    `json:"offset,omitempty" jsonschema:"description=Pagination offset,minimum=0"`
}

func (t *ListTool) Name() string            { return "sessions_list" }
func (t *ListTool) Description() string     { return "List recent sessions with an optional agent filter." }
func (t *ListTool) Schema() json.RawMessage { return schema.For[listParams]() }
func (t *ListTool) Sensitive() bool         { return false }
func (t *ListTool) Parallel() bool          { return true }

func (t *ListTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolOutput, error) {
	if t.store == nil {
		return toolError("session store unavailable"), nil
	}
	var input listParams
	if err := json.Unmarshal(raw, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	list, err := t.store.List(ctx, sessions.ListOptions{
		AgentID: strings.TrimSpace(input.AgentID),
		Limit:   limit,
		Offset:  input.Offset,
	})
	if err != nil {
		return toolError(err.Error()), nil
	}

	summaries := make([]sessionSummary, 0, len(list))
	for _, s := range list {
		summaries = append(summaries, sessionSummary{
			Key:       s.Key,
			AgentID:   s.AgentID,
			Label:     s.Label,
			Model:     s.Model,
			UpdatedAt: s.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	payload, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode sessions: %v", err)), nil
	}
	return &agent.ToolOutput{Content: string(payload)}, nil
}

// LabelTool sets or clears a session's label.
type LabelTool struct {
	store sessions.Store
}

// NewLabelTool creates a session_label tool.
func NewLabelTool(store sessions.Store) *LabelTool {
	return &LabelTool{store: store}
}

type labelParams struct {
	Key   string `json:"key" jsonschema:"description=Session key to relabel,required"`
	Label string `json:"label,omitempty" jsonschema:"description=New label; empty clears it"`
}

func (t *LabelTool) Name() string            { return "session_label" }
func (t *LabelTool) Description() string     { return "Set or clear the human-readable label on a session." }
func (t *LabelTool) Schema() json.RawMessage { return schema.For[labelParams]() }
func (t *LabelTool) Sensitive() bool         { return false }
func (t *LabelTool) Parallel() bool          { return false }

func (t *LabelTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolOutput, error) {
	if t.store == nil {
		return toolError("session store unavailable"), nil
	}
	var input labelParams
	if err := json.Unmarshal(raw, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return toolError("key is required"), nil
	}

	session, err := t.store.Get(ctx, key)
	if err != nil {
		return toolError(err.Error()), nil
	}
	session.Label = input.Label
	if err := t.store.Update(ctx, session); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolOutput{Content: fmt.Sprintf("session %s labeled %q", key, input.Label)}, nil
}

// ResetTool deletes a session and its history. A fresh session is
// created on the next message to the same key.
type ResetTool struct {
	store sessions.Store
}

// NewResetTool creates a session_reset tool.
func NewResetTool(store sessions.Store) *ResetTool {
	return &ResetTool{store: store}
}

type resetParams struct {
	Key string `json:"key" jsonschema:"description=Session key to reset,required"`
}

func (t *ResetTool) Name() string            { return "session_reset" }
func (t *ResetTool) Description() string     { return "Delete a session and its message history." }
func (t *ResetTool) Schema() json.RawMessage { return schema.For[resetParams]() }
func (t *ResetTool) Sensitive() bool         { return true }
func (t *ResetTool) Parallel() bool          { return false }

func (t *ResetTool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolOutput, error) {
	if t.store == nil {
		return toolError("session store unavailable"), nil
	}
	var input resetParams
	if err := json.Unmarshal(raw, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return toolError("key is required"), nil
	}
	if err := t.store.Delete(ctx, key); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolOutput{Content: "session " + key + " reset"}, nil
}

func toolError(msg string) *agent.ToolOutput {
	return &agent.ToolOutput{Content: msg, IsError: true}
}
