// Package memory exposes a long-term memory tool backed by a pluggable
// service. The gateway treats the backend as a black box: any store
// that can save and search text fragments can serve it.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/tools/schema"
)

// Fragment is one remembered item.
type Fragment struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Service is the backend contract for memory storage and retrieval.
type Service interface {
	Remember(ctx context.Context, content string) (string, error)
	Recall(ctx context.Context, query string, limit int) ([]Fragment, error)
	Forget(ctx context.Context, id string) error
}

type params struct {
	Action  string `json:"action" jsonschema:"description=One of: remember recall forget,required"`
	Content string `json:"content,omitempty" jsonschema:"description=Text to remember"`
	Query   string `json:"query,omitempty" jsonschema:"description=Search query for recall"`
	ID      string `json:"id,omitempty" jsonschema:"description=Fragment id for forget"`
	Limit   int    `json:"limit,omitempty" jsonschema:"description=Max fragments to recall (default 5),minimum=1"`
}

// Tool forwards memory operations to the configured service.
type Tool struct {
	service Service
}

// New creates a memory tool over the given service.
func New(service Service) *Tool {
	return &Tool{service: service}
}

func (t *Tool) Name() string { return "memory" }

func (t *Tool) Description() string {
	return "Store, search, and delete long-term memories across sessions."
}

func (t *Tool) Schema() json.RawMessage { return schema.For[params]() }
func (t *Tool) Sensitive() bool         { return false }
func (t *Tool) Parallel() bool          { return false }

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolOutput, error) {
	if t.service == nil {
		return toolError("memory service unavailable"), nil
	}
	var input params
	if err := json.Unmarshal(raw, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "remember":
		if strings.TrimSpace(input.Content) == "" {
			return toolError("content is required for remember"), nil
		}
		id, err := t.service.Remember(ctx, input.Content)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return &agent.ToolOutput{Content: "remembered as " + id}, nil

	case "recall":
		if strings.TrimSpace(input.Query) == "" {
			return toolError("query is required for recall"), nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 5
		}
		fragments, err := t.service.Recall(ctx, input.Query, limit)
		if err != nil {
			return toolError(err.Error()), nil
		}
		if len(fragments) == 0 {
			return &agent.ToolOutput{Content: "no matching memories"}, nil
		}
		payload, err := json.MarshalIndent(fragments, "", "  ")
		if err != nil {
			return toolError(fmt.Sprintf("encode fragments: %v", err)), nil
		}
		return &agent.ToolOutput{Content: string(payload)}, nil

	case "forget":
		if strings.TrimSpace(input.ID) == "" {
			return toolError("id is required for forget"), nil
		}
		if err := t.service.Forget(ctx, input.ID); err != nil {
			return toolError(err.Error()), nil
		}
		return &agent.ToolOutput{Content: "forgot " + input.ID}, nil

	default:
		return toolError(fmt.Sprintf("unknown action %q", input.Action)), nil
	}
}

func toolError(msg string) *agent.ToolOutput {
	return &agent.ToolOutput{Content: msg, IsError: true}
}
