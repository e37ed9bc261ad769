package agent

import (
	"context"
	"encoding/json"

	"github.com/hearth-ai/hearth/pkg/models"
)

// LLMProvider is the uniform interface over language-model backends.
//
// Implementations must be safe for concurrent use: multiple turns may call
// Complete simultaneously. Rate and concurrency limiting are the provider's
// responsibility, not the loop's.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response channel.
	// Non-streaming backends send a single chunk carrying the full text
	// followed by the Done chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name used for routing and accounting.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model
}

// CompletionRequest contains all parameters for one provider round-trip.
type CompletionRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []Tool              `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single message in the outbound prompt.
// Role values: "user", "assistant", "system", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a streaming response. Text chunks carry
// only incremental text; token counts arrive on the final (Done) chunk.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
	Error        error            `json:"-"`
}

// Model describes an available model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool is a callable capability exposed to the model.
//
// Sensitive tools are gated behind operator approval before execution.
// Tools reporting Parallel() true declare themselves side-effect-free and
// may run concurrently within one iteration.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Sensitive() bool
	Parallel() bool
	Execute(ctx context.Context, params json.RawMessage) (*ToolOutput, error)
}

// ToolOutput is the result of a tool execution. Errors the model should see
// are communicated with IsError=true rather than a Go error.
type ToolOutput struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
