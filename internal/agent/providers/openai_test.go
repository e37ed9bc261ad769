package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/pkg/models"
)

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAIProvider{name: "openai"}

	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		system   string
		wantLen  int
	}{
		{
			name: "basic text messages",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi there!"},
			},
			system:  "You are a helpful assistant",
			wantLen: 3,
		},
		{
			name: "assistant tool call",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "What's the weather?"},
				{
					Role: "assistant",
					ToolCalls: []models.ToolCall{
						{ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"NYC"}`)},
					},
				},
			},
			wantLen: 2,
		},
		{
			name: "tool results fan out one message each",
			messages: []agent.CompletionMessage{
				{
					Role: "tool",
					ToolResults: []models.ToolResult{
						{ToolCallID: "call_1", Content: "sunny"},
						{ToolCallID: "call_2", Content: "rainy"},
					},
				},
			},
			wantLen: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.convertMessages(tt.messages, tt.system)
			if len(got) != tt.wantLen {
				t.Errorf("got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestOpenAIConvertMessagesToolLinking(t *testing.T) {
	p := &OpenAIProvider{name: "openai"}

	got := p.convertMessages([]agent.CompletionMessage{
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "call_9", Content: "42"}}},
	}, "")

	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleTool {
		t.Errorf("role = %q", got[0].Role)
	}
	if got[0].ToolCallID != "call_9" {
		t.Errorf("ToolCallID = %q", got[0].ToolCallID)
	}
}

func TestOpenAIConvertToolsBadSchema(t *testing.T) {
	p := &OpenAIProvider{name: "openai"}
	tools := p.convertTools([]agent.Tool{
		&staticTool{name: "bad", schema: json.RawMessage(`{not json`)},
	})

	if len(tools) != 1 {
		t.Fatalf("got %d tools", len(tools))
	}
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("bad schema did not degrade to empty object: %v", tools[0].Function.Parameters)
	}
}

func TestPatchSchemaForStrictMode(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"nested": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"inner": map[string]any{"type": "number"},
				},
			},
			"list": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object", "properties": map[string]any{}},
			},
		},
	}

	patchSchemaForStrictMode(schema)

	if schema["additionalProperties"] != false {
		t.Error("top level missing additionalProperties:false")
	}
	required, ok := schema["required"].([]any)
	if !ok || len(required) != 3 {
		t.Errorf("required = %v, want all 3 properties", schema["required"])
	}

	nested := schema["properties"].(map[string]any)["nested"].(map[string]any)
	if nested["additionalProperties"] != false {
		t.Error("nested object missing additionalProperties:false")
	}

	items := schema["properties"].(map[string]any)["list"].(map[string]any)["items"].(map[string]any)
	if items["additionalProperties"] != false {
		t.Error("array items object missing additionalProperties:false")
	}
}

func TestPatchSchemaForStrictModeVariants(t *testing.T) {
	schema := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}},
			map[string]any{"type": "string"},
		},
	}
	patchSchemaForStrictMode(schema)

	variant := schema["anyOf"].([]any)[0].(map[string]any)
	if variant["additionalProperties"] != false {
		t.Error("anyOf object variant not patched")
	}
	req, ok := variant["required"].([]any)
	if !ok || len(req) != 1 || req[0] != "a" {
		t.Errorf("variant required = %v", variant["required"])
	}
}

func TestNewOpenAIProviderValidation(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("empty API key accepted")
	}

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", Name: "local", BaseURL: "http://localhost:8080/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	if p.Name() != "local" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestIsRetryableAPIError(t *testing.T) {
	tests := []struct {
		err  string
		want bool
	}{
		{"429 too many requests", true},
		{"503 service unavailable", true},
		{"request timeout", true},
		{"connection reset by peer", true},
		{"invalid api key", false},
		{"400 bad request", false},
	}
	for _, tt := range tests {
		if got := isRetryableAPIError(errors.New(tt.err)); got != tt.want {
			t.Errorf("isRetryableAPIError(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// staticTool is a minimal Tool for conversion tests.
type staticTool struct {
	name   string
	schema json.RawMessage
}

func (t *staticTool) Name() string            { return t.name }
func (t *staticTool) Description() string     { return "static " + t.name }
func (t *staticTool) Schema() json.RawMessage { return t.schema }
func (t *staticTool) Sensitive() bool         { return false }
func (t *staticTool) Parallel() bool          { return false }

func (t *staticTool) Execute(_ context.Context, _ json.RawMessage) (*agent.ToolOutput, error) {
	return &agent.ToolOutput{Content: "ok"}, nil
}
