package providers

import (
	"encoding/json"
	"testing"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/pkg/models"
)

func TestNewAnthropicProviderValidation(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("empty API key accepted")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.defaultModel == "" {
		t.Error("default model not applied")
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		wantLen  int
	}{
		{
			name: "system messages skipped",
			messages: []agent.CompletionMessage{
				{Role: "system", Content: "be brief"},
				{Role: "user", Content: "hi"},
			},
			wantLen: 1,
		},
		{
			name: "tool results become user message",
			messages: []agent.CompletionMessage{
				{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "tc-1", Content: "42"}}},
			},
			wantLen: 1,
		},
		{
			name: "empty message dropped",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: ""},
				{Role: "user", Content: "real"},
			},
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertAnthropicMessages(tt.messages)
			if err != nil {
				t.Fatalf("convertAnthropicMessages: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertAnthropicMessagesToolCall(t *testing.T) {
	msgs := []agent.CompletionMessage{
		{
			Role: "assistant",
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
			},
		},
	}
	got, err := convertAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	if got[0].Role != "assistant" {
		t.Errorf("role = %q", got[0].Role)
	}

	// Invalid tool input JSON must surface as an error.
	msgs[0].ToolCalls[0].Input = json.RawMessage(`{broken`)
	if _, err := convertAnthropicMessages(msgs); err == nil {
		t.Error("invalid tool input accepted")
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []agent.Tool{
		&staticTool{name: "search", schema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}
	got, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convertAnthropicTools: %v", err)
	}
	if len(got) != 1 || got[0].OfTool == nil {
		t.Fatalf("got = %+v", got)
	}
	if got[0].OfTool.Name != "search" {
		t.Errorf("tool name = %q", got[0].OfTool.Name)
	}

	bad := []agent.Tool{&staticTool{name: "bad", schema: json.RawMessage(`{oops`)}}
	if _, err := convertAnthropicTools(bad); err == nil {
		t.Error("invalid schema accepted")
	}
}
