package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hearth-ai/hearth/pkg/models"
)

// fakeTool is a scriptable Tool for executor and loop tests.
type fakeTool struct {
	name      string
	sensitive bool
	parallel  bool
	execute   func(ctx context.Context, params json.RawMessage) (*ToolOutput, error)
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool " + t.name }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *fakeTool) Sensitive() bool         { return t.sensitive }
func (t *fakeTool) Parallel() bool          { return t.parallel }

func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolOutput, error) {
	if t.execute != nil {
		return t.execute(ctx, params)
	}
	return &ToolOutput{Content: "ok"}, nil
}

// scriptedResponse is one provider round-trip: some text chunks and
// optionally tool calls.
type scriptedResponse struct {
	text      []string
	toolCalls []models.ToolCall
	err       error
}

// fakeProvider replays scripted responses in order, one per Complete call.
type fakeProvider struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	lastReq   *CompletionRequest
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.lastReq = req
	p.mu.Unlock()

	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	if resp.err != nil {
		return nil, resp.err
	}

	ch := make(chan *CompletionChunk, len(resp.text)+len(resp.toolCalls)+1)
	for _, text := range resp.text {
		ch <- &CompletionChunk{Text: text}
	}
	for i := range resp.toolCalls {
		ch <- &CompletionChunk{ToolCall: &resp.toolCalls[i]}
	}
	ch <- &CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Models() []Model {
	return []Model{{ID: "fake-1", Name: "Fake One", ContextSize: 8192}}
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
