package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistryRegisterGet(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "clock"})

	if _, ok := r.Get("clock"); !ok {
		t.Error("Get(clock) = false after Register")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) = true")
	}

	r.Unregister("clock")
	if _, ok := r.Get("clock"); ok {
		t.Error("Get(clock) = true after Unregister")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "a"})
	r.Register(&fakeTool{name: "b"})
	r.Register(&fakeTool{name: "a"}) // replace

	if got := len(r.List()); got != 2 {
		t.Errorf("List() = %d tools, want 2", got)
	}
}

func TestRegistryExecuteMissingTool(t *testing.T) {
	r := NewToolRegistry()
	out, err := r.Execute(context.Background(), "nope", nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !out.IsError {
		t.Error("missing tool output.IsError = false, want true")
	}
	if !strings.Contains(out.Content, "nope") {
		t.Errorf("output %q does not name the missing tool", out.Content)
	}
}

func TestRegistryExecuteLimits(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{name: "echo"})

	longName := strings.Repeat("x", MaxToolNameLength+1)
	out, err := r.Execute(context.Background(), longName, nil)
	if err != nil || !out.IsError {
		t.Errorf("oversized name: out=%+v err=%v, want error output", out, err)
	}

	bigParams := json.RawMessage(`"` + strings.Repeat("a", MaxToolParamsSize) + `"`)
	out, err = r.Execute(context.Background(), "echo", bigParams)
	if err != nil || !out.IsError {
		t.Errorf("oversized params: out=%+v err=%v, want error output", out, err)
	}
}

func TestRegistryExecuteDispatch(t *testing.T) {
	r := NewToolRegistry()
	r.Register(&fakeTool{
		name: "echo",
		execute: func(_ context.Context, params json.RawMessage) (*ToolOutput, error) {
			return &ToolOutput{Content: string(params)}, nil
		},
	})

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Content != `{"v":1}` {
		t.Errorf("Content = %q", out.Content)
	}
}
