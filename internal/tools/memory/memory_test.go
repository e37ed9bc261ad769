package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestMemoryRememberRecall(t *testing.T) {
	tool := New(NewInMemoryService())
	ctx := context.Background()

	out, err := tool.Execute(ctx, json.RawMessage(`{"action":"remember","content":"the deploy key lives in vault"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.IsError {
		t.Fatalf("remember failed: %s", out.Content)
	}

	out, err = tool.Execute(ctx, json.RawMessage(`{"action":"recall","query":"deploy key"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.IsError {
		t.Fatalf("recall failed: %s", out.Content)
	}

	var fragments []Fragment
	if err := json.Unmarshal([]byte(out.Content), &fragments); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fragments) != 1 || !strings.Contains(fragments[0].Content, "vault") {
		t.Errorf("fragments = %+v", fragments)
	}
}

func TestMemoryRecallRanking(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()
	svc.Remember(ctx, "alpha beta gamma")
	svc.Remember(ctx, "alpha only")
	svc.Remember(ctx, "unrelated text")

	fragments, err := svc.Recall(ctx, "alpha beta", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(fragments) != 2 {
		t.Fatalf("got %d fragments, want 2", len(fragments))
	}
	if fragments[0].Content != "alpha beta gamma" {
		t.Errorf("best match = %q", fragments[0].Content)
	}
	if fragments[0].Score <= fragments[1].Score {
		t.Errorf("scores not descending: %v then %v", fragments[0].Score, fragments[1].Score)
	}
}

func TestMemoryRecallLimit(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()
	for range [5]struct{}{} {
		svc.Remember(ctx, "same topic note")
	}
	fragments, _ := svc.Recall(ctx, "topic", 2)
	if len(fragments) != 2 {
		t.Errorf("got %d fragments, want limit 2", len(fragments))
	}
}

func TestMemoryForget(t *testing.T) {
	svc := NewInMemoryService()
	tool := New(svc)
	ctx := context.Background()

	id, _ := svc.Remember(ctx, "temporary note")
	out, err := tool.Execute(ctx, json.RawMessage(`{"action":"forget","id":"`+id+`"}`))
	if err != nil || out.IsError {
		t.Fatalf("forget failed: out=%+v err=%v", out, err)
	}

	fragments, _ := svc.Recall(ctx, "temporary", 10)
	if len(fragments) != 0 {
		t.Errorf("fragment survived forget: %+v", fragments)
	}

	out, _ = tool.Execute(ctx, json.RawMessage(`{"action":"forget","id":"`+id+`"}`))
	if !out.IsError {
		t.Error("forgetting twice succeeded")
	}
}

func TestMemoryValidation(t *testing.T) {
	tool := New(NewInMemoryService())
	ctx := context.Background()

	tests := []string{
		`{"action":"remember"}`,
		`{"action":"recall"}`,
		`{"action":"forget"}`,
		`{"action":"transmute"}`,
	}
	for _, raw := range tests {
		out, err := tool.Execute(ctx, json.RawMessage(raw))
		if err != nil {
			t.Fatalf("Execute(%s): %v", raw, err)
		}
		if !out.IsError {
			t.Errorf("accepted %s", raw)
		}
	}
}

func TestMemoryNoMatches(t *testing.T) {
	tool := New(NewInMemoryService())
	out, _ := tool.Execute(context.Background(), json.RawMessage(`{"action":"recall","query":"nothing"}`))
	if out.IsError || !strings.Contains(out.Content, "no matching") {
		t.Errorf("out = %+v", out)
	}
}
