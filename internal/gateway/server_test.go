package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/routing"
	"github.com/hearth-ai/hearth/internal/sessions"
	"github.com/hearth-ai/hearth/pkg/models"
)

// scriptedCompletion is one provider round-trip: streamed text pieces,
// optionally followed by a tool call.
type scriptedCompletion struct {
	pieces   []string
	toolCall *models.ToolCall
}

type scriptedProvider struct {
	mu      sync.Mutex
	scripts []scriptedCompletion
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, _ *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	script := p.scripts[idx]
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, len(script.pieces)+2)
	go func() {
		defer close(out)
		for _, piece := range script.pieces {
			select {
			case out <- &agent.CompletionChunk{Text: piece}:
			case <-ctx.Done():
				return
			}
		}
		if script.toolCall != nil {
			out <- &agent.CompletionChunk{ToolCall: script.toolCall}
		}
		out <- &agent.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
	}()
	return out, nil
}

func (p *scriptedProvider) Name() string          { return "fake" }
func (p *scriptedProvider) Models() []agent.Model { return nil }

type gatewayTool struct {
	name      string
	sensitive bool
	output    string
}

func (t *gatewayTool) Name() string            { return t.name }
func (t *gatewayTool) Description() string     { return "test tool" }
func (t *gatewayTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *gatewayTool) Sensitive() bool         { return t.sensitive }
func (t *gatewayTool) Parallel() bool          { return !t.sensitive }
func (t *gatewayTool) Execute(context.Context, json.RawMessage) (*agent.ToolOutput, error) {
	return &agent.ToolOutput{Content: t.output}, nil
}

type testHarness struct {
	server   *Server
	httpSrv  *httptest.Server
	store    sessions.Store
	provider *scriptedProvider
	gate     *agent.ApprovalGate
}

func newTestHarness(t *testing.T, scripts []scriptedCompletion, tools ...agent.Tool) *testHarness {
	t.Helper()

	bus := sessions.NewEventBus()
	store := sessions.NewMemoryStore(bus)
	router, err := routing.NewRouter(models.AgentConfig{ID: "main", Provider: "fake"}, nil)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	registry := agent.NewToolRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	gate := agent.NewApprovalGate(agent.DefaultApprovalPolicy())
	provider := &scriptedProvider{scripts: scripts}

	server, err := NewServer(Options{
		Store:           store,
		Bus:             bus,
		Router:          router,
		Registry:        registry,
		Gate:            gate,
		Providers:       map[string]agent.LLMProvider{"fake": provider},
		DefaultProvider: "fake",
		Version:         "test",
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	httpSrv := httptest.NewServer(server)
	t.Cleanup(httpSrv.Close)
	return &testHarness{
		server:   server,
		httpSrv:  httpSrv,
		store:    store,
		provider: provider,
		gate:     gate,
	}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendReq(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return &frame
}

// readUntilRes collects frames until the res for id arrives, returning the
// res and every chat event seen on the way.
func readUntilRes(t *testing.T, conn *websocket.Conn, id string) (*Frame, []map[string]any) {
	t.Helper()
	var chatEvents []map[string]any
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == "res" && frame.ID == id {
			return frame, chatEvents
		}
		if frame.Type == "event" && frame.Event == "chat" {
			payload, _ := frame.Payload.(map[string]any)
			chatEvents = append(chatEvents, payload)
		}
	}
	t.Fatalf("no res for %q before deadline", id)
	return nil, nil
}

func connectClient(t *testing.T, conn *websocket.Conn, clientID string) *Frame {
	t.Helper()
	sendReq(t, conn, "c1", "connect", map[string]any{
		"minProtocol": 1,
		"maxProtocol": 1,
		"client":      map[string]any{"id": clientID, "version": "1.0", "platform": "test"},
	})
	res := readFrame(t, conn)
	if res.Type != "res" || res.ID != "c1" {
		t.Fatalf("expected connect res, got %+v", res)
	}
	return res
}

func TestHandshake(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)

	res := connectClient(t, conn, "client-a")
	if res.OK == nil || !*res.OK {
		t.Fatalf("handshake failed: %+v", res.Error)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type %T", res.Payload)
	}
	if payload["type"] != "hello-ok" {
		t.Fatalf("payload type = %v", payload["type"])
	}
	if protocol, _ := payload["protocol"].(float64); int(protocol) != 1 {
		t.Fatalf("protocol = %v, want 1", payload["protocol"])
	}
}

func TestHandshakeProtocolMismatchClosesConnection(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)

	sendReq(t, conn, "c1", "connect", map[string]any{
		"minProtocol": 5,
		"maxProtocol": 9,
		"client":      map[string]any{"id": "future", "version": "9.0", "platform": "test"},
	})
	res := readFrame(t, conn)
	if res.OK == nil || *res.OK {
		t.Fatal("expected handshake failure")
	}
	if res.Error == nil || res.Error.Code != errProtocolMismatch {
		t.Fatalf("error = %+v, want %s", res.Error, errProtocolMismatch)
	}

	// The error res above must reach the client before the close frame;
	// the next read sees only the policy-violation close.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("connection should be closed after version mismatch")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("close error = %v, want policy violation", err)
	}
}

func TestRequestBeforeConnectRejected(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)

	sendReq(t, conn, "r1", "ping", nil)
	res := readFrame(t, conn)
	if res.OK == nil || *res.OK {
		t.Fatal("pre-handshake request should fail")
	}
	if res.Error == nil || res.Error.Code != errNotReady {
		t.Fatalf("error = %+v, want %s", res.Error, errNotReady)
	}

	// The connection stays usable for a proper handshake.
	res = connectClient(t, conn, "client-a")
	if res.OK == nil || !*res.OK {
		t.Fatal("handshake after rejection should succeed")
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	sendReq(t, conn, "r1", "no.such.method", map[string]any{})
	res, _ := readUntilRes(t, conn, "r1")
	if res.OK == nil || *res.OK {
		t.Fatal("unknown method should fail")
	}
	if res.Error == nil || res.Error.Code != errMethodNotFound {
		t.Fatalf("error = %+v, want %s", res.Error, errMethodNotFound)
	}
}

func TestChatSendStreamsDeltasBeforeRes(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"He", "llo"}}})
	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	sendReq(t, conn, "r1", "chat.send", map[string]any{"text": "hi"})
	res, chatEvents := readUntilRes(t, conn, "r1")

	if res.OK == nil || !*res.OK {
		t.Fatalf("chat.send failed: %+v", res.Error)
	}

	var deltas []string
	var finalText string
	for _, ev := range chatEvents {
		switch ev["state"] {
		case "delta":
			deltas = append(deltas, ev["text"].(string))
		case "final":
			finalText, _ = ev["text"].(string)
		}
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %v", deltas)
	}
	if finalText != "Hello" {
		t.Fatalf("final = %q, want %q", finalText, "Hello")
	}

	// The turn is durably recorded.
	history, err := h.store.History(context.Background(), models.DefaultSessionKey, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d messages, want 2", len(history))
	}
}

func TestDedupEvictsOlderConnection(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})

	first := h.dial(t)
	connectClient(t, first, "client-dup")

	second := h.dial(t)
	connectClient(t, second, "client-dup")

	// The first connection gets closed server-side.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	closed := false
	for !closed {
		if _, _, err := first.ReadMessage(); err != nil {
			closed = true
		}
	}

	// The second connection keeps working.
	sendReq(t, second, "r1", "ping", nil)
	res, _ := readUntilRes(t, second, "r1")
	if res.OK == nil || !*res.OK {
		t.Fatal("replacement connection should be live")
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	input := json.RawMessage(`{"command":"rm -rf /tmp/x"}`)
	scripts := []scriptedCompletion{
		{toolCall: &models.ToolCall{ID: "t1", Name: "danger", Input: input}},
		{pieces: []string{"all clear"}},
	}
	h := newTestHarness(t, scripts, &gatewayTool{name: "danger", sensitive: true, output: "done"})
	conn := h.dial(t)
	connectClient(t, conn, "operator")

	sendReq(t, conn, "r1", "chat.send", map[string]any{"text": "clean up"})

	// Wait for the approval request while the turn is blocked on the gate.
	var requestID string
	deadline := time.Now().Add(10 * time.Second)
	for requestID == "" && time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == "event" && frame.Event == "exec.approval.requested" {
			payload := frame.Payload.(map[string]any)
			requestID, _ = payload["requestId"].(string)
			if payload["command"] != "rm -rf /tmp/x" {
				t.Fatalf("command = %v", payload["command"])
			}
		}
	}
	if requestID == "" {
		t.Fatal("no approval request observed")
	}

	sendReq(t, conn, "r2", "exec.approval.resolve", map[string]any{
		"requestId": requestID,
		"decision":  "approved",
	})

	// Both the resolve res and the chat res arrive; order between them is
	// the order the handlers finished in.
	sawResolve := false
	var chatRes *Frame
	var chatEvents []map[string]any
	for chatRes == nil && time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		switch {
		case frame.Type == "res" && frame.ID == "r2":
			sawResolve = true
			if frame.OK == nil || !*frame.OK {
				t.Fatalf("resolve failed: %+v", frame.Error)
			}
		case frame.Type == "res" && frame.ID == "r1":
			chatRes = frame
		case frame.Type == "event" && frame.Event == "chat":
			payload, _ := frame.Payload.(map[string]any)
			chatEvents = append(chatEvents, payload)
		}
	}
	if !sawResolve {
		t.Fatal("no res for approval resolve")
	}
	if chatRes == nil || chatRes.OK == nil || !*chatRes.OK {
		t.Fatalf("chat.send should succeed after approval, got %+v", chatRes)
	}

	sawToolEnd := false
	sawFinal := false
	for _, ev := range chatEvents {
		if ev["state"] == "tool_call_end" {
			sawToolEnd = true
			result, _ := ev["toolResult"].(map[string]any)
			if success, _ := result["success"].(bool); !success {
				t.Fatalf("approved tool call should succeed: %v", result)
			}
		}
		if ev["state"] == "final" && ev["text"] == "all clear" {
			sawFinal = true
		}
	}
	if !sawToolEnd || !sawFinal {
		t.Fatalf("missing tool_call_end (%v) or final (%v)", sawToolEnd, sawFinal)
	}
}

func TestApprovalResolveUnknownRequest(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	sendReq(t, conn, "r1", "exec.approval.resolve", map[string]any{
		"requestId": "nope",
		"decision":  "approved",
	})
	res, _ := readUntilRes(t, conn, "r1")
	if res.OK == nil || *res.OK {
		t.Fatal("unknown approval id should fail")
	}
	if res.Error == nil || res.Error.Code != errUnknownApproval {
		t.Fatalf("error = %+v, want %s", res.Error, errUnknownApproval)
	}
}

func TestSessionPatchNullVsAbsent(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	ctx := context.Background()
	session, err := h.store.GetOrCreate(ctx, "peer:alice", "main")
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	session.Label = "old label"
	session.Model = "old-model"
	if err := h.store.Update(ctx, session); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	// Absent model leaves it alone; explicit label change applies.
	sendReq(t, conn, "r1", "session.patch", map[string]any{
		"key":   "peer:alice",
		"label": "new label",
	})
	res, _ := readUntilRes(t, conn, "r1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("patch failed: %+v", res.Error)
	}

	got, err := h.store.Get(ctx, "peer:alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Label != "new label" || got.Model != "old-model" {
		t.Fatalf("after patch: label=%q model=%q", got.Label, got.Model)
	}

	// Explicit null clears the model.
	sendReq(t, conn, "r2", "session.patch", map[string]any{
		"key":   "peer:alice",
		"model": nil,
	})
	res, _ = readUntilRes(t, conn, "r2")
	if res.OK == nil || !*res.OK {
		t.Fatalf("null patch failed: %+v", res.Error)
	}
	got, err = h.store.Get(ctx, "peer:alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Model != "" {
		t.Fatalf("model = %q, want cleared", got.Model)
	}
	if got.Label != "new label" {
		t.Fatalf("label = %q, should be untouched", got.Label)
	}
}

func TestChatAbortWithoutActiveTurn(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	sendReq(t, conn, "r1", "chat.abort", map[string]any{"sessionKey": "main"})
	res, _ := readUntilRes(t, conn, "r1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("abort res failed: %+v", res.Error)
	}
	payload := res.Payload.(map[string]any)
	if aborted, _ := payload["aborted"].(bool); aborted {
		t.Fatal("aborted should be false with no active turn")
	}
}

func TestSessionDeleteEmitsEvent(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	ctx := context.Background()
	if _, err := h.store.GetOrCreate(ctx, "peer:bob", "main"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	sendReq(t, conn, "r1", "session.delete", map[string]any{"key": "peer:bob"})

	sawDeleted := false
	deadline := time.Now().Add(5 * time.Second)
	var res *Frame
	for time.Now().Before(deadline) && (res == nil || !sawDeleted) {
		frame := readFrame(t, conn)
		if frame.Type == "event" && frame.Event == "session.event" {
			payload, _ := frame.Payload.(map[string]any)
			if payload["kind"] == "deleted" && payload["sessionKey"] == "peer:bob" {
				sawDeleted = true
			}
		}
		if frame.Type == "res" && frame.ID == "r1" {
			res = frame
		}
	}
	if res == nil || res.OK == nil || !*res.OK {
		t.Fatalf("delete res = %+v", res)
	}
	if !sawDeleted {
		t.Fatal("no deleted session event observed")
	}
	if _, err := h.store.Get(ctx, "peer:bob"); err == nil {
		t.Fatal("session should be gone")
	}
}

func TestEveryRequestGetsExactlyOneRes(t *testing.T) {
	h := newTestHarness(t, []scriptedCompletion{{pieces: []string{"hi"}}})
	conn := h.dial(t)
	connectClient(t, conn, "client-a")

	const n = 5
	for i := 0; i < n; i++ {
		sendReq(t, conn, fmt.Sprintf("req-%d", i), "ping", nil)
	}

	seen := make(map[string]int)
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < n && time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == "res" {
			seen[frame.ID]++
		}
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%d", i)
		if seen[id] != 1 {
			t.Fatalf("res count for %s = %d, want 1", id, seen[id])
		}
	}
}
