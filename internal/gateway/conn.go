package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/outbound"
	"github.com/hearth-ai/hearth/internal/sessions"
	"github.com/hearth-ai/hearth/pkg/models"
)

// wsConn is one protocol session. The readLoop goroutine owns the
// handshake and frame decoding; each request after the handshake is
// dispatched on its own goroutine so a streaming turn never blocks
// unrelated requests. All writes funnel through the send channel, which
// preserves the order frames were produced in.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	flush  chan chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	connected atomic.Bool
	seq       int64

	mu          sync.Mutex
	clientID    string
	idempotency map[string]struct{}

	closeOnce sync.Once
}

func newWSConn(s *Server, conn *websocket.Conn, parent context.Context) *wsConn {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &wsConn{
		server:      s,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		flush:       make(chan chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		id:          uuid.NewString(),
		idempotency: make(map[string]struct{}),
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.server.removeConn(c)
		c.mu.Lock()
		clientID := c.clientID
		c.mu.Unlock()
		c.server.dedup.release(clientID, c)
		_ = c.conn.Close()
	})
}

// closeWithReason sends a close control frame before tearing down. Used
// for dedup eviction and protocol mismatch.
func (c *wsConn) closeWithReason(code, message string) {
	deadline := time.Now().Add(wsWriteWait)
	payload := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code+": "+message)
	_ = c.conn.WriteControl(websocket.CloseMessage, payload, deadline)
	c.close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame resets the idle clock, not just pongs.
		_ = c.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			if frame != nil && frame.ID != "" {
				c.sendError(frame.ID, errInvalidFrame, err.Error())
			}
			// Malformed JSON has no usable id; drop it silently.
			continue
		}
		if c.server.metrics != nil {
			c.server.metrics.FrameIn(frame.Type)
		}

		if !c.connected.Load() {
			if frame.Method != "connect" {
				c.sendError(frame.ID, errNotReady, "first request must be connect")
				continue
			}
			if !c.handleConnect(frame) {
				return
			}
			continue
		}

		c.mu.Lock()
		clientID := c.clientID
		c.mu.Unlock()
		c.server.dedup.touch(clientID)

		go c.dispatch(frame)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			if !c.writeFrame(msg) {
				return
			}
		case ack := <-c.flush:
			// Drain everything queued before the flush request, then ack.
			drained := false
			for !drained {
				select {
				case msg := <-c.send:
					if !c.writeFrame(msg) {
						close(ack)
						return
					}
				default:
					drained = true
				}
			}
			close(ack)
		}
	}
}

func (c *wsConn) writeFrame(msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.close()
		return false
	}
	return true
}

// flushSend blocks until the write loop has written everything queued
// before the call.
func (c *wsConn) flushSend() {
	ack := make(chan struct{})
	select {
	case c.flush <- ack:
		select {
		case <-ack:
		case <-c.ctx.Done():
		}
	case <-c.ctx.Done():
	}
}

// decodeFrame parses and validates an inbound frame. When the envelope
// parses but validation fails, the partial frame is returned alongside
// the error so the caller can address the reply.
func (c *wsConn) decodeFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return &frame, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		return &frame, err
	}
	return &frame, nil
}

// dispatch runs one request handler. Exactly one res goes out per req,
// even when the handler panics.
func (c *wsConn) dispatch(frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.server.logger.Error("request handler panic",
				"method", frame.Method,
				"request_id", frame.ID,
				"panic", r)
			c.sendError(frame.ID, errRequestFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	var err error
	switch frame.Method {
	case "connect":
		err = fmt.Errorf("already connected")
	case "ping":
		err = c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "health":
		err = c.sendResponse(frame.ID, true, c.healthSnapshot(), nil)
	case "chat.send":
		err = c.handleChatSend(frame)
	case "chat.history":
		err = c.handleChatHistory(frame)
	case "chat.abort":
		err = c.handleChatAbort(frame)
	case "sessions.list":
		err = c.handleSessionsList(frame)
	case "session.patch":
		err = c.handleSessionPatch(frame)
	case "session.delete":
		err = c.handleSessionDelete(frame)
	case "session.reset":
		err = c.handleSessionReset(frame)
	case "exec.approvals.list":
		err = c.handleApprovalsList(frame)
	case "exec.approval.resolve":
		err = c.handleApprovalResolve(frame)
	default:
		c.sendError(frame.ID, errMethodNotFound, fmt.Sprintf("unknown method %q", frame.Method))
		return
	}
	if err != nil {
		c.sendError(frame.ID, errRequestFailed, err.Error())
	}
}

// handleConnect negotiates the protocol version and claims the client's
// dedup slot. Runs inline on the readLoop so the connection is ready
// before the next frame is read. Returns false when the connection must
// be torn down.
func (c *wsConn) handleConnect(frame *Frame) bool {
	var params connectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, errInvalidFrame, err.Error())
		return true
	}

	lo := params.MinProtocol
	if lo < protocolMin {
		lo = protocolMin
	}
	hi := params.MaxProtocol
	if hi > protocolMax {
		hi = protocolMax
	}
	if lo > hi {
		c.sendError(frame.ID, errProtocolMismatch,
			fmt.Sprintf("no common protocol version in [%d,%d], server supports [%d,%d]",
				params.MinProtocol, params.MaxProtocol, protocolMin, protocolMax))
		// Wait for the write loop to put the error res on the wire, then close.
		c.flushSend()
		c.closeWithReason("protocol_mismatch", "no common protocol version")
		return false
	}
	negotiated := hi

	clientID := strings.TrimSpace(params.Client.ID)
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()
	if evicted := c.server.dedup.claim(clientID, c); evicted != nil {
		evicted.closeWithReason("duplicate_connection", "replaced by a newer connection with the same client id")
	}

	c.server.addConn(c)
	c.connected.Store(true)

	payload := map[string]any{
		"type":     "hello-ok",
		"protocol": negotiated,
		"server": map[string]any{
			"id":      c.id,
			"version": c.server.version,
		},
		"features": map[string]any{
			"methods": supportedMethods(),
			"events":  supportedEvents(),
		},
		"policy": map[string]any{
			"maxFrameBytes":  maxFrameBytes,
			"tickIntervalMs": wsTickInterval.Milliseconds(),
			"dedupTtlMs":     dedupTTL.Milliseconds(),
		},
		"snapshot": c.healthSnapshot(),
	}
	if err := c.sendResponse(frame.ID, true, payload, nil); err != nil {
		c.server.logger.Warn("hello-ok send failed", "error", err)
		return false
	}

	c.server.logger.Info("client connected",
		"conn_id", c.id,
		"client_id", clientID,
		"platform", params.Client.Platform,
		"protocol", negotiated)

	go c.startTicking()
	if c.server.bus != nil {
		go c.forwardSessionEvents()
	}
	return true
}

func (c *wsConn) healthSnapshot() map[string]any {
	snapshot := map[string]any{
		"status":      "ok",
		"uptimeMs":    time.Since(c.server.startTime).Milliseconds(),
		"connections": c.server.connCount(),
		"activeTurns": c.server.turns.count(),
	}
	if c.server.gate != nil {
		snapshot["pendingApprovals"] = len(c.server.gate.Pending())
	}
	return snapshot
}

// handleChatSend runs one agent turn. Chat events stream out first; the
// terminating res is sent only after the turn reaches final or error.
func (c *wsConn) handleChatSend(frame *Frame) error {
	var params chatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Text) == "" {
		return errors.New("text is required")
	}
	if params.IdempotencyKey != "" && c.isIdempotencyDuplicate(params.IdempotencyKey) {
		return c.sendResponse(frame.ID, true, map[string]any{"status": "duplicate"}, nil)
	}

	var binding models.Binding
	if params.Binding != nil {
		binding = models.Binding{
			PeerID:    params.Binding.PeerID,
			GuildID:   params.Binding.GuildID,
			TeamID:    params.Binding.TeamID,
			AccountID: params.Binding.AccountID,
			ChannelID: params.Binding.ChannelID,
		}
	}
	resolution := c.server.router.Resolve(binding)
	key := resolution.SessionKey
	if trimmed := strings.TrimSpace(params.SessionKey); trimmed != "" {
		key = trimmed
	}

	provider, err := c.server.providerFor(resolution.Agent)
	if err != nil {
		return err
	}
	if _, err := c.server.store.GetOrCreate(c.ctx, key, resolution.Agent.ID); err != nil {
		return err
	}

	// One turn at a time per session key.
	unlock := c.server.turnLocks.Lock(key)
	defer unlock()

	turnCtx, cancelTurn := context.WithCancel(c.ctx)
	defer cancelTurn()
	token := c.server.turns.begin(key, cancelTurn)
	defer c.server.turns.end(key, token)

	loop := agent.NewLoop(resolution.Agent.ID, provider, c.server.registry, c.server.gate, c.server.store, c.server.loopConfig)
	loop.SetSystemPrompt(resolution.Agent.SystemPrompt)
	model := params.Model
	if model == "" {
		model = resolution.Agent.Model
	}
	if model != "" {
		loop.SetModel(model)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionKey: key,
		Direction:  models.DirectionInbound,
		Role:       models.RoleUser,
		Content:    params.Text,
		Metadata:   params.Metadata,
		CreatedAt:  time.Now(),
	}

	start := time.Now()
	events, err := loop.Run(turnCtx, key, msg)
	if err != nil {
		return err
	}

	var finalText string
	var turnErr error
	for ev := range events {
		switch ev.State {
		case agent.StateFinal:
			finalText = ev.Text
		case agent.StateError:
			turnErr = ev.Err
			if turnErr == nil {
				turnErr = errors.New("turn failed")
			}
		}
		_ = c.sendEvent("chat", chatEventPayload(frame.ID, key, ev))
	}

	outcome := "final"
	switch {
	case turnErr != nil && errors.Is(turnErr, context.Canceled):
		outcome = "aborted"
	case turnErr != nil:
		outcome = "error"
	}
	if c.server.metrics != nil {
		c.server.metrics.RecordTurn(resolution.Agent.ID, outcome, time.Since(start))
	}

	if turnErr != nil {
		return c.sendResponse(frame.ID, false, nil, &FrameError{Code: errTurnError, Message: turnErr.Error()})
	}

	if c.server.outbound != nil && finalText != "" {
		c.server.outbound.Dispatch(outbound.Delivery{
			SessionKey: key,
			AgentID:    resolution.Agent.ID,
			Text:       finalText,
		})
	}
	return c.sendResponse(frame.ID, true, map[string]any{
		"sessionKey": key,
		"agentId":    resolution.Agent.ID,
		"status":     "final",
	}, nil)
}

// chatEventPayload flattens a turn event into the chat event shape.
func chatEventPayload(requestID, sessionKey string, ev *agent.TurnEvent) map[string]any {
	payload := map[string]any{
		"requestId":  requestID,
		"sessionKey": sessionKey,
		"state":      string(ev.State),
	}
	if ev.Text != "" {
		payload["text"] = ev.Text
	}
	if ev.ToolCall != nil {
		payload["toolCall"] = map[string]any{
			"id":   ev.ToolCall.ID,
			"name": ev.ToolCall.Name,
		}
	}
	if ev.Result != nil {
		payload["toolResult"] = map[string]any{
			"toolCallId": ev.Result.ToolCallID,
			"success":    !ev.Result.IsError,
			"content":    ev.Result.Content,
		}
	}
	if ev.Usage != nil {
		payload["usage"] = ev.Usage
	}
	if ev.State == agent.StateError && ev.Err != nil {
		payload["message"] = ev.Err.Error()
	}
	return payload
}

func (c *wsConn) handleChatHistory(frame *Frame) error {
	var params chatHistoryParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	msgs, err := c.server.store.History(c.ctx, params.SessionKey, limit)
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]any{
		"sessionKey": params.SessionKey,
		"messages":   msgs,
	}, nil)
}

func (c *wsConn) handleChatAbort(frame *Frame) error {
	var params chatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	aborted := c.server.turns.abort(params.SessionKey)
	return c.sendResponse(frame.ID, true, map[string]any{"aborted": aborted}, nil)
}

func (c *wsConn) handleSessionsList(frame *Frame) error {
	var params sessionsListParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	opts := sessions.ListOptions{
		AgentID: strings.TrimSpace(params.AgentID),
		Limit:   params.Limit,
		Offset:  params.Offset,
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}
	list, err := c.server.store.List(c.ctx, opts)
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]any{"sessions": list}, nil)
}

// handleSessionPatch applies partial updates. Absent fields are left
// alone; an explicit null clears the field.
func (c *wsConn) handleSessionPatch(frame *Frame) error {
	var params sessionPatchParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	session, err := c.server.store.Get(c.ctx, params.Key)
	if err != nil {
		return err
	}
	if err := patchStringField(params.Label, &session.Label); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	if err := patchStringField(params.Model, &session.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if params.Metadata != nil {
		if session.Metadata == nil {
			session.Metadata = make(map[string]any, len(params.Metadata))
		}
		for k, v := range params.Metadata {
			if v == nil {
				delete(session.Metadata, k)
				continue
			}
			session.Metadata[k] = v
		}
	}
	if err := c.server.store.Update(c.ctx, session); err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]any{"session": session}, nil)
}

// patchStringField implements the null-vs-absent contract: nil raw means
// leave the field, JSON null clears it, a string sets it.
func patchStringField(raw json.RawMessage, field *string) error {
	if len(raw) == 0 {
		return nil
	}
	if string(raw) == "null" {
		*field = ""
		return nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	*field = value
	return nil
}

func (c *wsConn) handleSessionDelete(frame *Frame) error {
	var params sessionDeleteParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	c.server.turns.abort(params.Key)
	if err := c.server.store.Delete(c.ctx, params.Key); err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]any{"deleted": true, "key": params.Key}, nil)
}

// handleSessionReset clears the turn log but keeps the key live: delete
// then recreate under the same agent.
func (c *wsConn) handleSessionReset(frame *Frame) error {
	var params sessionDeleteParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	agentID := ""
	if session, err := c.server.store.Get(c.ctx, params.Key); err == nil {
		agentID = session.AgentID
	}
	c.server.turns.abort(params.Key)
	if err := c.server.store.Delete(c.ctx, params.Key); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		return err
	}
	session, err := c.server.store.GetOrCreate(c.ctx, params.Key, agentID)
	if err != nil {
		return err
	}
	return c.sendResponse(frame.ID, true, map[string]any{"reset": true, "session": session}, nil)
}

func (c *wsConn) handleApprovalsList(frame *Frame) error {
	if c.server.gate == nil {
		return errors.New("approval gate unavailable")
	}
	return c.sendResponse(frame.ID, true, map[string]any{"approvals": c.server.gate.Pending()}, nil)
}

func (c *wsConn) handleApprovalResolve(frame *Frame) error {
	if c.server.gate == nil {
		return errors.New("approval gate unavailable")
	}
	var params approvalResolveParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	approve := params.Decision == "approved"

	c.mu.Lock()
	decidedBy := c.clientID
	c.mu.Unlock()

	decision, known := c.server.gate.Resolve(params.RequestID, approve, decidedBy)
	if !known {
		return c.sendResponse(frame.ID, false, nil, &FrameError{
			Code:    errUnknownApproval,
			Message: fmt.Sprintf("no approval request %q", params.RequestID),
		})
	}
	if c.server.metrics != nil {
		c.server.metrics.RecordApproval(string(decision))
	}
	c.server.broadcastEvent("exec.approval.resolved", map[string]any{
		"requestId": params.RequestID,
		"decision":  string(decision),
	})
	return c.sendResponse(frame.ID, true, map[string]any{
		"requestId": params.RequestID,
		"decision":  string(decision),
	}, nil)
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, frameErr *FrameError) error {
	return c.enqueue(Frame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   frameErr,
	})
}

func (c *wsConn) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.enqueue(Frame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	})
}

func (c *wsConn) sendError(id string, code string, message string) {
	_ = c.sendResponse(id, false, nil, &FrameError{Code: code, Message: message})
}

func (c *wsConn) enqueue(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame exceeds %d bytes", maxFrameBytes)
	}
	if c.server.metrics != nil {
		c.server.metrics.FrameOut(frame.Type)
	}
	if c.ctx.Err() != nil {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *wsConn) startTicking() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()})
		}
	}
}

// forwardSessionEvents relays session lifecycle notifications to this
// connection for as long as it lives.
func (c *wsConn) forwardSessionEvents() {
	events, cancel := c.server.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = c.sendEvent("session.event", map[string]any{
				"kind":       string(ev.Kind),
				"sessionKey": ev.SessionKey,
			})
		}
	}
}

func (c *wsConn) isIdempotencyDuplicate(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.idempotency[key]; ok {
		return true
	}
	c.idempotency[key] = struct{}{}
	return false
}
