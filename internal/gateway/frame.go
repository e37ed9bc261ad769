// Package gateway implements the framed request/response/event protocol
// over WebSocket: handshake, method dispatch, chat event streaming,
// connection dedup, and approval fan-out.
package gateway

import (
	"encoding/json"
	"time"
)

const (
	// protocolMin and protocolMax bound the server's supported range.
	// The handshake intersects this range with the client's.
	protocolMin = 1
	protocolMax = 1

	// maxFrameBytes is the hard ceiling for a single frame in either
	// direction. An oversized inbound frame closes the connection.
	maxFrameBytes = 512 << 10

	// dedupTTL is how long a client identity keeps its claim on a
	// connection slot after its last activity.
	dedupTTL = 5 * time.Minute

	wsIdleTimeout  = 90 * time.Second
	wsTickInterval = 15 * time.Second
	wsWriteWait    = 10 * time.Second
	sendBufferSize = 64
)

// Frame is one protocol message. Type selects which fields are meaningful:
// req carries ID/Method/Params, res carries ID/OK/Payload/Error, event
// carries Event/Payload/Seq.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// FrameError is the structured error carried by a failed res frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced to clients.
const (
	errInvalidFrame     = "invalid_frame"
	errNotReady         = "not_ready"
	errMethodNotFound   = "method_not_found"
	errProtocolMismatch = "protocol_mismatch"
	errRequestFailed    = "request_failed"
	errTurnError        = "turn_error"
	errUnknownApproval  = "unknown_approval"
)

type connectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      clientInfo `json:"client"`
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode,omitempty"`
}

type chatSendParams struct {
	Text           string         `json:"text"`
	Model          string         `json:"model,omitempty"`
	SessionKey     string         `json:"sessionKey,omitempty"`
	Binding        *bindingParams `json:"binding,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type bindingParams struct {
	PeerID    string `json:"peerId,omitempty"`
	GuildID   string `json:"guildId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

type sessionsListParams struct {
	AgentID string `json:"agentId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// sessionPatchParams distinguishes absent fields from explicit nulls:
// an absent label or model is left unchanged, an explicit null clears it.
type sessionPatchParams struct {
	Key      string          `json:"key"`
	Label    json.RawMessage `json:"label,omitempty"`
	Model    json.RawMessage `json:"model,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

type sessionDeleteParams struct {
	Key string `json:"key"`
}

type approvalResolveParams struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

func supportedMethods() []string {
	return []string{
		"connect",
		"ping",
		"health",
		"chat.send",
		"chat.history",
		"chat.abort",
		"sessions.list",
		"session.patch",
		"session.delete",
		"session.reset",
		"exec.approvals.list",
		"exec.approval.resolve",
	}
}

func supportedEvents() []string {
	return []string{
		"tick",
		"chat",
		"session.event",
		"exec.approval.requested",
		"exec.approval.resolved",
	}
}
