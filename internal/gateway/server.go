package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/observability"
	"github.com/hearth-ai/hearth/internal/outbound"
	"github.com/hearth-ai/hearth/internal/routing"
	"github.com/hearth-ai/hearth/internal/sessions"
	"github.com/hearth-ai/hearth/pkg/models"
)

// Options wires the server's collaborators. Store and Router are required.
type Options struct {
	Logger          *slog.Logger
	Store           sessions.Store
	Bus             *sessions.EventBus
	Router          *routing.Router
	Registry        *agent.ToolRegistry
	Gate            *agent.ApprovalGate
	Providers       map[string]agent.LLMProvider
	DefaultProvider string
	LoopConfig      *agent.LoopConfig
	Metrics         *observability.Metrics
	Outbound        *outbound.Dispatcher
	Version         string
}

// Server hosts the protocol over WebSocket. Each accepted connection gets
// its own wsConn with independent read and write loops; shared state is
// limited to the dedup registry, the turn registry, and the approval gate.
type Server struct {
	logger          *slog.Logger
	store           sessions.Store
	bus             *sessions.EventBus
	router          *routing.Router
	registry        *agent.ToolRegistry
	gate            *agent.ApprovalGate
	providers       map[string]agent.LLMProvider
	defaultProvider string
	loopConfig      *agent.LoopConfig
	metrics         *observability.Metrics
	outbound        *outbound.Dispatcher
	version         string

	dedup     *dedupRegistry
	turns     *turnRegistry
	turnLocks *sessions.KeyLocker
	startTime time.Time
	upgrader  websocket.Upgrader

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
}

// NewServer builds a Server from opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if opts.Router == nil {
		return nil, errors.New("gateway: router is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		logger:          logger,
		store:           opts.Store,
		bus:             opts.Bus,
		router:          opts.Router,
		registry:        opts.Registry,
		gate:            opts.Gate,
		providers:       opts.Providers,
		defaultProvider: opts.DefaultProvider,
		loopConfig:      opts.LoopConfig,
		metrics:         opts.Metrics,
		outbound:        opts.Outbound,
		version:         version,
		dedup:           newDedupRegistry(dedupTTL),
		turns:           newTurnRegistry(),
		turnLocks:       sessions.NewKeyLocker(),
		startTime:       time.Now(),
		conns:           make(map[*wsConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	if s.gate != nil {
		s.gate.SetNotify(s.notifyApprovalRequested)
	}
	return s, nil
}

// ServeHTTP upgrades the request and runs the protocol session until the
// connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newWSConn(s, conn, r.Context())
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}
	c.run()
	if s.metrics != nil {
		s.metrics.ActiveConnections.Dec()
	}
}

func (s *Server) addConn(c *wsConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) removeConn(c *wsConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) connCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// broadcastEvent fans an event frame out to every connected, handshaken
// session.
func (s *Server) broadcastEvent(event string, payload any) {
	s.connsMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		_ = c.sendEvent(event, payload)
	}
}

// notifyApprovalRequested is installed as the approval gate's notify hook.
func (s *Server) notifyApprovalRequested(req *agent.ApprovalRequest) {
	s.broadcastEvent("exec.approval.requested", map[string]any{
		"requestId":  req.ID,
		"command":    approvalCommand(req),
		"toolName":   req.ToolName,
		"agentId":    req.AgentID,
		"sessionKey": req.SessionKey,
		"expiresAt":  req.ExpiresAt.Format(time.RFC3339),
	})
}

// approvalCommand renders the action the operator is deciding on. Exec
// calls show the literal shell command; everything else shows the tool
// name with its compacted input.
func approvalCommand(req *agent.ApprovalRequest) string {
	if len(req.Input) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(req.Input, &fields); err == nil {
			if raw, ok := fields["command"]; ok {
				var command string
				if err := json.Unmarshal(raw, &command); err == nil && command != "" {
					return command
				}
			}
		}
	}
	input := strings.TrimSpace(string(req.Input))
	if input == "" || input == "null" {
		return req.ToolName
	}
	return fmt.Sprintf("%s %s", req.ToolName, input)
}

// providerFor selects the provider client for an agent configuration,
// falling back to the server default.
func (s *Server) providerFor(cfg models.AgentConfig) (agent.LLMProvider, error) {
	name := strings.TrimSpace(cfg.Provider)
	if name == "" {
		name = s.defaultProvider
	}
	if name == "" && len(s.providers) == 1 {
		for only := range s.providers {
			name = only
		}
	}
	provider, ok := s.providers[name]
	if !ok || provider == nil {
		return nil, fmt.Errorf("gateway: no provider %q configured", name)
	}
	return provider, nil
}
