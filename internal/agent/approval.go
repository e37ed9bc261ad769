package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalDecision represents the result of an approval check for a tool call.
type ApprovalDecision string

const (
	// ApprovalAllowed means the tool call is allowed to execute.
	ApprovalAllowed ApprovalDecision = "allowed"
	// ApprovalDenied means the tool call is denied.
	ApprovalDenied ApprovalDecision = "denied"
	// ApprovalExpired means no operator answered before the deadline.
	ApprovalExpired ApprovalDecision = "expired"
	// ApprovalPending means the tool call is waiting on an operator.
	ApprovalPending ApprovalDecision = "pending"
)

// DefaultApprovalTimeout is how long a pending request waits for an
// operator before it expires and the tool call is treated as denied.
const DefaultApprovalTimeout = 120 * time.Second

// ApprovalRequest is a pending authorization for a single tool call.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Input      json.RawMessage  `json:"input,omitempty"`
	AgentID    string           `json:"agent_id,omitempty"`
	SessionKey string           `json:"session_key,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Decision   ApprovalDecision `json:"decision"`
	DecidedBy  string           `json:"decided_by,omitempty"`
	DecidedAt  time.Time        `json:"decided_at,omitempty"`
}

// ApprovalPolicy configures pre-checks applied before a request is queued.
type ApprovalPolicy struct {
	// Allowlist contains tools that never need approval. Supports
	// exact names, "prefix*", "*suffix", and "*".
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist contains tools that are always denied. Denylist wins
	// over Allowlist.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// AutoApprove skips the operator entirely and allows every
	// sensitive call. Denylist still applies.
	AutoApprove bool `yaml:"auto_approve" json:"auto_approve"`

	// AutoDeny rejects every sensitive call without queueing.
	AutoDeny bool `yaml:"auto_deny" json:"auto_deny"`

	// Timeout overrides DefaultApprovalTimeout when positive.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultApprovalPolicy returns a policy that queues every sensitive call.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{Timeout: DefaultApprovalTimeout}
}

type pendingApproval struct {
	req  *ApprovalRequest
	done chan ApprovalDecision
}

// ApprovalGate decides whether sensitive tool calls may run. Calls that
// pass the policy pre-check run immediately; the rest block in Require
// until an operator resolves them or the timeout fires.
type ApprovalGate struct {
	mu      sync.Mutex
	policy  *ApprovalPolicy
	pending map[string]*pendingApproval
	history map[string]ApprovalDecision
	notify  func(req *ApprovalRequest)
}

// NewApprovalGate creates a gate with the given policy. A nil policy
// uses DefaultApprovalPolicy.
func NewApprovalGate(policy *ApprovalPolicy) *ApprovalGate {
	if policy == nil {
		policy = DefaultApprovalPolicy()
	}
	return &ApprovalGate{
		policy:  policy,
		pending: make(map[string]*pendingApproval),
		history: make(map[string]ApprovalDecision),
	}
}

// SetNotify sets the callback invoked when a request is queued. The
// gateway uses it to push exec.approval.requested events to clients.
func (g *ApprovalGate) SetNotify(fn func(req *ApprovalRequest)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notify = fn
}

// Check applies the policy pre-check without queueing anything.
func (g *ApprovalGate) Check(toolName string) (ApprovalDecision, string) {
	g.mu.Lock()
	policy := g.policy
	g.mu.Unlock()

	if matchesPattern(policy.Denylist, toolName) {
		return ApprovalDenied, "tool in denylist"
	}
	if policy.AutoDeny {
		return ApprovalDenied, "auto-deny policy"
	}
	if matchesPattern(policy.Allowlist, toolName) {
		return ApprovalAllowed, "tool in allowlist"
	}
	if policy.AutoApprove {
		return ApprovalAllowed, "auto-approve policy"
	}
	return ApprovalPending, "tool requires approval"
}

// Require runs the full gate for one tool call. It applies the policy
// pre-check, then queues a request and blocks until an operator resolves
// it, the timeout fires, or ctx is cancelled. Timeout and cancellation
// both come back as denials.
func (g *ApprovalGate) Require(ctx context.Context, agentID, sessionKey string, call ToolCallRef) ApprovalDecision {
	decision, reason := g.Check(call.Name)
	if decision != ApprovalPending {
		return decision
	}

	g.mu.Lock()
	timeout := g.policy.Timeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
		AgentID:    agentID,
		SessionKey: sessionKey,
		Reason:     reason,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(timeout),
		Decision:   ApprovalPending,
	}
	p := &pendingApproval{req: req, done: make(chan ApprovalDecision, 1)}
	g.pending[req.ID] = p
	notify := g.notify
	g.mu.Unlock()

	if notify != nil {
		notify(req)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.done:
		return d
	case <-timer.C:
		// An operator may resolve in the same instant the timer fires.
		// expire reports false when the request was already decided; the
		// decision is then sitting in the buffered done channel.
		if g.expire(req.ID) {
			return ApprovalExpired
		}
		return <-p.done
	case <-ctx.Done():
		if g.expire(req.ID) {
			return ApprovalDenied
		}
		return <-p.done
	}
}

// Resolve records an operator decision for a pending request and wakes
// the waiting turn. Resolving an already-decided request is idempotent
// and returns the original decision. Unknown IDs return false.
func (g *ApprovalGate) Resolve(id string, approve bool, decidedBy string) (ApprovalDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d, ok := g.history[id]; ok {
		return d, true
	}
	p, ok := g.pending[id]
	if !ok {
		return "", false
	}

	decision := ApprovalDenied
	if approve {
		decision = ApprovalAllowed
	}
	p.req.Decision = decision
	p.req.DecidedBy = decidedBy
	p.req.DecidedAt = time.Now()
	delete(g.pending, id)
	g.history[id] = decision
	p.done <- decision
	return decision, true
}

// Pending returns a snapshot of requests still waiting on an operator.
func (g *ApprovalGate) Pending() []*ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		clone := *p.req
		out = append(out, &clone)
	}
	return out
}

// expire marks the request expired and reports whether it was still
// pending. A false return means an operator resolved it first.
func (g *ApprovalGate) expire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return false
	}
	p.req.Decision = ApprovalExpired
	delete(g.pending, id)
	g.history[id] = ApprovalExpired
	return true
}

// ToolCallRef identifies a tool call for approval purposes.
type ToolCallRef struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// matchesPattern checks if toolName matches any pattern in the list.
// Supports exact match, prefix* match, *suffix match, and "*".
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == toolName {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(toolName, pattern[:len(pattern)-1]) {
				return true
			}
		}
		if strings.HasPrefix(pattern, "*") {
			if strings.HasSuffix(toolName, pattern[1:]) {
				return true
			}
		}
	}
	return false
}
