package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-ai/hearth/internal/sessions"
	"github.com/hearth-ai/hearth/pkg/models"
)

// Loop limits and buffer sizes.
const (
	// DefaultMaxIterations caps provider round-trips per turn.
	DefaultMaxIterations = 25

	// MaxResponseTextSize bounds accumulated assistant text per iteration.
	MaxResponseTextSize = 10 << 20

	// MaxToolCallsPerIteration bounds tool calls per provider response.
	MaxToolCallsPerIteration = 100

	turnBufferSize = 64
)

// TurnState describes where a turn is in its lifecycle. States surface
// to clients as chat events.
type TurnState string

const (
	StateThinking      TurnState = "thinking"
	StateToolCallStart TurnState = "tool_call_start"
	StateToolCallEnd   TurnState = "tool_call_end"
	StateDelta         TurnState = "delta"
	StateFinal         TurnState = "final"
	StateError         TurnState = "error"
)

// TurnEvent is one streamed increment of an agent turn.
type TurnEvent struct {
	State    TurnState          `json:"state"`
	Text     string             `json:"text,omitempty"`
	ToolCall *models.ToolCall   `json:"tool_call,omitempty"`
	Result   *models.ToolResult `json:"tool_result,omitempty"`
	Usage    *models.Usage      `json:"usage,omitempty"`
	Err      error              `json:"-"`
}

// LoopConfig configures turn behavior.
type LoopConfig struct {
	// MaxIterations limits provider round-trips per turn.
	// Default: DefaultMaxIterations.
	MaxIterations int

	// MaxTokens is the default max tokens for provider responses.
	// Default: 4096.
	MaxTokens int

	// MaxWallTime limits the total turn duration (0 = no limit).
	MaxWallTime time.Duration

	// ExecutorConfig configures the tool executor.
	ExecutorConfig *ExecutorConfig

	// HistoryLimit bounds how much history is loaded per turn.
	// Default: 100.
	HistoryLimit int
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations: DefaultMaxIterations,
		MaxTokens:     4096,
		HistoryLimit:  100,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	defaults := DefaultLoopConfig()
	if config == nil {
		return defaults
	}
	out := *config
	if out.MaxIterations <= 0 {
		out.MaxIterations = defaults.MaxIterations
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaults.MaxTokens
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = defaults.HistoryLimit
	}
	return &out
}

// Loop drives one agent's tool-calling conversation turns. Each turn
// streams provider output, executes requested tools through the
// executor, feeds results back, and repeats until the provider stops
// requesting tools or the iteration cap is hit.
type Loop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	store    sessions.Store
	config   *LoopConfig

	agentID string
	model   string
	system  string
}

// NewLoop creates a turn loop for one agent.
func NewLoop(agentID string, provider LLMProvider, registry *ToolRegistry, gate *ApprovalGate, store sessions.Store, config *LoopConfig) *Loop {
	config = sanitizeLoopConfig(config)
	return &Loop{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, gate, config.ExecutorConfig),
		store:    store,
		config:   config,
		agentID:  agentID,
	}
}

// SetModel sets the default model for completions.
func (l *Loop) SetModel(model string) { l.model = model }

// SetSystemPrompt sets the system prompt for completions.
func (l *Loop) SetSystemPrompt(system string) { l.system = system }

// AgentID returns the owning agent's identifier.
func (l *Loop) AgentID() string { return l.agentID }

// Run executes one turn for the given session key and inbound message.
// The returned channel carries deltas, tool events, and exactly one
// terminal event (final or error), then closes. Cancelling ctx aborts
// the turn; messages already persisted stay persisted.
func (l *Loop) Run(ctx context.Context, sessionKey string, msg *models.Message) (<-chan *TurnEvent, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}

	events := make(chan *TurnEvent, turnBufferSize)

	go func() {
		defer close(events)
		if cancel != nil {
			defer cancel()
		}
		l.run(runCtx, sessionKey, msg, events)
	}()

	return events, nil
}

func (l *Loop) run(ctx context.Context, sessionKey string, msg *models.Message, events chan<- *TurnEvent) {
	fail := func(iteration int, err error) {
		events <- &TurnEvent{State: StateError, Err: &TurnError{Iteration: iteration, Cause: err}}
	}

	history, err := l.store.History(ctx, sessionKey, l.config.HistoryLimit)
	if err != nil && !errors.Is(err, sessions.ErrNotFound) {
		fail(0, err)
		return
	}

	if err := l.persistInbound(ctx, sessionKey, msg); err != nil {
		fail(0, err)
		return
	}

	messages := historyToCompletion(history)
	messages = append(messages, CompletionMessage{Role: string(models.RoleUser), Content: msg.Content})

	var total models.Usage
	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			fail(iteration, ctx.Err())
			return
		default:
		}

		text, toolCalls, usage, err := l.streamPhase(ctx, messages, events)
		if err != nil {
			fail(iteration, err)
			return
		}
		total.InputTokens += usage.InputTokens
		total.OutputTokens += usage.OutputTokens

		if err := l.persistAssistant(ctx, sessionKey, text, toolCalls, usage); err != nil {
			fail(iteration, err)
			return
		}

		if len(toolCalls) == 0 {
			total.Provider = l.provider.Name()
			total.Model = l.model
			events <- &TurnEvent{State: StateFinal, Text: text, Usage: &total}
			return
		}

		messages = append(messages, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   text,
			ToolCalls: toolCalls,
		})

		for i := range toolCalls {
			events <- &TurnEvent{State: StateToolCallStart, ToolCall: &toolCalls[i]}
		}

		results := l.executor.ExecuteAll(ctx, l.agentID, sessionKey, toolCalls)
		toolResults := ResultsToMessages(results)

		for i := range toolResults {
			events <- &TurnEvent{State: StateToolCallEnd, ToolCall: &toolCalls[i], Result: &toolResults[i]}
		}

		if err := l.persistToolResults(ctx, sessionKey, toolCalls, toolResults); err != nil {
			fail(iteration, err)
			return
		}

		messages = append(messages, CompletionMessage{
			Role:        string(models.RoleTool),
			ToolResults: toolResults,
		})
	}

	fail(l.config.MaxIterations, ErrMaxIterations)
}

// streamPhase calls the provider once and forwards text deltas as they
// arrive, collecting tool calls for the execute phase.
func (l *Loop) streamPhase(ctx context.Context, messages []CompletionMessage, events chan<- *TurnEvent) (string, []models.ToolCall, models.Usage, error) {
	var usage models.Usage

	req := &CompletionRequest{
		Model:     l.model,
		System:    l.system,
		Messages:  messages,
		Tools:     l.registry.List(),
		MaxTokens: l.config.MaxTokens,
	}

	events <- &TurnEvent{State: StateThinking}

	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, usage, err
	}

	var toolCalls []models.ToolCall
	var textBuilder strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return "", nil, usage, chunk.Error
		}
		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return "", nil, usage, errors.New("response text exceeds maximum size")
			}
			textBuilder.WriteString(chunk.Text)
			events <- &TurnEvent{State: StateDelta, Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return "", nil, usage, errors.New("tool calls exceed per-iteration maximum")
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		usage.InputTokens += chunk.InputTokens
		usage.OutputTokens += chunk.OutputTokens
	}

	usage.Provider = l.provider.Name()
	usage.Model = l.model
	return textBuilder.String(), toolCalls, usage, nil
}

func (l *Loop) persistInbound(ctx context.Context, sessionKey string, msg *models.Message) error {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.SessionKey = sessionKey
	stored.Direction = models.DirectionInbound
	if stored.Role == "" {
		stored.Role = models.RoleUser
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	return l.store.Append(ctx, sessionKey, &stored)
}

func (l *Loop) persistAssistant(ctx context.Context, sessionKey, text string, toolCalls []models.ToolCall, usage models.Usage) error {
	if text == "" && len(toolCalls) == 0 {
		return nil
	}
	return l.store.Append(ctx, sessionKey, &models.Message{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		Direction:  models.DirectionOutbound,
		Role:       models.RoleAssistant,
		Content:    text,
		ToolCalls:  toolCalls,
		Usage:      &usage,
		CreatedAt:  time.Now(),
	})
}

func (l *Loop) persistToolResults(ctx context.Context, sessionKey string, toolCalls []models.ToolCall, toolResults []models.ToolResult) error {
	if len(toolResults) == 0 {
		return nil
	}
	return l.store.Append(ctx, sessionKey, &models.Message{
		ID:          uuid.NewString(),
		SessionKey:  sessionKey,
		Direction:   models.DirectionInternal,
		Role:        models.RoleTool,
		ToolCalls:   toolCalls,
		ToolResults: toolResults,
		CreatedAt:   time.Now(),
	})
}

// historyToCompletion converts stored messages into provider messages.
// Tool messages carry their results; everything else maps by role.
func historyToCompletion(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		cm := CompletionMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case models.RoleTool:
			cm.ToolResults = m.ToolResults
			cm.ToolCalls = m.ToolCalls
		case models.RoleAssistant:
			cm.ToolCalls = m.ToolCalls
		case models.RoleNotice, models.RoleSystem:
			cm.Role = string(models.RoleUser)
		}
		out = append(out, cm)
	}
	return out
}
