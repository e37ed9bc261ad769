package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hearth-ai/hearth/pkg/models"
)

// ExecutorConfig configures tool execution behavior.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel tool executions. Default: 5.
	MaxConcurrency int

	// DefaultTimeout bounds a single tool execution. Default: 30s.
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 5,
		DefaultTimeout: 30 * time.Second,
	}
}

// ExecutionResult holds the outcome of one tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Output     *ToolOutput
	Duration   time.Duration
}

// Executor runs tool calls requested by the model. Tools that declare
// Parallel() run concurrently under a semaphore; everything else, and
// every sensitive tool, runs serially in request order. Sensitive tools
// pass through the approval gate before executing.
type Executor struct {
	registry *ToolRegistry
	gate     *ApprovalGate
	config   *ExecutorConfig
	sem      chan struct{}
}

// NewExecutor creates an executor over the given registry and gate.
// A nil config uses DefaultExecutorConfig; a nil gate allows everything.
func NewExecutor(registry *ToolRegistry, gate *ApprovalGate, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &Executor{
		registry: registry,
		gate:     gate,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecuteAll runs a batch of tool calls and returns results in the same
// order as the input. Parallel-safe calls overlap; the rest run one at
// a time after the parallel group completes.
func (e *Executor) ExecuteAll(ctx context.Context, agentID, sessionKey string, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var serial []int
	var wg sync.WaitGroup

	for i, call := range calls {
		if e.isParallel(call.Name) {
			wg.Add(1)
			go func(idx int, tc models.ToolCall) {
				defer wg.Done()
				results[idx] = e.Execute(ctx, agentID, sessionKey, tc)
			}(i, call)
		} else {
			serial = append(serial, i)
		}
	}
	wg.Wait()

	for _, idx := range serial {
		results[idx] = e.Execute(ctx, agentID, sessionKey, calls[idx])
	}
	return results
}

// Execute runs a single tool call through the approval gate, semaphore,
// timeout, and panic recovery.
func (e *Executor) Execute(ctx context.Context, agentID, sessionKey string, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	if e.isSensitive(call.Name) && e.gate != nil {
		decision := e.gate.Require(ctx, agentID, sessionKey, ToolCallRef{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
		if decision != ApprovalAllowed {
			result.Output = &ToolOutput{
				Content: fmt.Sprintf("tool call %s: %s", call.Name, decision),
				IsError: true,
			}
			result.Duration = time.Since(start)
			return result
		}
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Output = &ToolOutput{Content: ctx.Err().Error(), IsError: true}
		result.Duration = time.Since(start)
		return result
	}

	result.Output = e.executeWithTimeout(ctx, call)
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall) *ToolOutput {
	timeout := e.config.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outCh := make(chan *ToolOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- &ToolOutput{
					Content: fmt.Sprintf("%s: panic: %v\n%s", ErrToolPanic, r, debug.Stack()),
					IsError: true,
				}
			}
		}()
		out, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			outCh <- &ToolOutput{Content: err.Error(), IsError: true}
			return
		}
		outCh <- out
	}()

	select {
	case out := <-outCh:
		return out
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return &ToolOutput{Content: "cancelled: " + ctx.Err().Error(), IsError: true}
		}
		return &ToolOutput{Content: fmt.Sprintf("tool %s timed out after %s", call.Name, timeout), IsError: true}
	}
}

func (e *Executor) isParallel(name string) bool {
	tool, ok := e.registry.Get(name)
	return ok && tool.Parallel() && !tool.Sensitive()
}

func (e *Executor) isSensitive(name string) bool {
	tool, ok := e.registry.Get(name)
	return ok && tool.Sensitive()
}

// ResultsToMessages converts execution results to tool result records
// for the conversation history.
func ResultsToMessages(results []*ExecutionResult) []models.ToolResult {
	toolResults := make([]models.ToolResult, len(results))
	for i, r := range results {
		toolResults[i] = models.ToolResult{ToolCallID: r.ToolCallID}
		if r.Output != nil {
			toolResults[i].Content = r.Output.Content
			toolResults[i].IsError = r.Output.IsError
		}
	}
	return toolResults
}
