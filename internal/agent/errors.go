package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxIterations indicates the turn exceeded its round-trip cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")
)

// TurnError wraps a failure inside one turn with the iteration it occurred on.
type TurnError struct {
	Iteration int
	Cause     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at iteration %d: %v", e.Iteration, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}
