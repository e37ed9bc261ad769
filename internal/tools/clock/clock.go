// Package clock provides a time lookup tool.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/tools/schema"
)

type params struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name (default UTC)"`
}

// Tool reports the current time. The now func is injectable for tests.
type Tool struct {
	now func() time.Time
}

// New creates a clock tool.
func New() *Tool {
	return &Tool{now: time.Now}
}

func (t *Tool) Name() string            { return "clock" }
func (t *Tool) Description() string     { return "Get the current date and time, optionally in a timezone." }
func (t *Tool) Schema() json.RawMessage { return schema.For[params]() }
func (t *Tool) Sensitive() bool         { return false }
func (t *Tool) Parallel() bool          { return true }

func (t *Tool) Execute(_ context.Context, raw json.RawMessage) (*agent.ToolOutput, error) {
	var input params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &input); err != nil {
			return &agent.ToolOutput{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}

	loc := time.UTC
	if input.Timezone != "" {
		l, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return &agent.ToolOutput{Content: fmt.Sprintf("unknown timezone %q", input.Timezone), IsError: true}, nil
		}
		loc = l
	}

	now := t.now().In(loc)
	payload, _ := json.Marshal(map[string]string{
		"time":     now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	})
	return &agent.ToolOutput{Content: string(payload)}, nil
}
