// Package exec provides the shell command tool. It is sensitive: every
// invocation passes through the approval gate unless the policy allows
// it outright.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hearth-ai/hearth/internal/agent"
	"github.com/hearth-ai/hearth/internal/tools/schema"
)

const defaultMaxOutput = 64000

// Result summarizes one command execution.
type Result struct {
	Command  string        `json:"command"`
	Cwd      string        `json:"cwd,omitempty"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type params struct {
	Command        string            `json:"command" jsonschema:"description=Shell command to execute,required"`
	Cwd            string            `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	Env            map[string]string `json:"env,omitempty" jsonschema:"description=Environment overrides"`
	Input          string            `json:"input,omitempty" jsonschema:"description=Stdin content"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" jsonschema:"description=Timeout in seconds (0 uses the default),minimum=0"`
}

// Tool runs shell commands inside a workspace root.
type Tool struct {
	workspace string
	maxOutput int
}

// New creates an exec tool rooted at workspace. An empty workspace
// uses the process working directory.
func New(workspace string) *Tool {
	return &Tool{workspace: workspace, maxOutput: defaultMaxOutput}
}

func (t *Tool) Name() string { return "exec" }

func (t *Tool) Description() string {
	return "Run a shell command in the workspace and return its output."
}

func (t *Tool) Schema() json.RawMessage { return schema.For[params]() }

func (t *Tool) Sensitive() bool { return true }
func (t *Tool) Parallel() bool  { return false }

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolOutput, error) {
	var input params
	if err := json.Unmarshal(raw, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}

	runCtx := ctx
	if input.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(input.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	dir, err := t.resolveDir(input.Cwd)
	if err != nil {
		return toolError(err.Error()), nil
	}

	cmd := osexec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	if len(input.Env) > 0 {
		base := os.Environ()
		for k, v := range input.Env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}

	stdout := newLimitedBuffer(t.maxOutput)
	stderr := newLimitedBuffer(t.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if input.Input != "" {
		cmd.Stdin = strings.NewReader(input.Input)
	}

	start := time.Now()
	runErr := cmd.Run()

	result := Result{
		Command:  command,
		Cwd:      dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(runErr),
		Duration: time.Since(start),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolOutput{Content: string(payload), IsError: result.ExitCode != 0}, nil
}

// resolveDir keeps the working directory inside the workspace root.
func (t *Tool) resolveDir(cwd string) (string, error) {
	root := t.workspace
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	if cwd == "" {
		return root, nil
	}
	resolved := filepath.Clean(filepath.Join(root, cwd))
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolvedAbs, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if resolvedAbs != rootAbs && !strings.HasPrefix(resolvedAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd escapes workspace: %s", cwd)
	}
	return resolvedAbs, nil
}

func toolError(msg string) *agent.ToolOutput {
	return &agent.ToolOutput{Content: msg, IsError: true}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*osexec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
