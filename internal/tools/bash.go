package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/llm"
	"github.com/samsaffron/chatty/internal/sandbox"
)

// maxTimeout caps the per-command timeout a model may ask for.
const maxTimeout = 300 * time.Second

// Runner executes approved commands.
type Runner interface {
	Enabled() bool
	Sandboxed() bool
	RunTimeout(ctx context.Context, command string, timeout time.Duration) (sandbox.Result, error)
}

// Approver decides whether a command may run.
type Approver interface {
	Check(ctx context.Context, toolName, command string) (approval.Decision, error)
}

// BashTool runs shell commands after approval, inside the sandbox.
type BashTool struct {
	runner   Runner
	approver Approver
}

func NewBashTool(runner Runner, approver Approver) *BashTool {
	return &BashTool{runner: runner, approver: approver}
}

// BashArgs are the arguments for the bash tool.
type BashArgs struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (t *BashTool) Spec() llm.ToolSpec {
	desc := "Execute a bash command in the workspace. Returns JSON with stdout, stderr, exit_code, timed_out and truncated. Every command needs user approval unless auto-approved."
	if t.runner != nil && !t.runner.Sandboxed() {
		desc += " Commands are NOT sandboxed."
	}
	return llm.ToolSpec{
		Name:        BashToolName,
		Description: desc,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "Bash command to execute",
				},
				"timeout_seconds": map[string]interface{}{
					"type":        "integer",
					"description": "Command timeout in seconds (default: configured timeout, max: 300)",
				},
			},
			"required":             []string{"command"},
			"additionalProperties": false,
		},
	}
}

// Execute gates, runs and formats one command. Denials, timeouts and
// failures to run come back as *ToolError; a non-zero exit is a result.
func (t *BashTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a BashArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	a.Command = strings.TrimSpace(a.Command)
	if a.Command == "" {
		return "", NewToolError(ErrInvalidParams, "command is required")
	}
	if t.runner == nil || !t.runner.Enabled() {
		return "", NewToolError(ErrDisabled, "command execution is disabled")
	}

	if t.approver != nil {
		decision, err := t.approver.Check(ctx, BashToolName, a.Command)
		if err != nil {
			return "", NewToolErrorf(ErrPermissionDenied, "approval failed: %v", err)
		}
		switch decision {
		case approval.Deny:
			return "", NewToolError(ErrPermissionDenied, "denied by user")
		case approval.DenyAndStop:
			return "", NewToolError(ErrPermissionDenied, "denied by user; stream stopped")
		}
	}

	timeout := time.Duration(a.TimeoutSeconds) * time.Second
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	// An approved command runs to completion or timeout even if the stream
	// is torn down meanwhile.
	res, err := t.runner.RunTimeout(context.WithoutCancel(ctx), a.Command, timeout)
	if err != nil {
		if errors.Is(err, sandbox.ErrDisabled) {
			return "", NewToolError(ErrDisabled, err.Error())
		}
		return "", NewToolErrorf(ErrExecutionFailed, "run %q: %v", truncateCommand(a.Command), err)
	}
	slog.Debug("bash command finished", "command", truncateCommand(a.Command), "exit_code", res.ExitCode, "timed_out", res.TimedOut, "truncated", res.Truncated)

	if res.TimedOut {
		return "", NewToolErrorf(ErrTimeout, "command timed out%s", partialOutput(res))
	}

	out, err := json.Marshal(res)
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "encode result: %v", err)
	}
	return string(out), nil
}

func partialOutput(res sandbox.Result) string {
	var b strings.Builder
	if res.Stdout != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", res.Stderr)
	}
	return b.String()
}
