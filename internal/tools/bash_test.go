package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/sandbox"
)

type fakeRunner struct {
	enabled   bool
	sandboxed bool
	result    sandbox.Result
	err       error

	calls    atomic.Int32
	lastCmd  string
	lastTO   time.Duration
	ctxAlive bool
}

func (r *fakeRunner) Enabled() bool   { return r.enabled }
func (r *fakeRunner) Sandboxed() bool { return r.sandboxed }

func (r *fakeRunner) RunTimeout(ctx context.Context, command string, timeout time.Duration) (sandbox.Result, error) {
	r.calls.Add(1)
	r.lastCmd = command
	r.lastTO = timeout
	r.ctxAlive = ctx.Err() == nil
	return r.result, r.err
}

type fixedApprover struct {
	decision approval.Decision
	err      error
	calls    int
}

func (a *fixedApprover) Check(ctx context.Context, toolName, command string) (approval.Decision, error) {
	a.calls++
	return a.decision, a.err
}

func bashArgs(t *testing.T, a BashArgs) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func intPtr(i int) *int { return &i }

func TestBashTool_Spec(t *testing.T) {
	spec := NewBashTool(&fakeRunner{sandboxed: true}, nil).Spec()
	if spec.Name != BashToolName {
		t.Errorf("name = %q", spec.Name)
	}
	props, ok := spec.Schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("schema should have properties")
	}
	for _, p := range []string{"command", "timeout_seconds"} {
		if _, ok := props[p]; !ok {
			t.Errorf("schema should have %s property", p)
		}
	}
	if strings.Contains(spec.Description, "NOT sandboxed") {
		t.Error("sandboxed runner described as unsandboxed")
	}
	if !strings.Contains(NewBashTool(&fakeRunner{}, nil).Spec().Description, "NOT sandboxed") {
		t.Error("unsandboxed runner not flagged in description")
	}
}

func TestBashTool_Execute(t *testing.T) {
	okResult := sandbox.Result{Stdout: "hi\n", ExitCode: intPtr(0), Sandboxed: true}

	tests := []struct {
		name        string
		args        json.RawMessage
		runner      *fakeRunner
		approver    *fixedApprover
		wantErrType ToolErrorType
		wantErrMsg  string
		wantRun     bool
	}{
		{
			name:     "approved",
			args:     json.RawMessage(`{"command":"echo hi"}`),
			runner:   &fakeRunner{enabled: true, result: okResult},
			approver: &fixedApprover{decision: approval.Approve},
			wantRun:  true,
		},
		{
			name:        "denied",
			args:        json.RawMessage(`{"command":"rm -rf /"}`),
			runner:      &fakeRunner{enabled: true, result: okResult},
			approver:    &fixedApprover{decision: approval.Deny},
			wantErrType: ErrPermissionDenied,
			wantErrMsg:  "denied by user",
		},
		{
			name:        "denied and stopped",
			args:        json.RawMessage(`{"command":"rm -rf /"}`),
			runner:      &fakeRunner{enabled: true, result: okResult},
			approver:    &fixedApprover{decision: approval.DenyAndStop},
			wantErrType: ErrPermissionDenied,
			wantErrMsg:  "stream stopped",
		},
		{
			name:        "approval error",
			args:        json.RawMessage(`{"command":"ls"}`),
			runner:      &fakeRunner{enabled: true, result: okResult},
			approver:    &fixedApprover{err: context.Canceled},
			wantErrType: ErrPermissionDenied,
		},
		{
			name:        "disabled",
			args:        json.RawMessage(`{"command":"ls"}`),
			runner:      &fakeRunner{enabled: false},
			approver:    &fixedApprover{decision: approval.Approve},
			wantErrType: ErrDisabled,
		},
		{
			name:        "empty command",
			args:        json.RawMessage(`{"command":"  "}`),
			runner:      &fakeRunner{enabled: true},
			approver:    &fixedApprover{decision: approval.Approve},
			wantErrType: ErrInvalidParams,
		},
		{
			name:        "invalid json",
			args:        json.RawMessage(`{invalid}`),
			runner:      &fakeRunner{enabled: true},
			approver:    &fixedApprover{decision: approval.Approve},
			wantErrType: ErrInvalidParams,
		},
		{
			name:        "timed out",
			args:        json.RawMessage(`{"command":"sleep 100"}`),
			runner:      &fakeRunner{enabled: true, result: sandbox.Result{Stdout: "partial", TimedOut: true}},
			approver:    &fixedApprover{decision: approval.Approve},
			wantErrType: ErrTimeout,
			wantErrMsg:  "partial",
			wantRun:     true,
		},
		{
			name:        "runner failure",
			args:        json.RawMessage(`{"command":"ls"}`),
			runner:      &fakeRunner{enabled: true, err: errors.New("exec: bwrap not found")},
			approver:    &fixedApprover{decision: approval.Approve},
			wantErrType: ErrExecutionFailed,
			wantRun:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := NewBashTool(tt.runner, tt.approver)
			out, err := tool.Execute(context.Background(), tt.args)

			if tt.wantErrType != "" {
				if !IsToolError(err, tt.wantErrType) {
					t.Fatalf("err = %v, want %s", err, tt.wantErrType)
				}
				if tt.wantErrMsg != "" && !strings.Contains(err.Error(), tt.wantErrMsg) {
					t.Errorf("err = %q, want it to contain %q", err, tt.wantErrMsg)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := tt.runner.calls.Load() > 0; got != tt.wantRun {
				t.Errorf("runner called = %v, want %v", got, tt.wantRun)
			}
			if tt.wantErrType == "" {
				var res sandbox.Result
				if err := json.Unmarshal([]byte(out), &res); err != nil {
					t.Fatalf("output is not a result: %q", out)
				}
				if res.Stdout != "hi\n" || res.ExitCode == nil || *res.ExitCode != 0 {
					t.Errorf("result = %+v", res)
				}
			}
		})
	}
}

func TestBashTool_NonZeroExitIsResult(t *testing.T) {
	runner := &fakeRunner{enabled: true, result: sandbox.Result{Stderr: "boom", ExitCode: intPtr(2)}}
	out, err := NewBashTool(runner, &fixedApprover{}).Execute(context.Background(), bashArgs(t, BashArgs{Command: "false"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"exit_code":2`) {
		t.Errorf("output = %s", out)
	}
}

func TestBashTool_Timeout(t *testing.T) {
	runner := &fakeRunner{enabled: true, result: sandbox.Result{ExitCode: intPtr(0)}}
	tool := NewBashTool(runner, &fixedApprover{})

	if _, err := tool.Execute(context.Background(), bashArgs(t, BashArgs{Command: "ls", TimeoutSeconds: 5})); err != nil {
		t.Fatal(err)
	}
	if runner.lastTO != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", runner.lastTO)
	}
	if _, err := tool.Execute(context.Background(), bashArgs(t, BashArgs{Command: "ls", TimeoutSeconds: 9999})); err != nil {
		t.Fatal(err)
	}
	if runner.lastTO != maxTimeout {
		t.Errorf("timeout = %v, want cap %v", runner.lastTO, maxTimeout)
	}
}

func TestBashTool_RunSurvivesCancellation(t *testing.T) {
	runner := &fakeRunner{enabled: true, result: sandbox.Result{ExitCode: intPtr(0)}}
	tool := NewBashTool(runner, &fixedApprover{decision: approval.Approve})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tool.Execute(ctx, bashArgs(t, BashArgs{Command: "make"})); err != nil {
		t.Fatal(err)
	}
	if !runner.ctxAlive {
		t.Error("approved command ran with a cancelled context")
	}
}

func TestBashTool_WithExecutorAndGate(t *testing.T) {
	exec, err := sandbox.NewWithBackend(sandbox.Config{Enabled: true, WorkspaceDir: t.TempDir(), Timeout: 200 * time.Millisecond}, sandbox.BackendNone)
	if err != nil {
		t.Fatal(err)
	}
	gate, err := approval.NewGate(approval.Options{Sandboxed: exec.Sandboxed(), Prompt: func(ctx context.Context, req approval.Request) (approval.Decision, error) {
		return approval.Approve, nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	tool := NewBashTool(exec, gate)

	out, err := tool.Execute(context.Background(), bashArgs(t, BashArgs{Command: "echo hello; exit 3"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var res sandbox.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "hello\n" || res.ExitCode == nil || *res.ExitCode != 3 || res.Sandboxed {
		t.Errorf("result = %+v", res)
	}

	_, err = tool.Execute(context.Background(), bashArgs(t, BashArgs{Command: "sleep 5"}))
	if !IsToolError(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestTruncateCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "ls -la", "ls -la"},
		{"ascii", strings.Repeat("a", 60), strings.Repeat("a", 47) + "..."},
		{"multibyte", "echo " + strings.Repeat("é", 60), "echo " + strings.Repeat("é", 42) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateCommand(tt.in)
			if got != tt.want {
				t.Errorf("truncateCommand = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncateCommand split a rune: %q", got)
			}
		})
	}
}
