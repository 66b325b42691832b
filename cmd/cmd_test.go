package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gopkg.in/yaml.v3"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/config"
	"github.com/samsaffron/chatty/internal/conversation"
	"github.com/samsaffron/chatty/internal/llm"
	"github.com/samsaffron/chatty/internal/sandbox"
	"github.com/samsaffron/chatty/internal/trace"
	"github.com/samsaffron/chatty/internal/ui"
)

// isolate points config and data directories at a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return dir
}

// execute runs the root command with fresh flag state.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	providerFlag, modelFlag, logLevelFlag = "", "", ""
	chatContinue = ""
	listFilter, listStatus, listLimit = "", "", 20
	exportAll, exportSystem, exportOutput = false, "", ""

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestChatListShow(t *testing.T) {
	isolate(t)

	out, stderr, err := execute(t, "chat", "--provider", "debug", "--model", "instant", "hello", "there")
	if err != nil {
		t.Fatalf("chat: %v\n%s", err, stderr)
	}
	if !strings.Contains(out, "You said: hello there") {
		t.Fatalf("chat output = %q", out)
	}
	id := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(stderr), "conversation "))
	if len(id) < shortIDLen {
		t.Fatalf("no conversation id in stderr %q", stderr)
	}

	out, stderr, err = execute(t, "chat", "--provider", "debug", "--model", "instant", "--continue", id[:shortIDLen], "again")
	if err != nil {
		t.Fatalf("continue: %v\n%s", err, stderr)
	}
	if !strings.Contains(out, "You said: again") {
		t.Fatalf("continue output = %q", out)
	}

	out, _, err = execute(t, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id[:shortIDLen]) || !strings.Contains(out, "hello there") || !strings.Contains(out, "complete") {
		t.Fatalf("list output = %q", out)
	}

	out, _, err = execute(t, "list", "--filter", "zzz")
	if err != nil {
		t.Fatalf("list --filter: %v", err)
	}
	if !strings.Contains(out, "No conversations found.") {
		t.Fatalf("filtered list = %q", out)
	}

	out, _, err = execute(t, "show", id)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"hello there", "> again", "You said: again"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestExportCommand(t *testing.T) {
	dir := isolate(t)

	_, stderr, err := execute(t, "chat", "--provider", "debug", "--model", "instant", "hello")
	if err != nil {
		t.Fatalf("chat: %v\n%s", err, stderr)
	}
	id := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(stderr), "conversation "))

	out, _, err := execute(t, "export", "--system", "be brief", id[:shortIDLen])
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var rec conversation.ExportRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("export output %q: %v", out, err)
	}
	if rec.ConversationID != id {
		t.Errorf("conversation id = %q, want %q", rec.ConversationID, id)
	}
	roles := make([]llm.Role, len(rec.Messages))
	for i, m := range rec.Messages {
		roles[i] = m.Role
	}
	if diff := cmp.Diff([]llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant}, roles); diff != "" {
		t.Errorf("roles (-want +got):\n%s", diff)
	}

	path := filepath.Join(dir, "train.jsonl")
	for range 2 {
		if _, _, err := execute(t, "export", "--all", "-o", path); err != nil {
			t.Fatalf("export --all: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 1 {
		t.Errorf("file has %d lines after exporting twice, want 1:\n%s", n, data)
	}

	if _, _, err := execute(t, "export"); err == nil {
		t.Error("export without ids or --all should fail")
	}
}

func TestChatUnknownConversation(t *testing.T) {
	isolate(t)
	_, _, err := execute(t, "chat", "--provider", "debug", "--continue", "nope", "hi")
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConfigInitAndPath(t *testing.T) {
	dir := isolate(t)
	want := filepath.Join(dir, "config", "chatty", "config.yaml")

	out, _, err := execute(t, "config", "path")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if strings.TrimSpace(out) != want {
		t.Errorf("path = %q, want %q", out, want)
	}

	if _, _, err := execute(t, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, _, err := execute(t, "config", "init"); err == nil {
		t.Error("second init should refuse to overwrite")
	}

	out, _, err = execute(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	body := strings.SplitN(out, "\n", 2)[1]
	var shown config.Config
	if err := yaml.Unmarshal([]byte(body), &shown); err != nil {
		t.Fatalf("show is not yaml: %v\n%s", err, out)
	}
	if diff := cmp.Diff(config.Default(), &shown, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("shown config (-want +got):\n%s", diff)
	}
}

func TestReadMessage(t *testing.T) {
	got, err := readMessage([]string{" fix", "the build "}, nil)
	if err != nil || got != "fix the build" {
		t.Fatalf("readMessage(args) = %q, %v", got, err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	w.WriteString("from a pipe\n")
	w.Close()
	defer r.Close()
	got, err = readMessage(nil, r)
	if err != nil || got != "from a pipe" {
		t.Fatalf("readMessage(pipe) = %q, %v", got, err)
	}

	empty, w2, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	w2.Close()
	defer empty.Close()
	if _, err := readMessage(nil, empty); err == nil {
		t.Error("empty input should fail")
	}
}

func summaries(titles ...string) []conversation.Summary {
	out := make([]conversation.Summary, len(titles))
	for i, title := range titles {
		out[i] = conversation.Summary{ID: title, Title: title}
	}
	return out
}

func TestFilterSummaries(t *testing.T) {
	all := summaries("deploy the api", "fix flaky test", "draft release notes")

	ids := func(list []conversation.Summary) []string {
		var out []string
		for _, s := range list {
			out = append(out, s.ID)
		}
		return out
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"deploy the api", "fix flaky test", "draft release notes"}},
		{"flaky", []string{"fix flaky test"}},
		{"dpl", []string{"deploy the api"}},
		{"xyz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ids(filterSummaries(all, tt.query))); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteSummaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	writeSummaries(&buf, []conversation.Summary{{
		ID:           "0123456789abcdef",
		Title:        strings.Repeat("日本語", 10),
		MessageCount: 4,
		InputTokens:  1500,
		OutputTokens: 200,
		Cost:         0.25,
		Status:       conversation.StatusInterrupted,
		UpdatedAt:    now.Add(-3 * time.Hour),
	}}, now)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	row := lines[2]
	for _, want := range []string{"01234567 ", "…", "1.5k/200", "$0.25", "interrupted", "3h ago"} {
		if !strings.Contains(row, want) {
			t.Errorf("row missing %q: %q", want, row)
		}
	}
	if strings.Contains(row, "89abcdef") {
		t.Errorf("id not shortened: %q", row)
	}
}

func TestFormatters(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatTokens(0, 0), "-"},
		{formatTokens(999, 1000), "999/1k"},
		{formatCount(2500000), "2.5M"},
		{formatCount(3000000), "3M"},
		{formatCost(0), "-"},
		{formatCost(0.004), "<$0.01"},
		{formatCost(1.5), "$1.50"},
		{formatAge(10 * time.Second), "just now"},
		{formatAge(5 * time.Minute), "5m ago"},
		{formatAge(50 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if st, err := parseStatus("complete"); err != nil || st != conversation.StatusComplete {
		t.Errorf("parseStatus(complete) = %q, %v", st, err)
	}
	if _, err := parseStatus("done"); err == nil {
		t.Error("parseStatus(done) should fail")
	}
}

func TestResolveID(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	for _, id := range []string{"abc123", "abd456", "xyz789"} {
		if err := store.Create(ctx, &conversation.Conversation{ID: id}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "abc123", want: "abc123"},
		{in: "x", want: "xyz789"},
		{in: "abd", want: "abd456"},
		{in: "ab", wantErr: true},
		{in: "q", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := resolveID(ctx, store, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatResult(t *testing.T) {
	code := 3
	res := sandbox.Result{Stdout: "hi\n", ExitCode: &code, Sandboxed: true}

	data, err := formatResult(res, false)
	if err != nil {
		t.Fatal(err)
	}
	var fromJSON map[string]any
	if err := json.Unmarshal(data, &fromJSON); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if fromJSON["stdout"] != "hi\n" || fromJSON["exit_code"] != float64(3) {
		t.Errorf("json = %v", fromJSON)
	}

	data, err = formatResult(res, true)
	if err != nil {
		t.Fatal(err)
	}
	var fromYAML sandbox.Result
	if err := yaml.Unmarshal(data, &fromYAML); err != nil {
		t.Fatalf("not yaml: %v", err)
	}
	if diff := cmp.Diff(res, fromYAML); diff != "" {
		t.Errorf("yaml (-want +got):\n%s", diff)
	}
}

func TestResultExitCode(t *testing.T) {
	zero, two := 0, 2
	tests := []struct {
		name string
		res  sandbox.Result
		want int
	}{
		{"exit", sandbox.Result{ExitCode: &two}, 2},
		{"timeout", sandbox.Result{TimedOut: true}, 124},
		{"killed", sandbox.Result{}, 1},
		{"clean", sandbox.Result{ExitCode: &zero}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultExitCode(tt.res); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBuildSandboxReport(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default().Execution
	cfg.WorkspaceDir = workspace
	cfg.ApprovalMode = string(approval.ModeAutoApproveAll)

	tests := []struct {
		backend  sandbox.Backend
		mode     approval.Mode
		remember bool
	}{
		{sandbox.BackendBubblewrap, approval.ModeAutoApproveAll, true},
		{sandbox.BackendNone, approval.ModeAlwaysAsk, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.backend), func(t *testing.T) {
			report, err := buildSandboxReport(cfg, tt.backend)
			if err != nil {
				t.Fatal(err)
			}
			if report.EffectiveMode != tt.mode || report.Remember != tt.remember || report.Workspace != workspace {
				t.Errorf("report = %+v", report)
			}

			var buf bytes.Buffer
			writeSandboxReport(&buf, ui.NewStyles(&buf), report)
			if tt.backend == sandbox.BackendNone && !strings.Contains(buf.String(), "configured auto_approve_all, no sandbox") {
				t.Errorf("degraded mode not reported:\n%s", buf.String())
			}
		})
	}
}

func TestRenderConversation(t *testing.T) {
	approved := true
	payload, err := json.Marshal(trace.Payload{ToolCalls: []trace.ToolCall{
		{ID: "1", Name: "bash", Command: "ls", Status: trace.ToolSuccess, Approved: &approved},
		{ID: "2", Name: "bash", Command: "rm x", Status: trace.ToolError, Error: "permission_denied: denied by user"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	conv := &conversation.Conversation{ID: "c1", Title: "list files", Model: "m", Status: conversation.StatusComplete}
	messages := []conversation.Message{
		{Role: llm.RoleUser, TextContent: "list files"},
		{Role: llm.RoleAssistant, TextContent: "Here they are.", Trace: payload},
	}

	var buf bytes.Buffer
	renderConversation(&buf, ui.NewStyles(&buf), conv, messages, 0)
	out := buf.String()
	for _, want := range []string{
		"list files",
		"> list files",
		ui.SuccessIcon + " bash ls",
		ui.FailIcon + " bash rm x: permission_denied: denied by user",
		"Here they are.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
