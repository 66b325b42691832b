package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/samsaffron/chatty/internal/llm"
)

// DefaultTimeout bounds how long a request waits for the user.
const DefaultTimeout = 5 * time.Minute

var ErrNoSuchRequest = errors.New("no such approval request")

// Kind tells command requests apart from file changes.
type Kind string

const (
	KindCommand Kind = "command"
	KindWrite   Kind = "write"
)

// Request is one tool call waiting for a decision. Command holds the shell
// command, or a one-line summary of a file change with Detail as its diff.
type Request struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Conversation string    `json:"conversation"`
	ToolCallID   string    `json:"tool_call_id,omitempty"`
	ToolName     string    `json:"tool_name"`
	Command      string    `json:"command"`
	Detail       string    `json:"detail,omitempty"`
	Sandboxed    bool      `json:"sandboxed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Rememberable reports whether ApproveAndRemember may be offered for r.
func (r Request) Rememberable() bool {
	return r.Kind == KindCommand && r.Sandboxed
}

// PromptFunc asks the user about req. It is run on its own goroutine; ctx is
// cancelled once the request has been resolved some other way.
type PromptFunc func(ctx context.Context, req Request) (Decision, error)

// Options configures a Gate.
type Options struct {
	Mode      Mode
	Sandboxed bool // commands run under OS isolation
	Scope     Scope
	Allow     []string      // glob patterns approved without asking
	Timeout   time.Duration // 0 = DefaultTimeout, negative = wait forever
	Prompt    PromptFunc
}

type pendingRequest struct {
	req       Request
	keyFn     func() string
	reply     chan Decision // capacity 1, written exactly once
	settled   bool
	announced bool // resolution already published for a cancelled stream
}

// Gate suspends tool calls until each one is approved or denied. Only the
// calling tool's goroutine blocks; every other stream keeps running.
type Gate struct {
	mode      Mode
	sandboxed bool
	timeout   time.Duration
	allow     []glob.Glob
	remember  *RememberCache
	prompt    PromptFunc

	// promptMu keeps interactive prompts from overlapping on the terminal.
	promptMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewGate builds a gate. Without a sandbox, remembering and every
// auto-approve path are turned off for the life of the gate.
func NewGate(opts Options) (*Gate, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAlwaysAsk
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	allow, err := CompilePatterns(opts.Allow)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	if !opts.Sandboxed {
		if mode != ModeAlwaysAsk || len(allow) > 0 {
			slog.Warn("sandbox unavailable; auto-approval disabled, every command needs confirmation", "approval_mode", mode)
		}
		mode = ModeAlwaysAsk
		allow = nil
	}

	return &Gate{
		mode:      mode,
		sandboxed: opts.Sandboxed,
		timeout:   timeout,
		allow:     allow,
		remember:  NewRememberCache(opts.Scope),
		prompt:    opts.Prompt,
		pending:   make(map[string]*pendingRequest),
	}, nil
}

// Mode is the effective mode after sandbox degradation.
func (g *Gate) Mode() Mode { return g.mode }

func (g *Gate) Sandboxed() bool { return g.sandboxed }

// RememberAllowed reports whether ApproveAndRemember is honoured.
func (g *Gate) RememberAllowed() bool { return g.sandboxed }

// Remembered lists the session's remembered patterns.
func (g *Gate) Remembered() []string { return g.remember.Patterns() }

// Check decides whether command may run for the tool call executing under ctx.
// When the user has to be asked it emits ApprovalRequested into the owning
// stream, blocks until a decision, timeout or cancellation, then emits
// ApprovalResolved. Cancellation and timeout resolve as Deny.
func (g *Gate) Check(ctx context.Context, toolName, command string) (Decision, error) {
	req := g.newRequest(ctx, KindCommand, toolName, command)
	if g.autoApproves(command) {
		slog.Debug("command auto-approved", "conversation", req.Conversation, "command", command, "mode", g.mode)
		return Approve, nil
	}
	return g.ask(ctx, req)
}

// Confirm asks about a file change described by summary and detail. File
// changes are never auto-approved or remembered, whatever the mode.
func (g *Gate) Confirm(ctx context.Context, toolName, summary, detail string) (Decision, error) {
	req := g.newRequest(ctx, KindWrite, toolName, summary)
	req.Detail = detail
	req.Sandboxed = true // the file tools confine themselves to the workspace
	return g.ask(ctx, req)
}

func (g *Gate) newRequest(ctx context.Context, kind Kind, toolName, command string) Request {
	return Request{
		ID:           uuid.NewString(),
		Kind:         kind,
		Conversation: ConversationFromContext(ctx),
		ToolCallID:   llm.CallIDFromContext(ctx),
		ToolName:     toolName,
		Command:      command,
		Sandboxed:    g.sandboxed,
		CreatedAt:    time.Now(),
	}
}

func (g *Gate) ask(ctx context.Context, req Request) (Decision, error) {
	toolName, command := req.ToolName, req.Command
	if err := ctx.Err(); err != nil {
		return Deny, err
	}

	entry := &pendingRequest{req: req, reply: make(chan Decision, 1)}
	if fn, ok := ctx.Value(conversationKey).(func() string); ok {
		entry.keyFn = fn
	}
	g.mu.Lock()
	g.pending[req.ID] = entry
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	llm.EmitChunk(ctx, llm.Chunk{
		Type:       llm.ChunkApprovalRequested,
		ToolCallID: req.ToolCallID,
		ToolName:   toolName,
		ApprovalID: req.ID,
		Command:    command,
		Sandboxed:  req.Sandboxed,
	})

	if g.prompt != nil {
		promptCtx, cancelPrompt := context.WithCancel(ctx)
		defer cancelPrompt()
		go g.runPrompt(promptCtx, req)
	}

	var timeoutC <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var decision Decision
	select {
	case decision = <-entry.reply:
	case <-ctx.Done():
		g.settle(req.ID, Deny, false)
		decision = <-entry.reply
	case <-timeoutC:
		if g.settle(req.ID, Deny, false) == nil {
			slog.Info("approval timed out", "conversation", req.Conversation, "command", command, "timeout", g.timeout)
		}
		decision = <-entry.reply
	}

	if decision == ApproveAndRemember {
		if patterns, err := g.remember.Remember(command); err != nil {
			slog.Warn("remember approval", "command", command, "error", err)
		} else {
			slog.Debug("approval remembered", "patterns", patterns)
		}
	}

	g.mu.Lock()
	announced := entry.announced
	g.mu.Unlock()
	if !announced {
		llm.EmitChunk(ctx, llm.Chunk{
			Type:       llm.ChunkApprovalResolved,
			ToolCallID: req.ToolCallID,
			ToolName:   toolName,
			ApprovalID: req.ID,
			Approved:   decision.Approved(),
		})
	}

	if decision == DenyAndStop {
		if stop := stopperFromContext(ctx); stop != nil {
			stop()
		}
	}
	return decision, nil
}

func (g *Gate) runPrompt(ctx context.Context, req Request) {
	g.promptMu.Lock()
	defer g.promptMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	decision, err := g.prompt(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("approval prompt failed", "request", req.ID, "error", err)
		}
		decision = Deny
	}
	_ = g.Resolve(req.ID, decision)
}

// Resolve delivers the user's decision for a pending request. Only the first
// resolution of a request counts.
func (g *Gate) Resolve(id string, decision Decision) error {
	return g.settle(id, decision, false)
}

func (g *Gate) settle(id string, decision Decision, announced bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[id]
	if !ok || entry.settled {
		return fmt.Errorf("%w: %s", ErrNoSuchRequest, id)
	}
	if decision == ApproveAndRemember && !entry.req.Rememberable() {
		decision = Approve
	}
	entry.settled = true
	entry.announced = announced
	entry.reply <- decision
	return nil
}

// CancelConversation denies every unresolved request owned by any of keys
// and returns them. The caller publishes their resolution, since the owning
// stream is being torn down and its tool path can no longer emit.
func (g *Gate) CancelConversation(keys ...string) []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Request
	for _, entry := range g.pending {
		if entry.settled {
			continue
		}
		current := entry.req.Conversation
		if entry.keyFn != nil {
			current = entry.keyFn()
		}
		if !slices.Contains(keys, current) && !slices.Contains(keys, entry.req.Conversation) {
			continue
		}
		entry.settled = true
		entry.announced = true
		entry.reply <- Deny
		req := entry.req
		req.Conversation = current
		out = append(out, req)
	}
	slices.SortFunc(out, func(a, b Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// ResolveStopped denies the requests of the streams filed under keys and
// returns their ApprovalResolved chunks. It serves as a stream.StopHook.
func (g *Gate) ResolveStopped(keys ...string) []llm.Chunk {
	reqs := g.CancelConversation(keys...)
	if len(reqs) == 0 {
		return nil
	}
	chunks := make([]llm.Chunk, len(reqs))
	for i, req := range reqs {
		chunks[i] = llm.Chunk{
			Type:       llm.ChunkApprovalResolved,
			ToolCallID: req.ToolCallID,
			ToolName:   req.ToolName,
			ApprovalID: req.ID,
			Approved:   false,
		}
	}
	slog.Debug("approvals denied by stop", "keys", keys, "count", len(reqs))
	return chunks
}

// Pending lists unresolved requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, entry := range g.pending {
		if !entry.settled {
			out = append(out, entry.req)
		}
	}
	slices.SortFunc(out, func(a, b Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (g *Gate) autoApproves(command string) bool {
	if !g.sandboxed {
		return false
	}
	switch g.mode {
	case ModeAutoApproveSandboxed, ModeAutoApproveAll:
		return true
	}
	return matchAny(g.allow, command) || g.remember.Match(command)
}
