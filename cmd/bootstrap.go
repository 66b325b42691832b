package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/chat"
	"github.com/samsaffron/chatty/internal/config"
	"github.com/samsaffron/chatty/internal/conversation"
	"github.com/samsaffron/chatty/internal/llm"
	"github.com/samsaffron/chatty/internal/sandbox"
	"github.com/samsaffron/chatty/internal/stream"
	"github.com/samsaffron/chatty/internal/tools"
)

// shutdownTimeout bounds how long exiting waits for stream loops to unwind.
const shutdownTimeout = 15 * time.Second

// app holds everything a chat needs, wired from the config.
type app struct {
	cfg      *config.Config
	store    conversation.Store
	executor *sandbox.Executor
	gate     *approval.Gate
	bus      *stream.Bus
	manager  *stream.Manager
	service  *chat.Service
}

func openStore(cfg *config.Config) (conversation.Store, error) {
	store, err := conversation.NewStore(conversation.ConfigFrom(cfg.Sessions))
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return store, nil
}

func sandboxConfig(cfg config.ExecutionConfig) sandbox.Config {
	return sandbox.Config{
		Enabled:          cfg.Enabled,
		WorkspaceDir:     cfg.WorkspaceDir,
		Timeout:          time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxOutputBytes:   cfg.MaxOutputBytes,
		NetworkIsolation: cfg.NetworkIsolation,
	}
}

// newGate builds the approval gate for executor. The mode degrades to
// always_ask when the executor cannot isolate commands.
func newGate(cfg config.ExecutionConfig, executor *sandbox.Executor, prompt approval.PromptFunc) (*approval.Gate, error) {
	mode, err := approval.ParseMode(cfg.ApprovalMode)
	if err != nil {
		return nil, err
	}
	scope, err := approval.ParseScope(cfg.RememberScope)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.ApprovalTimeoutSeconds) * time.Second
	if cfg.ApprovalTimeoutSeconds < 0 {
		timeout = -1
	}
	return approval.NewGate(approval.Options{
		Mode:      mode,
		Sandboxed: executor.Sandboxed(),
		Scope:     scope,
		Allow:     cfg.Allow,
		Timeout:   timeout,
		Prompt:    prompt,
	})
}

func newApp(cfg *config.Config, prompt approval.PromptFunc) (*app, error) {
	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: conversation.NewLoggingStore(store, nil)}

	registry := llm.NewToolRegistry()
	if cfg.Execution.Enabled {
		a.executor, err = sandbox.New(sandboxConfig(cfg.Execution))
		if err != nil {
			store.Close()
			return nil, err
		}
		a.gate, err = newGate(cfg.Execution, a.executor, prompt)
		if err != nil {
			store.Close()
			return nil, err
		}
		workspace, err := tools.NewWorkspace(a.executor.Config().WorkspaceDir, cfg.Execution.WriteDeny)
		if err != nil {
			store.Close()
			return nil, err
		}
		registry.Register(tools.NewBashTool(a.executor, a.gate))
		registry.Register(tools.NewWriteFileTool(workspace, a.gate))
		registry.Register(tools.NewEditFileTool(workspace, a.gate))
		slog.Debug("command execution enabled", "backend", a.executor.Backend(), "approval_mode", a.gate.Mode())
	}

	a.bus = stream.NewBus()
	var opts []stream.Option
	if a.gate != nil {
		// Stopping a stream denies whatever approval it is waiting on.
		opts = append(opts, stream.WithStopHook(a.gate.ResolveStopped))
	}
	a.manager = stream.NewManager(a.bus, opts...)

	active := cfg.ActiveProvider()
	a.service = chat.New(chat.Options{
		Manager:     a.manager,
		Store:       a.store,
		Engine:      llm.NewEngine(provider, registry),
		Gate:        a.gate,
		Provider:    cfg.Provider,
		Model:       modelName(cfg),
		MaxTokens:   active.MaxTokens,
		InputPrice:  active.InputPrice,
		OutputPrice: active.OutputPrice,
	})
	return a, nil
}

// Close stops every stream, then tears down the coordinator, the event bus
// and the store in that order.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.service.Shutdown(ctx)
	a.manager.Close()
	a.bus.Close()
	return errors.Join(err, a.store.Close())
}

// modelName is the model recorded with new conversations.
func modelName(cfg *config.Config) string {
	if cfg.Provider == "debug" {
		return "debug-" + cfg.Debug.Variant
	}
	return cfg.ActiveProvider().Model
}
