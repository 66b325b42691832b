package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/conversation"
	"github.com/samsaffron/chatty/internal/llm"
	"github.com/samsaffron/chatty/internal/stream"
	"github.com/samsaffron/chatty/internal/trace"
)

// ErrStopped is returned by Start when the provisional stream was cancelled
// before its conversation could take it over.
var ErrStopped = errors.New("stream stopped before the conversation was created")

// persistTimeout bounds store writes made after a stream has ended.
const persistTimeout = 10 * time.Second

// Options wires a Service.
type Options struct {
	Manager *stream.Manager
	Store   conversation.Store
	Engine  *llm.Engine
	// Gate is nil when command execution is disabled. Manager should be
	// built with stream.WithStopHook(Gate.ResolveStopped).
	Gate *approval.Gate

	Provider  string
	Model     string
	MaxTokens int

	// USD per million tokens, for the running cost estimate.
	InputPrice  float64
	OutputPrice float64
}

// Service runs chat streams. Every stream loop reports to the Manager; the
// Manager's registry is the single source of truth for what is streaming.
type Service struct {
	opts    Options
	manager *stream.Manager
	drafts  *conversation.Drafts
	store   conversation.Store

	loops errgroup.Group

	// saving holds, per conversation, a channel closed once the reply of
	// its last stream has been written.
	mu     sync.Mutex
	saving map[string]chan struct{}
}

func New(opts Options) *Service {
	store := opts.Store
	if store == nil {
		store = &conversation.NoopStore{}
	}
	return &Service{
		opts:    opts,
		manager: opts.Manager,
		drafts:  conversation.NewDrafts(),
		store:   store,
		saving:  make(map[string]chan struct{}),
	}
}

// Subscribe returns a new ordered view of stream events.
func (s *Service) Subscribe() *stream.Subscription {
	return s.manager.Bus().Subscribe()
}

// Drafts exposes the in-progress response text per conversation.
func (s *Service) Drafts() *conversation.Drafts {
	return s.drafts
}

func (s *Service) IsStreaming(key string) bool {
	return s.manager.IsStreaming(key)
}

// run is the state of one stream loop.
type run struct {
	key   func() string
	token *stream.CancelToken
	task  *stream.Task

	// ready is closed once a provisional stream has been promoted or
	// abandoned. Nil for streams on existing conversations.
	ready <-chan struct{}

	trace *trace.Collector
	usage llm.Usage

	stopRequested atomic.Bool
}

func fixedKey(key string) func() string {
	return func() string { return key }
}

// Send streams a reply on an existing conversation. It returns once the
// stream is registered; progress arrives as events.
func (s *Service) Send(ctx context.Context, conversationID, text string) error {
	if err := s.waitSaved(ctx, conversationID); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, conversationID); err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	history, err := s.store.Messages(ctx, conversationID, 0, 0)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	loopCtx, task := stream.NewTask(context.WithoutCancel(ctx))
	token := stream.NewCancelToken()
	if err := s.manager.Register(conversationID, task, token); err != nil {
		task.Finish()
		return err
	}

	user := conversation.NewMessage(conversationID, llm.UserText(text))
	if err := s.store.AddMessage(ctx, conversationID, user); err != nil {
		s.manager.Do(func(r *stream.Registry) {
			if r.Owns(conversationID, token) {
				r.Finalize(conversationID, stream.StatusError(err.Error()))
			}
		})
		task.Finish()
		return fmt.Errorf("save message: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for i := range history {
		messages = append(messages, history[i].ToLLMMessage())
	}
	messages = append(messages, llm.UserText(text))

	s.launch(loopCtx, &run{
		key:   fixedKey(conversationID),
		token: token,
		task:  task,
		trace: trace.NewCollector(),
	}, messages)
	return nil
}

// Start streams the first reply of a new conversation. The stream begins
// under the pending key while the conversation is created, then moves to
// the conversation's id, which is returned.
func (s *Service) Start(ctx context.Context, text string) (string, error) {
	loopCtx, task := stream.NewTask(context.WithoutCancel(ctx))
	token := stream.NewCancelToken()
	cell := stream.NewPendingResolution()
	if err := s.manager.RegisterPending(task, cell, token); err != nil {
		task.Finish()
		return "", err
	}

	ready := make(chan struct{})
	defer close(ready)
	s.launch(loopCtx, &run{
		key:   cell.Key,
		token: token,
		task:  task,
		ready: ready,
		trace: trace.NewCollector(),
	}, []llm.Message{llm.UserText(text)})

	conv := &conversation.Conversation{
		Title:    conversation.TitleFrom(text),
		Provider: s.opts.Provider,
		Model:    s.opts.Model,
	}
	if err := s.store.Create(ctx, conv); err != nil {
		s.abandonPending(token)
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if err := s.store.AddMessage(ctx, conv.ID, conversation.NewMessage(conv.ID, llm.UserText(text))); err != nil {
		s.abandonPending(token)
		return "", fmt.Errorf("save message: %w", err)
	}

	var promoted bool
	s.manager.Do(func(r *stream.Registry) {
		if !r.Owns(stream.PendingKey, token) {
			return
		}
		if err := r.PromotePending(conv.ID); err != nil {
			slog.Error("promote pending stream", "conversation", conv.ID, "error", err)
			return
		}
		s.drafts.Rename(stream.PendingKey, conv.ID)
		promoted = true
	})
	if !promoted {
		s.abandonPending(token)
		s.markInterrupted(conv.ID, "")
		return conv.ID, ErrStopped
	}
	slog.Debug("pending stream promoted", "conversation", conv.ID)
	return conv.ID, nil
}

// abandonPending stops the pending stream if it is still the one owned by
// token and discards its draft.
func (s *Service) abandonPending(token *stream.CancelToken) {
	s.manager.Do(func(r *stream.Registry) {
		if r.Owns(stream.PendingKey, token) {
			s.stopLocked(r, stream.PendingKey)
		}
	})
}

// Stop cancels key's stream. Outstanding approvals for it are resolved as
// denied before the stream ends, and any partial reply is saved. Stopping a
// conversation that is not streaming does nothing.
func (s *Service) Stop(key string) bool {
	var stopped bool
	var text string
	var saved func()
	s.manager.Do(func(r *stream.Registry) {
		stopped, text = s.stopLocked(r, key)
		if stopped && key != stream.PendingKey {
			saved = s.beginSave(key)
		}
	})
	if saved != nil {
		s.markInterrupted(key, text)
		saved()
	}
	return stopped
}

// CancelPending cancels the stream of a conversation still being created.
func (s *Service) CancelPending() bool {
	var stopped bool
	s.manager.Do(func(r *stream.Registry) {
		if stopped = r.CancelPending(); stopped {
			s.drafts.FinalizeResponse(stream.PendingKey)
		}
	})
	return stopped
}

// stopLocked runs on the coordination goroutine. The registry's stop hook
// resolves the approvals the stream was waiting on.
func (s *Service) stopLocked(r *stream.Registry, key string) (bool, string) {
	if !r.Stop(key) {
		return false, ""
	}
	return true, s.drafts.FinalizeResponse(key)
}

// Resolve answers a pending approval request.
func (s *Service) Resolve(requestID string, decision approval.Decision) error {
	if s.opts.Gate == nil {
		return fmt.Errorf("%w: %s", approval.ErrNoSuchRequest, requestID)
	}
	return s.opts.Gate.Resolve(requestID, decision)
}

// PendingApprovals lists unanswered approval requests, oldest first.
func (s *Service) PendingApprovals() []approval.Request {
	if s.opts.Gate == nil {
		return nil
	}
	return s.opts.Gate.Pending()
}

// Shutdown stops every stream and waits for their loops to exit or ctx to
// expire.
func (s *Service) Shutdown(ctx context.Context) error {
	type stopped struct {
		key, text string
		saved     func()
	}
	var all []stopped
	s.manager.Do(func(r *stream.Registry) {
		keys := r.ActiveKeys()
		if n := r.StopAll(); n > 0 {
			slog.Info("stopped active streams", "count", n)
		}
		for _, key := range keys {
			text := s.drafts.FinalizeResponse(key)
			if key != stream.PendingKey {
				all = append(all, stopped{key, text, s.beginSave(key)})
			}
		}
	})
	for _, st := range all {
		s.markInterrupted(st.key, st.text)
		st.saved()
	}

	done := make(chan error, 1)
	go func() { done <- s.loops.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) launch(ctx context.Context, r *run, messages []llm.Message) {
	ctx = approval.WithConversation(ctx, r.key)
	ctx = approval.WithStopper(ctx, func() { r.stopRequested.Store(true) })
	req := llm.Request{
		Model:           s.opts.Model,
		Messages:        messages,
		MaxOutputTokens: s.opts.MaxTokens,
	}
	s.loops.Go(func() error {
		defer r.task.Finish()
		s.loop(ctx, r, req)
		return nil
	})
}

func (s *Service) loop(ctx context.Context, r *run, req llm.Request) {
	out, err := s.opts.Engine.Stream(ctx, req)
	if err != nil {
		if !r.token.Cancelled() {
			s.fail(ctx, r, err)
		}
		return
	}
	defer out.Close()

	for {
		if r.token.Cancelled() {
			r.trace.Cancel()
			slog.Debug("stream loop observed cancellation", "key", r.key())
			return
		}

		chunk, err := out.Recv()
		if err == io.EOF {
			if r.token.Cancelled() {
				continue
			}
			s.fail(ctx, r, errors.New("stream ended without completing"))
			return
		}
		if err != nil {
			if r.token.Cancelled() {
				continue
			}
			s.fail(ctx, r, err)
			return
		}
		r.trace.Observe(chunk)

		switch chunk.Type {
		case llm.ChunkDone:
			s.complete(ctx, r)
			return
		case llm.ChunkError:
			if r.token.Cancelled() {
				continue
			}
			err := chunk.Err
			if err == nil {
				err = errors.New("stream failed")
			}
			s.fail(ctx, r, err)
			return
		case llm.ChunkTokenUsage:
			if chunk.Use != nil {
				r.usage = *chunk.Use
			}
		}

		s.forward(r, chunk)

		// DenyAndStop: the resolution has been forwarded, now stop.
		if r.stopRequested.Load() && !r.token.Cancelled() {
			s.Stop(r.key())
		}
	}
}

// forward applies chunk on the coordination goroutine, unless a newer
// stream has taken over the key in the meantime.
func (s *Service) forward(r *run, chunk llm.Chunk) {
	s.manager.Post(func(reg *stream.Registry) {
		key := r.key()
		if !reg.Owns(key, r.token) {
			return
		}
		if chunk.Type == llm.ChunkText {
			s.drafts.AppendStreamingContent(key, chunk.Text)
		}
		reg.HandleChunk(key, chunk)
	})
}

// awaitKey returns the conversation id the stream ended under, waiting for
// a provisional stream to be promoted first.
func (s *Service) awaitKey(ctx context.Context, r *run) (string, bool) {
	if r.ready != nil {
		select {
		case <-r.ready:
		case <-ctx.Done():
			return "", false
		}
	}
	key := r.key()
	return key, key != stream.PendingKey
}

// settle ends a stream this loop still owns. The trace is attached, the
// draft taken and StreamEnded published in one coordinator step, so a
// concurrent Stop either wins outright or finds nothing left to stop. The
// returned saved func must be called once the reply has been written.
func (s *Service) settle(r *run, key string, payload []byte, status stream.Status) (text string, saved func(), owned bool) {
	s.manager.Do(func(reg *stream.Registry) {
		if !reg.Owns(key, r.token) {
			return
		}
		if payload != nil {
			reg.SetTrace(key, payload)
		}
		text = s.drafts.FinalizeResponse(key)
		saved = s.beginSave(key)
		reg.Finalize(key, status)
		owned = true
	})
	return text, saved, owned
}

func (s *Service) complete(ctx context.Context, r *run) {
	key, ok := s.awaitKey(ctx, r)
	if !ok {
		return
	}
	payload, err := r.trace.Payload()
	if err != nil {
		slog.Warn("encode trace", "conversation", key, "error", err)
	}
	text, saved, owned := s.settle(r, key, payload, stream.StatusCompleted)
	if !owned {
		return
	}
	defer saved()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	msg := conversation.NewMessage(key, llm.AssistantText(text))
	msg.Trace = payload
	msg.InputTokens = r.usage.InputTokens
	msg.OutputTokens = r.usage.OutputTokens
	if err := s.store.AddMessage(pctx, key, msg); err != nil {
		slog.Warn("save reply", "conversation", key, "error", err)
	}
	cost := r.usage.Cost(s.opts.InputPrice, s.opts.OutputPrice)
	if err := s.store.UpdateUsage(pctx, key, r.usage, cost); err != nil {
		slog.Warn("save usage", "conversation", key, "error", err)
	}
	if err := s.store.UpdateStatus(pctx, key, conversation.StatusComplete); err != nil {
		slog.Warn("save status", "conversation", key, "error", err)
	}
	slog.Debug("stream completed", "conversation", key, "input_tokens", r.usage.InputTokens, "output_tokens", r.usage.OutputTokens, "cost", cost)
}

func (s *Service) fail(ctx context.Context, r *run, cause error) {
	key, ok := s.awaitKey(ctx, r)
	if !ok {
		return
	}
	payload, _ := r.trace.Payload()
	text, saved, owned := s.settle(r, key, payload, stream.StatusError(cause.Error()))
	if !owned {
		slog.Debug("stream error after stop", "conversation", key, "error", cause)
		return
	}
	defer saved()
	slog.Warn("stream failed", "conversation", key, "error", cause)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if text != "" {
		msg := conversation.NewMessage(key, llm.AssistantText(text))
		msg.Trace = payload
		if err := s.store.AddMessage(pctx, key, msg); err != nil {
			slog.Warn("save partial reply", "conversation", key, "error", err)
		}
	}
	if err := s.store.UpdateStatus(pctx, key, conversation.StatusError); err != nil {
		slog.Warn("save status", "conversation", key, "error", err)
	}
}

// beginSave marks key's reply as being written. It runs on the coordination
// goroutine, before StreamEnded is published, so anyone reacting to the
// event can wait for the write with waitSaved.
func (s *Service) beginSave(key string) func() {
	done := make(chan struct{})
	s.mu.Lock()
	s.saving[key] = done
	s.mu.Unlock()
	return func() {
		close(done)
		s.mu.Lock()
		if s.saving[key] == done {
			delete(s.saving, key)
		}
		s.mu.Unlock()
	}
}

// waitSaved blocks until the reply of key's last stream has been written.
func (s *Service) waitSaved(ctx context.Context, key string) error {
	s.mu.Lock()
	done := s.saving[key]
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markInterrupted saves the partial reply of a stopped stream.
func (s *Service) markInterrupted(key, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if text != "" {
		if err := s.store.AddMessage(ctx, key, conversation.NewMessage(key, llm.AssistantText(text))); err != nil {
			slog.Warn("save partial reply", "conversation", key, "error", err)
		}
	}
	if err := s.store.UpdateStatus(ctx, key, conversation.StatusInterrupted); err != nil {
		slog.Warn("save status", "conversation", key, "error", err)
	}
}
