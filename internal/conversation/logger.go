package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samsaffron/chatty/internal/llm"
)

// WarnFunc is a function that logs warnings.
type WarnFunc func(format string, args ...any)

// LoggingStore wraps a Store and reports write failures once per operation,
// so a broken database is visible without spamming every streamed response.
type LoggingStore struct {
	Store
	warnFunc WarnFunc
	mu       sync.Mutex
	warned   map[string]bool
}

// NewLoggingStore wraps store. A nil warnFunc logs through slog.
func NewLoggingStore(store Store, warnFunc WarnFunc) *LoggingStore {
	if warnFunc == nil {
		warnFunc = func(format string, args ...any) {
			slog.Warn(fmt.Sprintf(format, args...))
		}
	}
	return &LoggingStore{
		Store:    store,
		warnFunc: warnFunc,
		warned:   make(map[string]bool),
	}
}

func (s *LoggingStore) logOnce(op string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned[op] {
		return
	}
	s.warned[op] = true
	s.warnFunc("conversation %s failed: %v", op, err)
}

func (s *LoggingStore) Create(ctx context.Context, c *Conversation) error {
	err := s.Store.Create(ctx, c)
	s.logOnce("Create", err)
	return err
}

func (s *LoggingStore) AddMessage(ctx context.Context, conversationID string, msg *Message) error {
	err := s.Store.AddMessage(ctx, conversationID, msg)
	s.logOnce("AddMessage", err)
	return err
}

func (s *LoggingStore) UpdateUsage(ctx context.Context, id string, usage llm.Usage, cost float64) error {
	err := s.Store.UpdateUsage(ctx, id, usage, cost)
	s.logOnce("UpdateUsage", err)
	return err
}

func (s *LoggingStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	err := s.Store.UpdateStatus(ctx, id, status)
	s.logOnce("UpdateStatus", err)
	return err
}
