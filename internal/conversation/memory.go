package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samsaffron/chatty/internal/llm"
)

// MemoryStore keeps conversations in process memory. It backs tests and
// runs where nothing should touch disk.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]Message
	nextID        int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
}

func (s *MemoryStore) Create(ctx context.Context, c *Conversation) error {
	prepareNew(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("insert conversation: duplicate id %s", c.ID)
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Summary
	for _, c := range s.conversations {
		if opts.Status != "" && c.Status != opts.Status {
			continue
		}
		out = append(out, Summary{
			ID:           c.ID,
			Title:        c.Title,
			Model:        c.Model,
			MessageCount: len(s.messages[c.ID]),
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			Cost:         c.Cost,
			Status:       c.Status,
			CreatedAt:    c.CreatedAt,
			UpdatedAt:    c.UpdatedAt,
		})
	}
	slices.SortFunc(out, func(a, b Summary) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if limit := listLimit(opts); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, conversationID string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("insert message: %w: %s", ErrNotFound, conversationID)
	}
	s.nextID++
	msg.ID = s.nextID
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Sequence < 0 {
		msg.Sequence = len(s.messages[conversationID])
	}
	s.messages[conversationID] = append(s.messages[conversationID], *msg)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Messages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return slices.Clone(msgs), nil
}

func (s *MemoryStore) UpdateUsage(ctx context.Context, id string, usage llm.Usage, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.InputTokens += usage.InputTokens
		c.OutputTokens += usage.OutputTokens
		c.Cost += cost
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.Status = status
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
