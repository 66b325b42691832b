package conversation

import (
	"context"
	"fmt"

	"github.com/samsaffron/chatty/internal/llm"
)

// NoopStore is used when persistence is disabled. Writes are discarded and
// reads find nothing.
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context, c *Conversation) error {
	prepareNew(c)
	return nil
}

func (s *NoopStore) Get(ctx context.Context, id string) (*Conversation, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *NoopStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return nil, nil
}

func (s *NoopStore) Delete(ctx context.Context, id string) error {
	return nil
}

func (s *NoopStore) AddMessage(ctx context.Context, conversationID string, msg *Message) error {
	return nil
}

func (s *NoopStore) Messages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	return nil, nil
}

func (s *NoopStore) UpdateUsage(ctx context.Context, id string, usage llm.Usage, cost float64) error {
	return nil
}

func (s *NoopStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
