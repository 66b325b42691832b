// Package conversation persists conversations and holds the text of
// responses that are still streaming.
package conversation

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samsaffron/chatty/internal/config"
	"github.com/samsaffron/chatty/internal/llm"
)

// Store is the interface for conversation persistence.
type Store interface {
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, error)
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Delete(ctx context.Context, id string) error

	AddMessage(ctx context.Context, conversationID string, msg *Message) error
	Messages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)

	// UpdateUsage adds usage and its estimated cost to the running totals.
	UpdateUsage(ctx context.Context, id string, usage llm.Usage, cost float64) error
	UpdateStatus(ctx context.Context, id string, status Status) error

	Close() error
}

// Config holds conversation storage configuration.
type Config struct {
	Enabled    bool
	Path       string // database file; empty = data dir default
	MaxAgeDays int    // delete conversations idle this long (0 = never)
}

// ConfigFrom maps the sessions section of the application config.
func ConfigFrom(cfg config.SessionsConfig) Config {
	return Config{Enabled: cfg.Enabled, Path: cfg.Path, MaxAgeDays: cfg.MaxAgeDays}
}

// GetDBPath returns the path to the conversations database.
func GetDBPath(cfg Config) (string, error) {
	if cfg.Path != "" {
		return cfg.Path, nil
	}
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", fmt.Errorf("get data dir: %w", err)
	}
	return filepath.Join(dataDir, "conversations.db"), nil
}

// NewStore creates a Store based on the configuration.
// If persistence is disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
