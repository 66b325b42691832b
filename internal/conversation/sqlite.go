package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/samsaffron/chatty/internal/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Schema for the conversations database.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    cost REAL DEFAULT 0,
    status TEXT DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    parts TEXT NOT NULL,
    text_content TEXT,
    trace TEXT,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_sequence ON messages(conversation_id, sequence);
`

// NewSQLiteStore opens (creating if needed) the conversations database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath, err := GetDBPath(cfg)
	if err != nil {
		return nil, fmt.Errorf("get db path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	store := &SQLiteStore{db: db, cfg: cfg}
	if err := store.cleanup(); err != nil {
		slog.Warn("conversation cleanup failed", "error", err)
	}
	return store, nil
}

// schemaVersion is the current schema version. Fresh databases get the full
// schema and start here; older ones run the migrations below.
const schemaVersion = 2

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The schema
// const always holds the full current schema.
var migrations = []migration{
	{
		version:     1,
		description: "add conversation cost column",
		up: func(db *sql.DB) error {
			return addColumns(db, "ALTER TABLE conversations ADD COLUMN cost REAL DEFAULT 0")
		},
	},
	{
		version:     2,
		description: "add message trace and usage columns",
		up: func(db *sql.DB) error {
			return addColumns(db,
				"ALTER TABLE messages ADD COLUMN trace TEXT",
				"ALTER TABLE messages ADD COLUMN input_tokens INTEGER DEFAULT 0",
				"ALTER TABLE messages ADD COLUMN output_tokens INTEGER DEFAULT 0",
			)
		},
	},
}

func addColumns(db *sql.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnError(err) {
			return err
		}
	}
	return nil
}

// initSchema creates the schema and runs pending migrations. The common case,
// an up to date database, costs a single query.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	// Detect a pre-versioning database before the schema creates the tables.
	var tableCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='conversations'`).Scan(&tableCount); err != nil {
		return fmt.Errorf("check conversations table: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil {
		if !errors.Is(versionErr, sql.ErrNoRows) && !strings.Contains(versionErr.Error(), "no such table") {
			return fmt.Errorf("get current version: %w", versionErr)
		}
		currentVersion = schemaVersion
		if tableCount > 0 {
			currentVersion = 0
		}
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
			return fmt.Errorf("update version to %d: %w", m.version, err)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "duplicate column") || strings.Contains(s, "already exists")
}

// cleanup removes conversations idle longer than MaxAgeDays.
func (s *SQLiteStore) cleanup() error {
	if s.cfg.MaxAgeDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.MaxAgeDays)
	if _, err := s.db.Exec("DELETE FROM conversations WHERE updated_at < ?", cutoff); err != nil {
		return fmt.Errorf("delete old conversations: %w", err)
	}
	return nil
}

// Create inserts a new conversation, filling in the id and timestamps.
func (s *SQLiteStore) Create(ctx context.Context, c *Conversation) error {
	prepareNew(c)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, provider, model, created_at, updated_at, input_tokens, output_tokens, cost, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nullString(c.Title), c.Provider, c.Model, c.CreatedAt, c.UpdatedAt,
		c.InputTokens, c.OutputTokens, c.Cost, string(c.Status))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// Get retrieves a conversation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, provider, model, created_at, updated_at, input_tokens, output_tokens, cost, status
		FROM conversations WHERE id = ?`, id)

	var c Conversation
	var title, status sql.NullString
	err := row.Scan(&c.ID, &title, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt,
		&c.InputTokens, &c.OutputTokens, &c.Cost, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Title = title.String
	c.Status = Status(status.String)
	return &c, nil
}

// List returns conversations, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	query := `
		SELECT c.id, c.title, c.model, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages WHERE conversation_id = c.id) AS message_count,
		       c.input_tokens, c.output_tokens, c.cost, c.status
		FROM conversations c
		WHERE 1=1`
	args := []any{}
	if opts.Status != "" {
		query += " AND c.status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY c.updated_at DESC"
	query += fmt.Sprintf(" LIMIT %d", listLimit(opts))
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var results []Summary
	for rows.Next() {
		var sum Summary
		var title, status sql.NullString
		if err := rows.Scan(&sum.ID, &title, &sum.Model, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.MessageCount, &sum.InputTokens, &sum.OutputTokens, &sum.Cost, &status); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		sum.Title = title.String
		sum.Status = Status(status.String)
		results = append(results, sum)
	}
	return results, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	// Foreign key cascade handles messages
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AddMessage appends a message. A negative Sequence is allocated atomically.
func (s *SQLiteStore) AddMessage(ctx context.Context, conversationID string, msg *Message) error {
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	partsJSON, err := msg.PartsJSON()
	if err != nil {
		return fmt.Errorf("serialize parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.Sequence < 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("get max sequence: %w", err)
		}
		msg.Sequence = 0
		if maxSeq.Valid {
			msg.Sequence = int(maxSeq.Int64) + 1
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, parts, text_content, trace, input_tokens, output_tokens, created_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, string(msg.Role), partsJSON, msg.TextContent, nullString(string(msg.Trace)),
		msg.InputTokens, msg.OutputTokens, msg.CreatedAt, msg.Sequence)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()

	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", time.Now(), conversationID); err != nil {
		return fmt.Errorf("update conversation timestamp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Messages returns a conversation's messages in order.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, role, parts, text_content, trace, input_tokens, output_tokens, created_at, sequence
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sequence ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	} else if offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var partsJSON string
		var text, trace sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &partsJSON, &text, &trace,
			&msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt, &msg.Sequence); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.TextContent = text.String
		if trace.Valid && trace.String != "" {
			msg.Trace = []byte(trace.String)
		}
		if err := msg.SetPartsFromJSON(partsJSON); err != nil {
			return nil, fmt.Errorf("deserialize parts: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateUsage adds to the token and cost totals.
func (s *SQLiteStore) UpdateUsage(ctx context.Context, id string, usage llm.Usage, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
		       input_tokens = input_tokens + ?,
		       output_tokens = output_tokens + ?,
		       cost = cost + ?,
		       updated_at = ?
		WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens, cost, time.Now(), id)
	return err
}

// UpdateStatus updates just the conversation status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func prepareNew(c *Conversation) {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
}

func listLimit(opts ListOptions) int {
	if opts.Limit > 0 {
		return opts.Limit
	}
	return 50
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
