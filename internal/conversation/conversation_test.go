package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samsaffron/chatty/internal/llm"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	store, err := NewSQLiteStore(Config{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// stores runs fn against every Store implementation that persists.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func TestStoreConversationLifecycle(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := &Conversation{Title: "hello", Provider: "debug", Model: "fast"}
		if err := s.Create(ctx, c); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if c.ID == "" || c.Status != StatusActive || c.CreatedAt.IsZero() {
			t.Fatalf("Create did not fill defaults: %+v", c)
		}

		got, err := s.Get(ctx, c.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Title != "hello" || got.Model != "fast" {
			t.Errorf("Get = %+v", got)
		}

		if err := s.UpdateUsage(ctx, c.ID, llm.Usage{InputTokens: 100, OutputTokens: 20}, 0.5); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateUsage(ctx, c.ID, llm.Usage{InputTokens: 10, OutputTokens: 2}, 0.25); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateStatus(ctx, c.ID, StatusInterrupted); err != nil {
			t.Fatal(err)
		}
		got, _ = s.Get(ctx, c.ID)
		if got.InputTokens != 110 || got.OutputTokens != 22 || got.Cost != 0.75 || got.Status != StatusInterrupted {
			t.Errorf("after updates = %+v", got)
		}

		if err := s.Delete(ctx, c.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, c.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete err = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, c.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete err = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreMessages(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := &Conversation{Provider: "debug", Model: "fast"}
		if err := s.Create(ctx, c); err != nil {
			t.Fatal(err)
		}

		user := NewMessage(c.ID, llm.UserText("list files"))
		if err := s.AddMessage(ctx, c.ID, user); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		reply := NewMessage(c.ID, llm.AssistantText("here they are"))
		reply.Trace = json.RawMessage(`{"tool_calls":[]}`)
		reply.InputTokens, reply.OutputTokens = 5, 7
		if err := s.AddMessage(ctx, c.ID, reply); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		if user.Sequence != 0 || reply.Sequence != 1 {
			t.Fatalf("sequences = %d, %d", user.Sequence, reply.Sequence)
		}

		msgs, err := s.Messages(ctx, c.ID, 0, 0)
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("got %d messages", len(msgs))
		}
		if msgs[0].Role != llm.RoleUser || msgs[0].TextContent != "list files" {
			t.Errorf("first = %+v", msgs[0])
		}
		if msgs[1].Role != llm.RoleAssistant || string(msgs[1].Trace) != `{"tool_calls":[]}` || msgs[1].OutputTokens != 7 {
			t.Errorf("second = %+v", msgs[1])
		}
		if got := msgs[1].ToLLMMessage(); len(got.Parts) != 1 || got.Parts[0].Text != "here they are" {
			t.Errorf("ToLLMMessage = %+v", got)
		}

		tail, err := s.Messages(ctx, c.ID, 0, 1)
		if err != nil || len(tail) != 1 || tail[0].Sequence != 1 {
			t.Errorf("Messages(offset 1) = %+v, %v", tail, err)
		}

		list, err := s.List(ctx, ListOptions{})
		if err != nil || len(list) != 1 || list[0].MessageCount != 2 {
			t.Errorf("List = %+v, %v", list, err)
		}
	})
}

func TestStoreAddMessageUnknownConversation(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		msg := NewMessage("missing", llm.UserText("hi"))
		if err := s.AddMessage(context.Background(), "missing", msg); err == nil {
			t.Fatal("expected error adding to a missing conversation")
		}
	})
}

func TestSQLiteStoreCustomPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	store, err := NewSQLiteStore(Config{Enabled: true, Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Create(context.Background(), &Conversation{Provider: "p", Model: "m"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(Config{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	list, _ := reopened.List(context.Background(), ListOptions{})
	if len(list) != 1 {
		t.Fatalf("reopened store lists %d conversations", len(list))
	}
}

func TestSQLiteStoreMigratesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	// The original layout, before cost and message traces.
	for _, stmt := range []string{
		`CREATE TABLE conversations (id TEXT PRIMARY KEY, title TEXT, provider TEXT NOT NULL, model TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP, updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			input_tokens INTEGER DEFAULT 0, output_tokens INTEGER DEFAULT 0, status TEXT DEFAULT 'active')`,
		`CREATE TABLE messages (id INTEGER PRIMARY KEY AUTOINCREMENT, conversation_id TEXT NOT NULL, role TEXT NOT NULL,
			parts TEXT NOT NULL, text_content TEXT, created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP, sequence INTEGER NOT NULL)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	store, err := NewSQLiteStore(Config{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("open old database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	c := &Conversation{Provider: "p", Model: "m"}
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create after migration: %v", err)
	}
	msg := NewMessage(c.ID, llm.AssistantText("ok"))
	msg.Trace = json.RawMessage(`{}`)
	if err := store.AddMessage(ctx, c.ID, msg); err != nil {
		t.Fatalf("AddMessage after migration: %v", err)
	}

	var version int
	if err := store.db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil || version != schemaVersion {
		t.Fatalf("schema version = %d, %v", version, err)
	}
}

func TestNewStoreDisabled(t *testing.T) {
	s, err := NewStore(Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*NoopStore); !ok {
		t.Fatalf("NewStore(disabled) = %T", s)
	}
	c := &Conversation{}
	if err := s.Create(context.Background(), c); err != nil || c.ID == "" {
		t.Fatalf("noop Create = %v, id %q", err, c.ID)
	}
}

type failingStore struct{ NoopStore }

func (failingStore) AddMessage(ctx context.Context, id string, msg *Message) error {
	return errors.New("disk full")
}

func TestLoggingStoreWarnsOnce(t *testing.T) {
	var warnings []string
	s := NewLoggingStore(&failingStore{}, func(format string, args ...any) {
		warnings = append(warnings, format)
	})
	for i := 0; i < 3; i++ {
		if err := s.AddMessage(context.Background(), "c", &Message{}); err == nil {
			t.Fatal("error swallowed")
		}
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "failed") {
		t.Fatalf("warnings = %q", warnings)
	}
}

func TestTitleFrom(t *testing.T) {
	if got := TitleFrom("  hello\n\tworld  "); got != "hello world" {
		t.Errorf("TitleFrom = %q", got)
	}
	long := strings.Repeat("é", 100)
	if got := TitleFrom(long); len([]rune(got)) != 80 || !strings.HasSuffix(got, "...") {
		t.Errorf("TitleFrom(long) = %q", got)
	}
}
