package conversation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samsaffron/chatty/internal/llm"
	"github.com/samsaffron/chatty/internal/trace"
)

// ExportRecord is one conversation in chat-completions fine-tuning form,
// written as a single JSONL line.
type ExportRecord struct {
	Messages       []ExportMessage `json:"messages"`
	ConversationID string          `json:"_conversation_id"`
}

type ExportMessage struct {
	Role       llm.Role         `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []ExportToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type ExportToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function ExportFunction `json:"function"`
}

type ExportFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON text
}

// Export converts a stored conversation. Tool calls recorded in a reply's
// trace become an assistant tool_calls message followed by one tool message
// per call; calls that never ran are left out. system, when set, opens the
// record.
func Export(conv *Conversation, messages []Message, system string) (ExportRecord, error) {
	rec := ExportRecord{ConversationID: conv.ID, Messages: []ExportMessage{}}
	if system != "" {
		rec.Messages = append(rec.Messages, ExportMessage{Role: llm.RoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			rec.Messages = append(rec.Messages, ExportMessage{Role: llm.RoleUser, Content: m.TextContent})
		case llm.RoleAssistant:
			payload, err := trace.Decode(m.Trace)
			if err != nil {
				return rec, fmt.Errorf("message %d: %w", m.Sequence, err)
			}
			rec.Messages = append(rec.Messages, exportToolCalls(payload.ToolCalls)...)
			if m.TextContent != "" {
				rec.Messages = append(rec.Messages, ExportMessage{Role: llm.RoleAssistant, Content: m.TextContent})
			}
		}
	}
	return rec, nil
}

func exportToolCalls(calls []trace.ToolCall) []ExportMessage {
	var ran []trace.ToolCall
	for _, c := range calls {
		if c.Status == trace.ToolSuccess || c.Status == trace.ToolError {
			ran = append(ran, c)
		}
	}
	if len(ran) == 0 {
		return nil
	}
	call := ExportMessage{Role: llm.RoleAssistant}
	results := make([]ExportMessage, 0, len(ran))
	for _, c := range ran {
		args := string(c.Input)
		if args == "" {
			args = "{}"
		}
		call.ToolCalls = append(call.ToolCalls, ExportToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: ExportFunction{Name: c.Name, Arguments: args},
		})
		content := c.Output
		if c.Status == trace.ToolError {
			content = "error: " + c.Error
		}
		results = append(results, ExportMessage{Role: llm.RoleTool, ToolCallID: c.ID, Content: content})
	}
	return append([]ExportMessage{call}, results...)
}

// AppendJSONL adds records to the JSONL file at path. Lines already in the
// file for the same conversations are replaced, so re-exporting updates a
// conversation instead of duplicating it. The file is rewritten atomically.
func AppendJSONL(path string, records []ExportRecord) error {
	replace := make(map[string]bool, len(records))
	for _, r := range records {
		replace[r.ConversationID] = true
	}

	var out bytes.Buffer
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	sc := bufio.NewScanner(bytes.NewReader(existing))
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var head struct {
			ConversationID string `json:"_conversation_id"`
		}
		if json.Unmarshal(line, &head) == nil && replace[head.ConversationID] {
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	if err := WriteJSONL(&out, records); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// WriteJSONL writes one compact JSON line per record.
func WriteJSONL(w io.Writer, records []ExportRecord) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode %s: %w", r.ConversationID, err)
		}
	}
	return nil
}
