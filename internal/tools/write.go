package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	diff "github.com/shogoki/gotextdiff"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/llm"
)

// MaxFileBytes bounds the files the edit tool reads and the content either
// tool writes.
const MaxFileBytes = 10 << 20

// Confirmer asks the user about a file change.
type Confirmer interface {
	Confirm(ctx context.Context, toolName, summary, detail string) (approval.Decision, error)
}

// change is a planned file update awaiting approval.
type change struct {
	abs, rel string
	existed  bool
	old, new string
}

func (c change) diff() string {
	return string(diff.Diff(c.rel, []byte(c.old), c.rel, []byte(c.new)))
}

// apply writes the change unless the file moved on since it was planned.
func (w *Workspace) apply(c change) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	current, existed, err := readFile(c.abs)
	if err != nil {
		return err
	}
	if existed != c.existed || current != c.old {
		return NewToolErrorf(ErrExecutionFailed, "%s changed while waiting for approval; read it again", c.rel)
	}
	if err := writeAtomic(c.abs, c.new); err != nil {
		return NewToolErrorf(ErrExecutionFailed, "write %s: %v", c.rel, err)
	}
	return nil
}

func readFile(path string) (content string, existed bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, NewToolErrorf(ErrExecutionFailed, "stat %s: %v", path, err)
	}
	if info.IsDir() {
		return "", true, NewToolErrorf(ErrInvalidParams, "%s is a directory", path)
	}
	if info.Size() > MaxFileBytes {
		return "", true, NewToolErrorf(ErrInvalidParams, "%s is larger than %d bytes", path, MaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", true, NewToolErrorf(ErrExecutionFailed, "read %s: %v", path, err)
	}
	return string(data), true, nil
}

// confirm asks about c and maps the answer to a tool error.
func confirm(ctx context.Context, approver Confirmer, toolName, summary string, c change) error {
	if approver == nil {
		return nil
	}
	decision, err := approver.Confirm(ctx, toolName, summary, c.diff())
	if err != nil {
		return NewToolErrorf(ErrPermissionDenied, "approval failed: %v", err)
	}
	switch decision {
	case approval.Deny:
		return NewToolError(ErrPermissionDenied, "denied by user")
	case approval.DenyAndStop:
		return NewToolError(ErrPermissionDenied, "denied by user; stream stopped")
	}
	return nil
}

// WriteFileTool creates or overwrites a file in the workspace.
type WriteFileTool struct {
	workspace *Workspace
	approver  Confirmer
}

func NewWriteFileTool(workspace *Workspace, approver Confirmer) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, approver: approver}
}

// WriteFileArgs are the arguments for write_file.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFileResult is the JSON returned by write_file.
type WriteFileResult struct {
	Path         string `json:"path"`
	Overwritten  bool   `json:"overwritten"`
	BytesWritten int    `json:"bytes_written"`
	Lines        int    `json:"lines"`
}

func (t *WriteFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        WriteFileToolName,
		Description: "Create or overwrite a file within the workspace. Creates parent directories if needed. Every write needs user approval.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file, relative to the workspace root",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write",
				},
			},
			"required":             []string{"path", "content"},
			"additionalProperties": false,
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a WriteFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if len(a.Content) > MaxFileBytes {
		return "", NewToolErrorf(ErrInvalidParams, "content is larger than %d bytes", MaxFileBytes)
	}
	abs, rel, err := t.workspace.Resolve(a.Path)
	if err != nil {
		return "", err
	}
	old, existed, err := readFile(abs)
	if err != nil {
		return "", err
	}
	c := change{abs: abs, rel: rel, existed: existed, old: old, new: a.Content}

	summary := fmt.Sprintf("Create %s (%d lines)", rel, countLines(a.Content))
	if existed {
		summary = fmt.Sprintf("Overwrite %s (%d -> %d lines)", rel, countLines(old), countLines(a.Content))
	}
	if err := confirm(ctx, t.approver, WriteFileToolName, summary, c); err != nil {
		return "", err
	}
	if err := t.workspace.apply(c); err != nil {
		return "", err
	}
	slog.Debug("file written", "path", rel, "overwritten", existed, "bytes", len(a.Content))

	out, err := json.Marshal(WriteFileResult{
		Path:         rel,
		Overwritten:  existed,
		BytesWritten: len(a.Content),
		Lines:        countLines(a.Content),
	})
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "encode result: %v", err)
	}
	return string(out), nil
}

// EditFileTool replaces one occurrence of old_text in an existing file.
type EditFileTool struct {
	workspace *Workspace
	approver  Confirmer
}

func NewEditFileTool(workspace *Workspace, approver Confirmer) *EditFileTool {
	return &EditFileTool{workspace: workspace, approver: approver}
}

// EditFileArgs are the arguments for edit_file.
type EditFileArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// EditFileResult is the JSON returned by edit_file.
type EditFileResult struct {
	Path       string `json:"path"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
}

func (t *EditFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        EditFileToolName,
		Description: "Edit a file within the workspace by replacing old_text with new_text. old_text must appear exactly once; include enough surrounding context to make it unique. Every edit needs user approval.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file, relative to the workspace root",
				},
				"old_text": map[string]interface{}{
					"type":        "string",
					"description": "Exact text to replace",
				},
				"new_text": map[string]interface{}{
					"type":        "string",
					"description": "Replacement text",
				},
			},
			"required":             []string{"path", "old_text", "new_text"},
			"additionalProperties": false,
		},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a EditFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", NewToolError(ErrInvalidParams, err.Error())
	}
	if a.OldText == "" {
		return "", NewToolError(ErrInvalidParams, "old_text is required")
	}
	abs, rel, err := t.workspace.Resolve(a.Path)
	if err != nil {
		return "", err
	}
	old, existed, err := readFile(abs)
	if err != nil {
		return "", err
	}
	if !existed {
		return "", NewToolErrorf(ErrInvalidParams, "%s does not exist; use %s to create it", rel, WriteFileToolName)
	}
	switch n := strings.Count(old, a.OldText); n {
	case 0:
		return "", NewToolErrorf(ErrInvalidParams, "old_text not found in %s; the file may have changed, read it again", rel)
	case 1:
	default:
		return "", NewToolErrorf(ErrInvalidParams, "old_text appears %d times in %s; include more context", n, rel)
	}
	c := change{abs: abs, rel: rel, existed: true, old: old, new: strings.Replace(old, a.OldText, a.NewText, 1)}
	if c.new == c.old {
		return "", NewToolError(ErrInvalidParams, "old_text and new_text are identical")
	}

	d := c.diff()
	ins, del := diffStat(d)
	summary := fmt.Sprintf("Edit %s (+%d -%d)", rel, ins, del)
	if err := confirm(ctx, t.approver, EditFileToolName, summary, c); err != nil {
		return "", err
	}
	if err := t.workspace.apply(c); err != nil {
		return "", err
	}
	slog.Debug("file edited", "path", rel, "insertions", ins, "deletions", del)

	out, err := json.Marshal(EditFileResult{Path: rel, Insertions: ins, Deletions: del})
	if err != nil {
		return "", NewToolErrorf(ErrExecutionFailed, "encode result: %v", err)
	}
	return string(out), nil
}

// diffStat counts added and removed lines in a unified diff.
func diffStat(unified string) (insertions, deletions int) {
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			insertions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return insertions, deletions
}
