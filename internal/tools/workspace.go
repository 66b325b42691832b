package tools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultWriteDeny lists workspace paths the file tools never touch.
var DefaultWriteDeny = []string{".git", ".git/**"}

// Workspace confines file tools to one directory tree. Paths are resolved
// through symlinks, so a link pointing outside the root is rejected.
type Workspace struct {
	root string
	deny []string

	// mu serialises the read-compare-write step of file changes.
	mu sync.Mutex
}

// NewWorkspace resolves root and validates deny, a list of doublestar
// patterns matched against slash-separated paths relative to root.
func NewWorkspace(root string, deny []string) (*Workspace, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	for _, p := range deny {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid write deny pattern %q", p)
		}
	}
	return &Workspace{root: abs, deny: deny}, nil
}

func (w *Workspace) Root() string { return w.root }

// Resolve maps path, absolute or relative to the root, to an absolute path
// inside the workspace. Missing trailing components are allowed so new
// files can be created; the nearest existing ancestor must resolve inside
// the root.
func (w *Workspace) Resolve(path string) (abs, rel string, err error) {
	if strings.TrimSpace(path) == "" {
		return "", "", NewToolError(ErrInvalidParams, "path is required")
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)

	existing, rest := p, ""
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			abs = filepath.Join(resolved, rest)
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", NewToolErrorf(ErrExecutionFailed, "resolve %s: %v", path, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", "", w.outside(path)
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}

	rel, err = filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", w.outside(path)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", "", NewToolErrorf(ErrInvalidParams, "%s is the workspace root, not a file", path)
	}
	for _, pattern := range w.deny {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return "", "", NewToolErrorf(ErrPermissionDenied, "%s is protected (matches %q)", rel, pattern)
		}
	}
	return abs, rel, nil
}

func (w *Workspace) outside(path string) error {
	return NewToolErrorf(ErrPermissionDenied, "path %q is outside the workspace root %s", path, w.root)
}

// writeAtomic replaces path with content through a temp file in the same
// directory. An existing file keeps its mode; new files get 0644.
func writeAtomic(path, content string) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tf, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tf.Name()
	if _, err := tf.WriteString(content); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tf.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, mode); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("set file permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// countLines counts lines, including a final line without a newline.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	count := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		count++
	}
	return count
}
