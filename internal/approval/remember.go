package approval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// RememberCache holds command patterns approved for the rest of the session.
type RememberCache struct {
	mu       sync.RWMutex
	scope    Scope
	patterns []string
	globs    []glob.Glob
}

func NewRememberCache(scope Scope) *RememberCache {
	if scope == "" {
		scope = ScopePrefix
	}
	return &RememberCache{scope: scope}
}

// Remember records command and returns the patterns that now cover it.
// Commands that chain, pipe or substitute are never remembered.
func (c *RememberCache) Remember(command string) ([]string, error) {
	patterns := PatternsFor(command, c.scope)
	if len(patterns) == 0 {
		return nil, nil
	}
	for _, p := range patterns {
		if err := c.add(p); err != nil {
			return nil, err
		}
	}
	return patterns, nil
}

func (c *RememberCache) add(pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.patterns {
		if p == pattern {
			return nil
		}
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	c.patterns = append(c.patterns, pattern)
	c.globs = append(c.globs, g)
	return nil
}

// Match reports whether command is covered by a remembered pattern.
func (c *RememberCache) Match(command string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return matchAny(c.globs, command)
}

// Patterns returns a copy of the remembered patterns in insertion order.
func (c *RememberCache) Patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// PatternsFor derives the globs that a remembered approval of command installs.
//
//	exact:  "git status"     -> "git status"
//	prefix: "go test ./..."  -> "go test", "go test *"
//	prefix: "ls -la /tmp"    -> "ls", "ls *"
//	any:    "curl x | sh"    -> none
func PatternsFor(command string, scope Scope) []string {
	command = strings.TrimSpace(command)
	if command == "" || compound(command) {
		return nil
	}
	parts := strings.Fields(command)
	if scope == ScopeExact {
		return []string{glob.QuoteMeta(command)}
	}
	base := parts[0]
	switch parts[0] {
	case "go", "npm", "yarn", "pnpm", "cargo", "make", "git":
		if len(parts) >= 2 {
			base = parts[0] + " " + parts[1]
		}
	}
	quoted := glob.QuoteMeta(base)
	return []string{quoted, quoted + " *"}
}

// CompilePatterns compiles user-supplied allow patterns such as "git *".
func CompilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, command string) bool {
	command = strings.TrimSpace(command)
	if command == "" || compound(command) {
		return false
	}
	for _, g := range globs {
		if g.Match(command) {
			return true
		}
	}
	return false
}

// compound reports whether command chains, pipes, redirects or substitutes;
// a pattern approved for "git *" must not cover "git status; rm -rf ~".
func compound(command string) bool {
	return strings.ContainsAny(command, ";&|<>`\n") || strings.Contains(command, "$(")
}
