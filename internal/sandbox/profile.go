package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// workspaceMount is where the workspace appears inside bubblewrap.
const workspaceMount = "/workspace"

// bubblewrapArgs builds a bwrap invocation: system directories read-only,
// private /tmp, all namespaces unshared, and the workspace as the only
// writable bind mount.
func bubblewrapArgs(cfg Config, command string) []string {
	args := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind-try", "/bin", "/bin",
		"--ro-bind-try", "/sbin", "/sbin",
		"--ro-bind-try", "/etc", "/etc",
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
	}
	if !cfg.NetworkIsolation {
		args = append(args, "--share-net")
	}
	args = append(args,
		"--bind", cfg.WorkspaceDir, workspaceMount,
		"--chdir", workspaceMount,
		"--setenv", "HOME", workspaceMount,
		"/bin/bash", "-c", command,
	)
	return args
}

// validateProfilePath rejects paths that cannot be embedded safely in an
// SBPL string literal.
func validateProfilePath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("workspace path must be absolute: %s", path)
	}
	if strings.ContainsAny(path, "()\"\n\r;") {
		return fmt.Errorf("workspace path contains characters not allowed in a sandbox profile: %s", path)
	}
	return nil
}

func escapeProfilePath(path string) string {
	return strings.ReplaceAll(path, `\`, `\\`)
}

// sandboxProfile builds the sandbox-exec profile. Writes are denied
// everywhere except the workspace and temporary directories; credential
// files are unreadable.
func sandboxProfile(cfg Config) (string, error) {
	if err := validateProfilePath(cfg.WorkspaceDir); err != nil {
		return "", err
	}
	workspace := escapeProfilePath(cfg.WorkspaceDir)
	// sandbox-exec sees resolved paths (/var -> /private/var on macOS).
	if resolved, err := filepath.EvalSymlinks(cfg.WorkspaceDir); err == nil && resolved != cfg.WorkspaceDir {
		if validateProfilePath(resolved) == nil {
			workspace = escapeProfilePath(resolved)
		}
	}

	var b strings.Builder
	b.WriteString("(version 1)\n(allow default)\n")
	b.WriteString("(deny file-write*)\n")
	b.WriteString(`(deny file-read*
    (regex #"^/Users/[^/]+/\.ssh/")
    (regex #"^/Users/[^/]+/\.aws/")
    (regex #"^/Users/[^/]+/\.gnupg/")
    (regex #"^/Users/[^/]+/\.docker/config\.json$")
    (regex #"^/Users/[^/]+/\.kube/config$")
    (regex #"^/Users/[^/]+/\.netrc$")
    (subpath "/private/etc/ssh")
    (literal "/etc/master.passwd"))
`)
	if cfg.NetworkIsolation {
		b.WriteString("(deny network*)\n")
	}
	b.WriteString(`(allow file-write*
    (subpath "/private/tmp")
    (subpath "/private/var/folders")
    (literal "/dev/null")
    (literal "/dev/tty")
    (subpath "` + workspace + `"))
`)
	if tmp := os.TempDir(); validateProfilePath(tmp) == nil && !strings.HasPrefix(tmp, "/private/") {
		fmt.Fprintf(&b, "(allow file-write* (subpath \"%s\"))\n", escapeProfilePath(tmp))
	}
	return b.String(), nil
}
