package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyOverrides(t *testing.T) {
	cfg := Default()

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "openai")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4o")
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Anthropic.Model)
	}

	cfg.ApplyOverrides("", "gpt-4.1-mini")
	if cfg.Provider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.Provider)
	}
	if cfg.OpenAI.Model != "gpt-4.1-mini" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4.1-mini")
	}
}

func TestDefaultsMatchExecutionSettings(t *testing.T) {
	cfg := Default()
	if cfg.Execution.Enabled {
		t.Error("execution should be disabled by default")
	}
	if cfg.Execution.ApprovalMode != "always_ask" {
		t.Errorf("approval_mode=%q, want always_ask", cfg.Execution.ApprovalMode)
	}
	if cfg.Execution.TimeoutSeconds != 30 {
		t.Errorf("timeout_seconds=%d, want 30", cfg.Execution.TimeoutSeconds)
	}
	if cfg.Execution.MaxOutputBytes != 51200 {
		t.Errorf("max_output_bytes=%d, want 51200", cfg.Execution.MaxOutputBytes)
	}
	if cfg.Execution.NetworkIsolation {
		t.Error("network isolation should be off by default")
	}
	if cfg.Execution.ApprovalTimeoutSeconds != 300 {
		t.Errorf("approval_timeout_seconds=%d, want 300", cfg.Execution.ApprovalTimeoutSeconds)
	}
	if strings.Join(cfg.Execution.WriteDeny, ",") != ".git,.git/**" {
		t.Errorf("write_deny=%v, want .git protected", cfg.Execution.WriteDeny)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("TEST_CHATTY_KEY", "sk-from-env")
	t.Setenv("CHATTY_EXECUTION_TIMEOUT_SECONDS", "5")

	content := `provider: openai
openai:
  api_key: ${TEST_CHATTY_KEY}
  model: gpt-4o
execution:
  enabled: true
  approval_mode: auto_approve_sandboxed
  allow:
    - "ls *"
`
	if err := os.MkdirAll(filepath.Join(dir, "chatty"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "chatty", "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Errorf("provider=%q, want openai", cfg.Provider)
	}
	if cfg.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("api key not expanded: %q", cfg.OpenAI.APIKey)
	}
	if !cfg.Execution.Enabled || cfg.Execution.ApprovalMode != "auto_approve_sandboxed" {
		t.Errorf("execution not loaded: %+v", cfg.Execution)
	}
	if cfg.Execution.TimeoutSeconds != 5 {
		t.Errorf("timeout_seconds=%d, want env override 5", cfg.Execution.TimeoutSeconds)
	}
	if len(cfg.Execution.Allow) != 1 || cfg.Execution.Allow[0] != "ls *" {
		t.Errorf("allow=%v", cfg.Execution.Allow)
	}
	if got := cfg.ActiveProvider().Model; got != "gpt-4o" {
		t.Errorf("active provider model=%q, want gpt-4o", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider=%q, want anthropic", cfg.Provider)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.Provider = "nope" }, "unknown provider"},
		{"approval mode", func(c *Config) { c.Execution.ApprovalMode = "yolo" }, "approval_mode"},
		{"remember scope", func(c *Config) { c.Execution.RememberScope = "forever" }, "remember_scope"},
		{"timeout", func(c *Config) { c.Execution.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"output limit", func(c *Config) { c.Execution.MaxOutputBytes = -1 }, "max_output_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveAndMarshalRedacts(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := Default()
	cfg.Anthropic.APIKey = "sk-secret"

	out, err := Marshal(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "sk-secret") {
		t.Fatalf("redacted output leaked key:\n%s", out)
	}

	path, err := Save(Default())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := Save(Default()); err == nil {
		t.Fatal("second Save should refuse to overwrite")
	}
}
