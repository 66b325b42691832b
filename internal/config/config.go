package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "chatty"

type Config struct {
	Provider  string          `mapstructure:"provider" yaml:"provider"`
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
	Anthropic ProviderConfig  `mapstructure:"anthropic" yaml:"anthropic"`
	OpenAI    ProviderConfig  `mapstructure:"openai" yaml:"openai"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Sessions  SessionsConfig  `mapstructure:"sessions" yaml:"sessions"`
}

// ProviderConfig configures one hosted model provider.
// Prices are USD per million tokens and only feed cost estimates.
type ProviderConfig struct {
	APIKey      string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	InputPrice  float64 `mapstructure:"input_price" yaml:"input_price"`
	OutputPrice float64 `mapstructure:"output_price" yaml:"output_price"`
}

// DebugConfig configures the offline echo provider.
type DebugConfig struct {
	Variant string `mapstructure:"variant" yaml:"variant"` // fast, normal, slow, realtime, instant
}

// ExecutionConfig controls the bash tool, its approval policy and the sandbox.
type ExecutionConfig struct {
	Enabled                bool     `mapstructure:"enabled" yaml:"enabled"`
	ApprovalMode           string   `mapstructure:"approval_mode" yaml:"approval_mode"`   // always_ask, auto_approve_sandboxed, auto_approve_all
	WorkspaceDir           string   `mapstructure:"workspace_dir" yaml:"workspace_dir"`   // writable directory; empty = current directory
	TimeoutSeconds         int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxOutputBytes         int64    `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	NetworkIsolation       bool     `mapstructure:"network_isolation" yaml:"network_isolation"`
	RememberScope          string   `mapstructure:"remember_scope" yaml:"remember_scope"` // prefix or exact
	ApprovalTimeoutSeconds int      `mapstructure:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
	Allow                  []string `mapstructure:"allow" yaml:"allow"` // glob patterns approved without asking (sandboxed hosts only)
	WriteDeny              []string `mapstructure:"write_deny" yaml:"write_deny"` // workspace paths the file tools never change
}

type SessionsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path,omitempty"` // database path; empty = XDG data dir
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

var validApprovalModes = map[string]bool{
	"always_ask":             true,
	"auto_approve_sandboxed": true,
	"auto_approve_all":       true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("log_level", "warn")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.input_price", 3.0)
	v.SetDefault("anthropic.output_price", 15.0)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.max_tokens", 4096)
	v.SetDefault("openai.input_price", 2.0)
	v.SetDefault("openai.output_price", 8.0)
	v.SetDefault("debug.variant", "normal")
	v.SetDefault("execution.enabled", false)
	v.SetDefault("execution.approval_mode", "always_ask")
	v.SetDefault("execution.workspace_dir", "")
	v.SetDefault("execution.timeout_seconds", 30)
	v.SetDefault("execution.max_output_bytes", 51200)
	v.SetDefault("execution.network_isolation", false)
	v.SetDefault("execution.remember_scope", "prefix")
	v.SetDefault("execution.approval_timeout_seconds", 300)
	v.SetDefault("execution.allow", []string{})
	v.SetDefault("execution.write_deny", []string{".git", ".git/**"})
	v.SetDefault("sessions.enabled", true)
	v.SetDefault("sessions.path", "")
	v.SetDefault("sessions.max_age_days", 0)
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads config.yaml from the config directory (a missing file is fine),
// applies CHATTY_* environment overrides and validates the result.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Execution.WorkspaceDir = expandHome(cfg.Execution.WorkspaceDir)
	cfg.Sessions.Path = expandHome(cfg.Sessions.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and limits.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "debug":
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}
	if !validApprovalModes[c.Execution.ApprovalMode] {
		return fmt.Errorf("invalid execution.approval_mode %q", c.Execution.ApprovalMode)
	}
	if c.Execution.RememberScope != "prefix" && c.Execution.RememberScope != "exact" {
		return fmt.Errorf("invalid execution.remember_scope %q (want prefix or exact)", c.Execution.RememberScope)
	}
	if c.Execution.TimeoutSeconds <= 0 {
		return fmt.Errorf("execution.timeout_seconds must be positive")
	}
	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive")
	}
	return nil
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the global provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	switch c.Provider {
	case "anthropic":
		c.Anthropic.Model = model
	case "openai":
		c.OpenAI.Model = model
	case "debug":
		c.Debug.Variant = model
	}
}

// ActiveProvider returns the settings of the selected hosted provider.
// The debug provider has no hosted settings and gets a zero value.
func (c *Config) ActiveProvider() ProviderConfig {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic
	case "openai":
		return c.OpenAI
	}
	return ProviderConfig{}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// GetConfigDir returns the XDG config directory for chatty.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory for chatty.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", appName), nil
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Marshal renders the config as YAML. API keys are redacted unless they are
// environment references.
func Marshal(cfg *Config, redact bool) ([]byte, error) {
	out := *cfg
	if redact {
		out.Anthropic.APIKey = redactKey(out.Anthropic.APIKey)
		out.OpenAI.APIKey = redactKey(out.OpenAI.APIKey)
	}
	return yaml.Marshal(&out)
}

func redactKey(key string) string {
	if key == "" || strings.HasPrefix(key, "$") {
		return key
	}
	return "********"
}

// Save writes the config to disk, refusing to overwrite an existing file.
func Save(cfg *Config) (string, error) {
	path, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Marshal(cfg, false)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
