package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/samsaffron/chatty/internal/sandbox"
	"github.com/samsaffron/chatty/internal/signal"
)

var (
	execYAML    bool
	execTimeout time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec -- <command...>",
	Short: "Run a command in the sandbox and print the result",
	Long: `Run a shell command exactly the way the bash tool would: confined to the
workspace, with the configured timeout and output cap. The result is printed
as JSON, or YAML with --yaml, and chatty exits with the command's exit code.

Examples:
  chatty exec -- ls -la
  chatty exec --yaml -- 'curl -sI https://example.com'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().BoolVar(&execYAML, "yaml", false, "Print the result as YAML")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Override execution.timeout_seconds")
	rootCmd.AddCommand(execCmd)
}

// exitCodeError carries a command's exit code out of RunE.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Asking for exec is the approval; the execution.enabled switch only
	// governs the model's bash tool.
	sbCfg := sandboxConfig(cfg.Execution)
	sbCfg.Enabled = true
	if execTimeout > 0 {
		sbCfg.Timeout = execTimeout
	}
	executor, err := sandbox.New(sbCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	res, err := executor.Run(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	data, err := formatResult(res, execYAML)
	if err != nil {
		return err
	}
	if _, err := cmd.OutOrStdout().Write(data); err != nil {
		return err
	}

	if !res.Success() {
		cmd.SilenceErrors = true
		return &exitCodeError{code: resultExitCode(res)}
	}
	return nil
}

func formatResult(res sandbox.Result, asYAML bool) ([]byte, error) {
	if asYAML {
		return yaml.Marshal(res)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// resultExitCode follows the shell convention of 124 for a timeout.
func resultExitCode(res sandbox.Result) int {
	switch {
	case res.TimedOut:
		return 124
	case res.ExitCode == nil:
		return 1
	}
	return *res.ExitCode
}
