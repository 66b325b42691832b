package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/chatty/internal/approval"
	"github.com/samsaffron/chatty/internal/config"
	"github.com/samsaffron/chatty/internal/sandbox"
	"github.com/samsaffron/chatty/internal/ui"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Show how commands would be isolated on this host",
	Args:  cobra.NoArgs,
	RunE:  runSandbox,
}

func init() {
	rootCmd.AddCommand(sandboxCmd)
}

// sandboxReport is what `chatty sandbox` prints.
type sandboxReport struct {
	Enabled          bool
	Backend          sandbox.Backend
	Workspace        string
	NetworkIsolation bool
	ConfiguredMode   string
	EffectiveMode    approval.Mode
	Remember         bool
	Allow            []string
}

func runSandbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	report, err := buildSandboxReport(cfg.Execution, sandbox.Detect())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	writeSandboxReport(out, ui.NewStyles(out), report)
	return nil
}

func buildSandboxReport(cfg config.ExecutionConfig, backend sandbox.Backend) (sandboxReport, error) {
	sbCfg := sandboxConfig(cfg)
	// Report what would happen with execution on, whatever the switch says.
	sbCfg.Enabled = true
	executor, err := sandbox.NewWithBackend(sbCfg, backend)
	if err != nil {
		return sandboxReport{}, err
	}
	gate, err := newGate(cfg, executor, nil)
	if err != nil {
		return sandboxReport{}, err
	}
	return sandboxReport{
		Enabled:          cfg.Enabled,
		Backend:          executor.Backend(),
		Workspace:        executor.Config().WorkspaceDir,
		NetworkIsolation: cfg.NetworkIsolation,
		ConfiguredMode:   cfg.ApprovalMode,
		EffectiveMode:    gate.Mode(),
		Remember:         gate.RememberAllowed(),
		Allow:            cfg.Allow,
	}, nil
}

func writeSandboxReport(w io.Writer, styles *ui.Styles, r sandboxReport) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", styles.Muted.Render(fmt.Sprintf("%-18s", label+":")), value)
	}
	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	enabled := styles.Success.Render("enabled")
	if !r.Enabled {
		enabled = styles.Warning.Render("disabled") + styles.Muted.Render(" (execution.enabled: false)")
	}
	row("bash tool", enabled)

	backend := styles.Success.Render(string(r.Backend))
	if r.Backend == sandbox.BackendNone {
		backend = styles.Error.Render("none") + styles.Muted.Render(" (commands run with your full permissions)")
	}
	row("isolation", backend)
	row("workspace", r.Workspace)
	row("network isolation", yesNo(r.NetworkIsolation && r.Backend != sandbox.BackendNone))

	mode := string(r.EffectiveMode)
	if mode != r.ConfiguredMode {
		mode += styles.Warning.Render(" (configured " + r.ConfiguredMode + ", no sandbox)")
	}
	row("approval mode", mode)
	row("remember", yesNo(r.Remember))
	if len(r.Allow) > 0 {
		row("allow", strings.Join(r.Allow, ", "))
	}
}
