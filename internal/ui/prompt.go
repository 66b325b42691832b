package ui

import (
	"context"
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/samsaffron/chatty/internal/approval"
)

// ErrNoTTY means there is no terminal to ask on.
var ErrNoTTY = errors.New("approval needs an interactive terminal")

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of f, or fallback when it is not a terminal.
func TerminalWidth(f *os.File, fallback int) int {
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return fallback
	}
	return width
}

// decisionOptions lists the answers offered for req. Remembering is only
// offered for commands that run sandboxed.
func decisionOptions(req approval.Request) []huh.Option[approval.Decision] {
	if req.Kind == approval.KindWrite {
		return []huh.Option[approval.Decision]{
			huh.NewOption("Apply", approval.Approve),
			huh.NewOption("Deny", approval.Deny),
			huh.NewOption("Deny and stop the response", approval.DenyAndStop),
		}
	}
	opts := []huh.Option[approval.Decision]{
		huh.NewOption("Run once", approval.Approve),
	}
	if req.Rememberable() {
		opts = append(opts, huh.NewOption("Run, and allow similar commands this session", approval.ApproveAndRemember))
	}
	return append(opts,
		huh.NewOption("Deny", approval.Deny),
		huh.NewOption("Deny and stop the response", approval.DenyAndStop),
	)
}

// ApprovalPrompt asks on the controlling terminal, bypassing redirected
// stdin and stdout. It satisfies approval.PromptFunc.
func ApprovalPrompt(ctx context.Context, req approval.Request) (approval.Decision, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return approval.Deny, ErrNoTTY
	}
	defer tty.Close()
	if !IsTerminal(tty) {
		return approval.Deny, ErrNoTTY
	}

	title, description := promptText(req)
	decision := approval.Approve
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[approval.Decision]().
				Title(title).
				Description(description).
				Options(decisionOptions(req)...).
				Value(&decision),
		),
	).WithShowHelp(false).WithInput(tty).WithOutput(tty)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return approval.Deny, nil
		}
		return approval.Deny, err
	}
	return decision, nil
}

// maxPromptDiffLines keeps a large diff from pushing the choices off screen.
const maxPromptDiffLines = 40

func promptText(req approval.Request) (title, description string) {
	if req.Kind == approval.KindWrite {
		return req.Command + "?", excerpt(req.Detail, maxPromptDiffLines)
	}
	description = "Sandboxed to the workspace."
	if !req.Sandboxed {
		description = "Not sandboxed: the command runs with your full permissions."
	}
	return "Run `" + req.Command + "`?", description
}
