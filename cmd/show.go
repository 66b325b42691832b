package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/chatty/internal/conversation"
	"github.com/samsaffron/chatty/internal/llm"
	"github.com/samsaffron/chatty/internal/trace"
	"github.com/samsaffron/chatty/internal/ui"
)

const defaultWidth = 100

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a saved conversation",
	Long:  "Print a saved conversation. The id may be any unique prefix shown by 'chatty list'.",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	id, err := resolveID(ctx, store, args[0])
	if err != nil {
		return err
	}
	conv, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	messages, err := store.Messages(ctx, id, 0, 0)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	out := cmd.OutOrStdout()
	width := 0
	if out == os.Stdout && ui.IsTerminal(os.Stdout) {
		width = ui.TerminalWidth(os.Stdout, defaultWidth)
	}
	renderConversation(out, ui.NewStyles(out), conv, messages, width)
	return nil
}

// renderConversation prints conv. Replies are rendered as markdown at the
// given width; zero prints them raw.
func renderConversation(w io.Writer, styles *ui.Styles, conv *conversation.Conversation, messages []conversation.Message, width int) {
	title := conv.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintln(w, styles.Title.Render(title))
	fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("%s · %s · %s tokens · %s · %s",
		conv.ID, conv.Model, formatTokens(conv.InputTokens, conv.OutputTokens), formatCost(conv.Cost), conv.Status)))

	for _, m := range messages {
		fmt.Fprintln(w)
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintln(w, styles.Command.Render(">")+" "+m.TextContent)
		case llm.RoleAssistant:
			writeToolCalls(w, styles, m.Trace)
			text := m.TextContent
			if width > 0 {
				text = ui.RenderMarkdown(text, width)
			}
			if text = strings.TrimRight(text, "\n"); text != "" {
				fmt.Fprintln(w, text)
			}
		}
	}
}

func writeToolCalls(w io.Writer, styles *ui.Styles, data []byte) {
	payload, err := trace.Decode(data)
	if err != nil {
		fmt.Fprintln(w, styles.Error.Render(err.Error()))
		return
	}
	for _, call := range payload.ToolCalls {
		label := call.Name
		if call.Command != "" {
			label += " " + styles.Command.Render(call.Command)
		}
		switch call.Status {
		case trace.ToolSuccess:
			fmt.Fprintln(w, styles.Success.Render(ui.SuccessIcon)+" "+label)
		case trace.ToolError:
			fmt.Fprintln(w, styles.Error.Render(ui.FailIcon)+" "+label+styles.Muted.Render(": "+call.Error))
		default:
			fmt.Fprintln(w, styles.Muted.Render(ui.ToolIcon)+" "+label+styles.Muted.Render(" ("+call.Status.String()+")"))
		}
	}
}
