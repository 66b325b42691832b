package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samsaffron/chatty/internal/chat"
	"github.com/samsaffron/chatty/internal/signal"
	"github.com/samsaffron/chatty/internal/stream"
	"github.com/samsaffron/chatty/internal/ui"
)

// stopGrace is how long an interrupted chat waits for its stream to wind
// down before exiting anyway.
const stopGrace = 5 * time.Second

var chatContinue string

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send a message and stream the reply",
	Long: `Send a message and stream the reply. Without --continue a new
conversation is started; its id is printed when the reply ends.

The message is read from stdin when no arguments are given.
Press Ctrl+C to stop the reply; whatever arrived so far is saved.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatContinue, "continue", "c", "", "Continue the conversation with this id")
	rootCmd.AddCommand(chatCmd)
}

// readMessage joins args, falling back to piped stdin.
func readMessage(args []string, stdin *os.File) (string, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" && !ui.IsTerminal(stdin) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return "", errors.New("no message given")
	}
	return text, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	text, err := readMessage(args, os.Stdin)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, ui.ApprovalPrompt)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	dispatcher := ui.NewDispatcher(ui.NewTextView(out))
	ended := make(chan stream.StreamEnded, 1)
	dispatcher.OnEnded(func(e stream.StreamEnded) {
		if e.ConversationID == dispatcher.Displayed() {
			select {
			case ended <- e:
			default:
			}
		}
	})

	sub := a.service.Subscribe()
	defer sub.Unsubscribe()
	go dispatcher.Run(context.Background(), sub)

	id := chatContinue
	if id != "" {
		if id, err = resolveID(ctx, a.store, id); err != nil {
			return err
		}
		dispatcher.Show(id)
		err = a.service.Send(ctx, id, text)
	} else {
		dispatcher.Show(stream.PendingKey)
		id, err = a.service.Start(ctx, text)
	}
	if errors.Is(err, chat.ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}

	var result stream.StreamEnded
	select {
	case result = <-ended:
	case <-ctx.Done():
		a.service.Stop(dispatcher.Displayed())
		select {
		case result = <-ended:
		case <-time.After(stopGrace):
			return errors.New("timed out waiting for the stream to stop")
		}
	}

	styles := ui.NewStyles(cmd.ErrOrStderr())
	fmt.Fprintln(cmd.ErrOrStderr(), styles.Muted.Render("conversation "+id))
	if result.Status.State == stream.Failed {
		return errors.New(result.Status.Message)
	}
	return nil
}
