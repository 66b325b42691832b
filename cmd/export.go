package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samsaffron/chatty/internal/conversation"
)

var (
	exportAll    bool
	exportSystem string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export [id...]",
	Short: "Export conversations as JSONL for fine-tuning",
	Long: `Export saved conversations as chat-completions JSONL, one conversation per
line. Tool calls are exported as assistant tool_calls followed by tool results.

With --output the records are added to the file, replacing earlier lines for the
same conversations. Without it they are written to stdout.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "Export every saved conversation")
	exportCmd.Flags().StringVar(&exportSystem, "system", "", "System prompt to open each record with")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "JSONL file to add the records to")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportAll == (len(args) > 0) {
		return fmt.Errorf("pass conversation ids or --all")
	}
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
	ids, err := exportIDs(ctx, store, args)
	if err != nil {
		return err
	}

	records := make([]conversation.ExportRecord, 0, len(ids))
	for _, id := range ids {
		conv, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		messages, err := store.Messages(ctx, id, 0, 0)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		rec, err := conversation.Export(conv, messages, exportSystem)
		if err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}
		records = append(records, rec)
	}

	if exportOutput == "" {
		return conversation.WriteJSONL(cmd.OutOrStdout(), records)
	}
	if err := conversation.AppendJSONL(exportOutput, records); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d conversations to %s\n", len(records), exportOutput)
	return nil
}

// exportIDs resolves args, or lists every conversation when args is empty.
func exportIDs(ctx context.Context, store conversation.Store, args []string) ([]string, error) {
	if len(args) == 0 {
		summaries, err := store.List(ctx, conversation.ListOptions{Limit: resolveLimit})
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(summaries))
		for i, s := range summaries {
			ids[i] = s.ID
		}
		return ids, nil
	}
	ids := make([]string, 0, len(args))
	for _, arg := range args {
		id, err := resolveID(ctx, store, arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
