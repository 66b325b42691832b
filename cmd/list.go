package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/samsaffron/chatty/internal/conversation"
)

const (
	shortIDLen   = 8
	titleWidth   = 40
	resolveLimit = 1000
)

var (
	listFilter string
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved conversations",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	listCmd.Flags().StringVarP(&listFilter, "filter", "f", "", "Fuzzy filter on conversation titles")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show conversations with this status (active, complete, error, interrupted)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of conversations")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	status, err := parseStatus(listStatus)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Sessions.Enabled {
		return errors.New("conversation history is disabled (sessions.enabled: false)")
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := conversation.ListOptions{Status: status, Limit: listLimit}
	if listFilter != "" {
		// Filter before limiting so older matches are not cut off.
		opts.Limit = resolveLimit
	}
	summaries, err := store.List(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	summaries = filterSummaries(summaries, listFilter)
	if listLimit > 0 && len(summaries) > listLimit {
		summaries = summaries[:listLimit]
	}

	writeSummaries(cmd.OutOrStdout(), summaries, time.Now())
	return nil
}

func parseStatus(s string) (conversation.Status, error) {
	switch st := conversation.Status(s); st {
	case "", conversation.StatusActive, conversation.StatusComplete, conversation.StatusError, conversation.StatusInterrupted:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q: must be one of active, complete, error, interrupted", s)
}

// summaryTitles adapts a summary list to fuzzy.Source.
type summaryTitles []conversation.Summary

func (s summaryTitles) String(i int) string { return s[i].Title }
func (s summaryTitles) Len() int            { return len(s) }

// filterSummaries keeps the summaries whose title fuzzy-matches query, best
// match first. An empty query keeps everything in store order.
func filterSummaries(summaries []conversation.Summary, query string) []conversation.Summary {
	if query == "" {
		return summaries
	}
	matches := fuzzy.FindFrom(query, summaryTitles(summaries))
	out := make([]conversation.Summary, 0, len(matches))
	for _, m := range matches {
		out = append(out, summaries[m.Index])
	}
	return out
}

func writeSummaries(w io.Writer, summaries []conversation.Summary, now time.Time) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return
	}

	fmt.Fprintf(w, "%-8s  %s  %4s  %-11s  %8s  %-11s  %s\n",
		"ID", runewidth.FillRight("TITLE", titleWidth), "MSGS", "TOKENS", "COST", "STATUS", "AGE")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		title = runewidth.FillRight(runewidth.Truncate(title, titleWidth, "…"), titleWidth)

		status := string(s.Status)
		if status == "" {
			status = string(conversation.StatusActive)
		}

		fmt.Fprintf(w, "%-8s  %s  %4d  %-11s  %8s  %-11s  %s\n",
			shortID(s.ID), title, s.MessageCount, formatTokens(s.InputTokens, s.OutputTokens),
			formatCost(s.Cost), status, formatAge(now.Sub(s.UpdatedAt)))
	}
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// formatTokens formats input/output tokens in compact form
func formatTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatCount(input), formatCount(output))
}

// formatCount formats a number in compact form (e.g., 1k, 1.2k, 3.4M)
func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dk", int(val))
		}
		return fmt.Sprintf("%.1fk", val)
	}
	val := float64(n) / 1000000
	if val == float64(int(val)) {
		return fmt.Sprintf("%dM", int(val))
	}
	return fmt.Sprintf("%.1fM", val)
}

func formatCost(cost float64) string {
	if cost == 0 {
		return "-"
	}
	if cost < 0.01 {
		return "<$0.01"
	}
	return fmt.Sprintf("$%.2f", cost)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// resolveID accepts a full conversation id or a unique prefix of one.
func resolveID(ctx context.Context, store conversation.Store, id string) (string, error) {
	if _, err := store.Get(ctx, id); err == nil {
		return id, nil
	} else if !errors.Is(err, conversation.ErrNotFound) {
		return "", err
	}

	summaries, err := store.List(ctx, conversation.ListOptions{Limit: resolveLimit})
	if err != nil {
		return "", err
	}
	var found []string
	for _, s := range summaries {
		if strings.HasPrefix(s.ID, id) {
			found = append(found, s.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("conversation %s: %w", id, conversation.ErrNotFound)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("conversation id %q is ambiguous (%d matches)", id, len(found))
}
