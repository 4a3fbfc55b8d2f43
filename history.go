package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ikaken/live-scratch/internal/journal"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync operations",
		Long: `List the most recent pack, unpack, open and export operations recorded
for this machine, newest first.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", journal.DefaultRecentLimit, "number of entries to show")

	return cmd
}

// historyEntryJSON is the --json shape of one history row.
type historyEntryJSON struct {
	ID         string    `json:"id"`
	Op         string    `json:"op"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Entries    int       `json:"entries"`
	Bytes      int64     `json:"bytes"`
	Digest     string    `json:"digest,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	limit, _ := cmd.Flags().GetInt("limit")

	if limit < 0 {
		return fmt.Errorf("--limit must not be negative, got %d", limit)
	}

	entries, err := loadHistory(cmd.Context(), cc, limit)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printHistoryJSON(cmd.OutOrStdout(), entries)
	}

	if len(entries) == 0 {
		cc.Statusf("No sync operations recorded yet\n")
		return nil
	}

	printHistoryTable(cmd.OutOrStdout(), entries, time.Now())

	return nil
}

func loadHistory(ctx context.Context, cc *CLIContext, limit int) ([]journal.Entry, error) {
	store, err := openJournal(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return nil, err
	}

	if store == nil {
		return nil, fmt.Errorf("history is disabled (set history = true in %s)", cc.Cfg.ConfigPath)
	}
	defer store.Close()

	return store.Recent(ctx, limit)
}

func printHistoryJSON(w io.Writer, entries []journal.Entry) error {
	out := make([]historyEntryJSON, 0, len(entries))

	for i := range entries {
		e := &entries[i]
		out = append(out, historyEntryJSON{
			ID:         e.ID,
			Op:         e.Op,
			Trigger:    e.Trigger,
			StartedAt:  e.StartedAt,
			DurationMS: e.Duration.Milliseconds(),
			Entries:    e.Entries,
			Bytes:      e.Bytes,
			Digest:     e.Digest,
			Error:      e.Error,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printHistoryTable(w io.Writer, entries []journal.Entry, now time.Time) {
	headers := []string{"TIME", "OP", "TRIGGER", "ENTRIES", "SIZE", "DURATION", "STATUS"}
	rows := make([][]string, 0, len(entries))

	for i := range entries {
		e := &entries[i]

		status := "ok"
		if e.Failed() {
			status = "failed: " + e.Error
		}

		rows = append(rows, []string{
			formatTime(e.StartedAt, now),
			e.Op,
			e.Trigger,
			strconv.Itoa(e.Entries),
			formatSize(e.Bytes),
			formatDuration(e.Duration),
			status,
		})
	}

	printTable(w, headers, rows)
}
