package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/strategy-cli/internal/memory"
	"github.com/sells-group/strategy-cli/internal/model"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain institutional memory",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered entities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entityType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := memory.New(st).List(ctx, entityType, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No memory entries found.")
			return nil
		}
		formatMemoryList(os.Stdout, entries)
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <entity-type> <entity-id>",
	Short: "Show one remembered entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Read through the store so inspection does not count as an access.
		key := model.MemoryKey(args[0], memory.NormalizeID(args[1]))
		entry, err := st.GetMemory(ctx, key)
		if err != nil {
			return eris.Wrapf(err, "memory show %s", key)
		}
		if entry == nil {
			return eris.Errorf("no memory entry for %s", key)
		}
		return writeMemoryEntry(os.Stdout, entry)
	},
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale, rarely used memory entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		days, _ := cmd.Flags().GetInt("retention-days")
		if days <= 0 {
			days = cfg.Memory.RetentionDays
		}
		minAccess, _ := cmd.Flags().GetInt("min-access")
		if minAccess <= 0 {
			minAccess = cfg.Memory.MinAccessCount
		}

		n, err := memory.New(st).Prune(ctx, time.Duration(days)*24*time.Hour, minAccess)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Pruned %d memory entries (older than %d days, fewer than %d accesses)\n", n, days, minAccess)
		return nil
	},
}

func init() {
	memoryListCmd.Flags().String("type", "", "filter by entity type (company, competitor_map, industry_trends)")
	memoryListCmd.Flags().Int("limit", 50, "max number of entries to display")
	memoryPruneCmd.Flags().Int("retention-days", 0, "retention window in days (default from config)")
	memoryPruneCmd.Flags().Int("min-access", 0, "entries with fewer accesses are eligible (default from config)")

	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryShowCmd)
	memoryCmd.AddCommand(memoryPruneCmd)
	rootCmd.AddCommand(memoryCmd)
}

func formatMemoryList(out io.Writer, entries []model.MemoryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSOURCE\tCONFIDENCE\tACCESSES\tLAST ACCESSED")
	_, _ = fmt.Fprintln(w, "---\t------\t----------\t--------\t-------------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\n",
			e.CacheKey,
			e.Source,
			e.Confidence,
			e.AccessCount,
			e.LastAccessedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// writeMemoryEntry prints an entry with its data inlined as JSON.
func writeMemoryEntry(out io.Writer, e *model.MemoryEntry) error {
	doc := struct {
		*model.MemoryEntry
		Data json.RawMessage `json:"data"`
	}{MemoryEntry: e, Data: e.Data}
	if !json.Valid(doc.Data) {
		doc.Data = nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
