package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/monitoring"
	"github.com/sells-group/strategy-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
	Long:  "Commands for listing, viewing, and summarizing pipeline runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline runs",
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

		status, _ := cmd.Flags().GetString("status")
		submission, _ := cmd.Flags().GetString("submission")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status:       model.RunStatus(status),
			SubmissionID: submission,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

// runDetail is a run with its per-stage rows.
type runDetail struct {
	*model.Run
	StageRows []model.RunStage `json:"stage_rows"`
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
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

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		rows, err := st.ListRunStages(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "runs show: stages")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runDetail{Run: run, StageRows: rows})
	},
}

// -- runs summary --

var runsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show cost and failure-rate summary over a lookback window",
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

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs summary")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatSummary(os.Stdout, snap)

		if alert, _ := cmd.Flags().GetBool("alert"); alert {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			alerts := alerter.Evaluate(snap)
			for _, a := range alerts {
				fmt.Fprintf(os.Stdout, "ALERT [%s] %s\n", a.Severity, a.Message)
			}
			alerter.SendAlerts(ctx, alerts)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, complete, partial, failed)")
	runsListCmd.Flags().String("submission", "", "filter by submission id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsSummaryCmd.Flags().Duration("since", 24*time.Hour, "time window for the summary (e.g. 24h, 72h, 168h)")
	runsSummaryCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	runsSummaryCmd.Flags().Bool("alert", false, "evaluate alert thresholds and send webhook alerts")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsSummaryCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tSTATUS\tSTAGES\tCOST\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t------\t----\t-------\t--------")

	for _, r := range runs {
		company := r.Request.Company
		if len(company) > 30 {
			company = company[:27] + "..."
		}

		dur := "-"
		if r.DurationMs > 0 {
			dur = (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t$%.4f\t%s\t%s\n",
			truncateID(r.ID),
			company,
			r.Status,
			len(r.Stages), len(model.AllStages),
			r.CostUSD,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatSummary writes a snapshot to w.
func formatSummary(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.RunsComplete)
	_, _ = fmt.Fprintf(w, "Partial:\t%d\n", s.RunsPartial)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "In progress:\t%d\n", s.RunsQueued+s.RunsRunning)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.FailRate*100)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.4f\n", s.CostUSD)
	if s.Finished() > 0 {
		_, _ = fmt.Fprintf(w, "Avg cost:\t$%.4f\n", s.AvgCostUSD)
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", float64(s.AvgDurationMs)/1000)
	}
	if s.StagesRun > 0 {
		_, _ = fmt.Fprintf(w, "Cache hits:\t%d/%d stages\n", s.CacheHits, s.StagesRun)
	}
	_, _ = fmt.Fprintf(w, "Data gaps:\t%d filled, %d unfilled\n", s.DataGapsFilled, s.DataGapsUnfilled)
	_, _ = fmt.Fprintf(w, "DLQ depth:\t%d\n", s.DLQDepth)

	stages := make([]string, 0, len(s.StageFailures))
	for stage := range s.StageFailures {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		_, _ = fmt.Fprintf(w, "  Failed at %s:\t%d\n", stage, s.StageFailures[stage])
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
