package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/pipeline"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered submissions",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter queue entries",
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

		errType, _ := cmd.Flags().GetString("type")
		due, _ := cmd.Flags().GetBool("due")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: errType, DueOnly: due, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDLQList(os.Stdout, entries)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run transient failures that are due for retry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		// Replays are tracked without dead-lettering; the existing entry
		// carries the retry state.
		runner := env.Orchestrator(pipeline.NewStoreTracker(env.Store, config.DLQConfig{}))
		r := newDLQRetrier(env.Store, runner, time.Duration(cfg.DLQ.BackoffMinutes)*time.Minute)

		stats, err := r.Retry(ctx, resilience.DLQFilter{
			ErrorType: resilience.ErrorTypeTransient,
			DueOnly:   !all,
			Limit:     limit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Retried %d, resolved %d, still failing %d, skipped %d\n",
			stats.Retried, stats.Resolved, stats.Failed, stats.Skipped)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().Bool("due", false, "only entries due for retry")
	dlqListCmd.Flags().Int("limit", 100, "max number of entries to display")
	dlqRetryCmd.Flags().Bool("all", false, "retry entries that are not yet due")
	dlqRetryCmd.Flags().Int("limit", 20, "max number of entries to retry")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

// dlqRetrier replays dead-lettered requests through the pipeline.
type dlqRetrier struct {
	store   store.Store
	runner  analysisRunner
	backoff time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

func newDLQRetrier(st store.Store, runner analysisRunner, backoff time.Duration) *dlqRetrier {
	return &dlqRetrier{store: st, runner: runner, backoff: backoff, nowFunc: time.Now}
}

type retryStats struct {
	Retried  int
	Resolved int
	Failed   int
	Skipped  int
}

// Retry re-runs every retryable entry matching filter. Entries that succeed
// are removed; entries that fail again are rescheduled with a longer
// backoff.
func (d *dlqRetrier) Retry(ctx context.Context, filter resilience.DLQFilter) (retryStats, error) {
	var stats retryStats

	entries, err := d.store.ListDLQ(ctx, filter)
	if err != nil {
		return stats, eris.Wrap(err, "dlq retry: list")
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		log := zap.L().With(zap.String("dlq_id", e.ID), zap.String("submission_id", e.Request.SubmissionID))
		if !e.CanRetry() {
			stats.Skipped++
			log.Debug("dlq: entry not retryable", zap.String("error_type", e.ErrorType), zap.Int("retry_count", e.RetryCount))
			continue
		}

		stats.Retried++
		_, runErr := d.runner.Run(ctx, e.Request)
		if runErr == nil {
			stats.Resolved++
			if err := d.store.RemoveDLQ(ctx, e.ID); err != nil {
				log.Warn("dlq: failed to remove resolved entry", zap.Error(err))
			}
			log.Info("dlq: entry resolved")
			continue
		}

		stats.Failed++
		next := e
		next.RetryCount++
		nextAt := d.nowFunc().UTC().Add(next.NextBackoff(d.backoff))
		if err := d.store.IncrementDLQRetry(ctx, e.ID, nextAt, runErr.Error()); err != nil {
			log.Warn("dlq: failed to reschedule entry", zap.Error(err))
		}
		log.Warn("dlq: retry failed", zap.Int("retry_count", next.RetryCount), zap.Time("next_retry_at", nextAt), zap.Error(runErr))
	}
	return stats, nil
}

func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tTYPE\tSTAGE\tRETRIES\tNEXT RETRY\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t-----\t-------\t----------\t-----")
	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		stage := "-"
		if e.FailedStage.Valid() {
			stage = e.FailedStage.Key()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			e.Request.Company,
			e.ErrorType,
			stage,
			e.RetryCount, e.MaxRetries,
			e.NextRetryAt.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}
