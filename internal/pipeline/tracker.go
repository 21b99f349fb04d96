package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

// Tracker records run progress. Implementations log their own failures;
// tracking never fails a run.
type Tracker interface {
	// Begin returns the run id, or "" when the run is not tracked.
	Begin(ctx context.Context, req model.PipelineRequest) string
	// StageStarted returns a handle passed back to StageFinished.
	StageStarted(ctx context.Context, runID string, stage model.StageID) string
	StageFinished(ctx context.Context, handle string, status model.StageStatus, res *model.StageResult, err error)
	Finish(ctx context.Context, runID string, req model.PipelineRequest, result *model.FinalResult, runErr error)
}

type nopTracker struct{}

func (nopTracker) Begin(context.Context, model.PipelineRequest) string { return "" }
func (nopTracker) StageStarted(context.Context, string, model.StageID) string {
	return ""
}
func (nopTracker) StageFinished(context.Context, string, model.StageStatus, *model.StageResult, error) {
}
func (nopTracker) Finish(context.Context, string, model.PipelineRequest, *model.FinalResult, error) {
}

// StoreTracker persists runs and per-stage rows, hands the final result to
// the store keyed by submission id, and dead-letters runs that did not
// complete.
type StoreTracker struct {
	store store.Store
	dlq   config.DLQConfig

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewStoreTracker creates a StoreTracker. A disabled dlq config skips
// dead-lettering.
func NewStoreTracker(st store.Store, dlq config.DLQConfig) *StoreTracker {
	return &StoreTracker{store: st, dlq: dlq, nowFunc: time.Now}
}

// Begin reuses a queued run for the submission when one exists, so an
// inbound layer can acknowledge before the pipeline starts.
func (t *StoreTracker) Begin(ctx context.Context, req model.PipelineRequest) string {
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("submission_id", req.SubmissionID))

	var runID string
	if req.SubmissionID != "" {
		run, err := t.store.GetRunBySubmission(ctx, req.SubmissionID)
		switch {
		case err == nil && run.Status == model.RunStatusQueued:
			runID = run.ID
		case err != nil && !errors.Is(err, store.ErrNotFound):
			log.Warn("pipeline: failed to look up run", zap.Error(err))
		}
	}

	if runID == "" {
		run, err := t.store.CreateRun(ctx, req.SubmissionID, req)
		if err != nil {
			log.Warn("pipeline: failed to create run", zap.Error(err))
			return ""
		}
		runID = run.ID
	}

	if err := t.store.UpdateRunStatus(ctx, runID, model.RunStatusRunning); err != nil {
		log.Warn("pipeline: failed to update status", zap.String("run_id", runID), zap.Error(err))
	}
	return runID
}

func (t *StoreTracker) StageStarted(ctx context.Context, runID string, stage model.StageID) string {
	if runID == "" {
		return ""
	}
	row, err := t.store.CreateRunStage(context.WithoutCancel(ctx), runID, stage)
	if err != nil {
		zap.L().Warn("pipeline: failed to create stage", zap.String("run_id", runID), zap.String("stage", stage.Key()), zap.Error(err))
		return ""
	}
	return row.ID
}

func (t *StoreTracker) StageFinished(ctx context.Context, handle string, status model.StageStatus, res *model.StageResult, err error) {
	if handle == "" {
		return
	}
	var msg string
	if err != nil {
		msg = err.Error()
	}
	if cerr := t.store.CompleteRunStage(context.WithoutCancel(ctx), handle, status, res, msg); cerr != nil {
		zap.L().Warn("pipeline: failed to complete stage", zap.String("stage_row", handle), zap.Error(cerr))
	}
}

// Finish writes the result document and, when the run did not complete,
// enqueues the request on the dead letter queue.
func (t *StoreTracker) Finish(ctx context.Context, runID string, req model.PipelineRequest, result *model.FinalResult, runErr error) {
	if runID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("run_id", runID), zap.String("submission_id", req.SubmissionID))

	outcome := model.RunOutcome{
		Status:     RunStatus(result, runErr),
		Result:     result,
		CostUSD:    result.Metadata.TotalCostUSD,
		DurationMs: result.Metadata.TotalDurationMs,
		Stages:     result.Metadata.StagesCompleted,
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
	}
	if err := t.store.CompleteRun(ctx, runID, outcome); err != nil {
		log.Warn("pipeline: failed to save result", zap.Error(err))
	}

	if runErr == nil || !t.dlq.Enabled {
		return
	}

	now := t.nowFunc().UTC()
	entry := resilience.DLQEntry{
		Request:      req,
		RunID:        runID,
		Error:        runErr.Error(),
		ErrorType:    classifyRunError(runErr),
		MaxRetries:   t.dlq.MaxRetries,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if result.Failed != nil {
		entry.FailedStage = result.Failed.Stage
	}
	entry.NextRetryAt = now.Add(entry.NextBackoff(time.Duration(t.dlq.BackoffMinutes) * time.Minute))

	if err := t.store.EnqueueDLQ(ctx, entry); err != nil {
		log.Warn("pipeline: failed to enqueue dead letter", zap.Error(err))
		return
	}
	log.Info("pipeline: run dead-lettered",
		zap.String("error_type", entry.ErrorType),
		zap.String("failed_stage", entry.FailedStage.Key()),
	)
}

// classifyRunError treats cancelled runs as retryable.
func classifyRunError(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorTypeTransient
	}
	return resilience.ClassifyError(err)
}

// RunStatus maps a run outcome to its persisted status.
func RunStatus(result *model.FinalResult, runErr error) model.RunStatus {
	switch {
	case runErr == nil && !result.Partial():
		return model.RunStatusComplete
	case len(result.Metadata.StagesCompleted) > 0:
		return model.RunStatusPartial
	default:
		return model.RunStatusFailed
	}
}
