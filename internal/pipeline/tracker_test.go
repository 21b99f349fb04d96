package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

func TestStoreTracker_CompleteRunPersistsResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.AllStages...)

	tracker := NewStoreTracker(h.store, h.cfg.DLQ)
	result, err := h.orchestrator(tracker).Run(ctx, acmeRequest())
	require.NoError(t, err)
	require.NotEmpty(t, result.Metadata.RunID)

	run, err := h.store.GetRunBySubmission(ctx, "sub-acme")
	require.NoError(t, err)
	assert.Equal(t, result.Metadata.RunID, run.ID)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.AllStages, run.Stages)
	assert.InDelta(t, result.Metadata.TotalCostUSD, run.CostUSD, 1e-9)

	var stored model.FinalResult
	require.NoError(t, json.Unmarshal(run.Result, &stored))
	assert.Equal(t, 1, stored.Metadata.DataGapsFilled)
	assert.Len(t, stored.Sections, 6)

	stages, err := h.store.ListRunStages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 6)
	for _, s := range stages {
		assert.Equal(t, model.StageStatusComplete, s.Status)
		require.NotNil(t, s.Result)
	}

	n, err := h.store.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreTracker_PartialRunIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageGapAnalysis, model.StageFrameworks)
	h.openai.On("Complete", mock.Anything, forSystem(competitiveSystem)).
		Return(nil, resilience.NewTransientError(errors.New("upstream 503"), 503))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewStoreTracker(h.store, h.cfg.DLQ)
	tracker.nowFunc = func() time.Time { return now }

	_, err := h.orchestrator(tracker).Run(ctx, acmeRequest())
	require.Error(t, err)

	run, err := h.store.GetRunBySubmission(ctx, "sub-acme")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, run.Status)
	assert.Contains(t, run.Error, "4_competitive")

	stages, err := h.store.ListRunStages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 4)
	assert.Equal(t, model.StageStatusFailed, stages[3].Status)
	assert.NotEmpty(t, stages[3].Error)

	entries, err := h.store.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, run.ID, e.RunID)
	assert.Equal(t, model.StageCompetitive, e.FailedStage)
	assert.Equal(t, resilience.ErrorTypeTransient, e.ErrorType)
	assert.Equal(t, 3, e.MaxRetries)
	assert.Equal(t, "Acme Co", e.Request.Company)
	assert.True(t, e.NextRetryAt.Equal(now.Add(5*time.Minute)), "next retry %s", e.NextRetryAt)
}

func TestStoreTracker_SkippedStageRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageFrameworks, model.StageCompetitive, model.StageRiskPriority, model.StageExecutivePolish)

	analyzer := &mockAnalyzer{}
	analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("research backend down"))

	tracker := NewStoreTracker(h.store, h.cfg.DLQ)
	stages := DefaultStages(h.cfg, h.caller(), analyzer, h.memory)
	_, err := New(h.cfg, stages, h.cache, nil, tracker).Run(ctx, acmeRequest())
	require.NoError(t, err)

	run, err := h.store.GetRunBySubmission(ctx, "sub-acme")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)

	rows, err := h.store.ListRunStages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, model.StageStatusSkipped, rows[1].Status)
	assert.Contains(t, rows[1].Error, "research backend down")
}

func TestStoreTracker_ReusesQueuedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.AllStages...)

	queued, err := h.store.CreateRun(ctx, "sub-acme", acmeRequest())
	require.NoError(t, err)

	result, err := h.orchestrator(NewStoreTracker(h.store, h.cfg.DLQ)).Run(ctx, acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, queued.ID, result.Metadata.RunID)

	runs, err := h.store.ListRuns(ctx, store.RunFilter{SubmissionID: "sub-acme"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStoreTracker_DLQDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.anthropic.On("Complete", mock.Anything, forSystem(extractionSystem)).
		Return(nil, resilience.NewPermanentError(errors.New("bad request"), 400))

	tracker := NewStoreTracker(h.store, config.DLQConfig{Enabled: false})
	_, err := h.orchestrator(tracker).Run(ctx, acmeRequest())
	require.Error(t, err)

	run, err := h.store.GetRunBySubmission(ctx, "sub-acme")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	n, err := h.store.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClassifyRunError(t *testing.T) {
	assert.Equal(t, resilience.ErrorTypeTransient, classifyRunError(context.Canceled))
	assert.Equal(t, resilience.ErrorTypeTransient, classifyRunError(&StageFailedError{
		Stage: model.StageExtraction,
		Err:   &resilience.CircuitOpenError{Service: "anthropic"},
	}))
	assert.Equal(t, resilience.ErrorTypePermanent, classifyRunError(&StageFailedError{
		Stage: model.StageExtraction,
		Err:   resilience.NewPermanentError(errors.New("bad request"), 400),
	}))
}

func TestRunStatus(t *testing.T) {
	complete := model.NewFinalResult()
	complete.Metadata.StagesCompleted = model.AllStages
	assert.Equal(t, model.RunStatusComplete, RunStatus(complete, nil))

	partial := model.NewFinalResult()
	partial.Metadata.StagesCompleted = []model.StageID{model.StageExtraction}
	partial.Failed = &model.FailureMarker{Stage: model.StageGapAnalysis}
	assert.Equal(t, model.RunStatusPartial, RunStatus(partial, errors.New("boom")))

	failed := model.NewFinalResult()
	failed.Failed = &model.FailureMarker{Stage: model.StageExtraction}
	assert.Equal(t, model.RunStatusFailed, RunStatus(failed, errors.New("boom")))
}
