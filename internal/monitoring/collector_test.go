package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

func resultJSON(t *testing.T, r *model.FinalResult) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return data
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockRuns{}, nil)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0.0, snap.FailRate)
	assert.Equal(t, 0.0, snap.CostUSD)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
	assert.Empty(t, snap.OpenBreakers)
}

func TestCollector_RunMetrics(t *testing.T) {
	now := time.Now().UTC()

	complete := model.NewFinalResult()
	complete.Metadata.CacheHits = map[string]bool{"1_extraction": true, "2_gap_analysis": false, "3_frameworks": false}
	complete.Metadata.DataGapsFilled = 2
	complete.Metadata.DataGapsUnfilled = []string{"headquarters"}

	partial := model.NewFinalResult()
	partial.Metadata.CacheHits = map[string]bool{"1_extraction": false}
	partial.Failed = &model.FailureMarker{Stage: model.StageCompetitive, Name: "competitive", Error: "boom"}

	runs := &mockRuns{
		runs: []model.Run{
			{ID: "1", Status: model.RunStatusComplete, CreatedAt: now.Add(-1 * time.Hour), CostUSD: 1.50, DurationMs: 4000, Result: resultJSON(t, complete)},
			{ID: "2", Status: model.RunStatusComplete, CreatedAt: now.Add(-2 * time.Hour), CostUSD: 2.00, DurationMs: 6000},
			{ID: "3", Status: model.RunStatusPartial, CreatedAt: now.Add(-3 * time.Hour), CostUSD: 0.50, DurationMs: 2000, Result: resultJSON(t, partial)},
			{ID: "4", Status: model.RunStatusFailed, CreatedAt: now.Add(-4 * time.Hour), Result: json.RawMessage(`not json`)},
			{ID: "5", Status: model.RunStatusQueued, CreatedAt: now.Add(-30 * time.Minute)},
			{ID: "6", Status: model.RunStatusRunning, CreatedAt: now.Add(-10 * time.Minute)},
			// Outside lookback window.
			{ID: "7", Status: model.RunStatusFailed, CreatedAt: now.Add(-48 * time.Hour), CostUSD: 9},
		},
		dlqCount: 3,
	}

	c := NewCollector(runs, nil)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsQueued)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.Equal(t, 4, snap.Finished())
	assert.InDelta(t, 0.5, snap.FailRate, 0.001)
	assert.InDelta(t, 4.00, snap.CostUSD, 0.001)
	assert.InDelta(t, 1.00, snap.AvgCostUSD, 0.001)
	assert.Equal(t, int64(3000), snap.AvgDurationMs)
	assert.Equal(t, map[string]int{"4_competitive": 1}, snap.StageFailures)
	assert.Equal(t, 4, snap.StagesRun)
	assert.Equal(t, 1, snap.CacheHits)
	assert.Equal(t, 2, snap.DataGapsFilled)
	assert.Equal(t, 1, snap.DataGapsUnfilled)
	assert.Equal(t, 3, snap.DLQDepth)
}

func TestCollector_OpenBreakers(t *testing.T) {
	breakers := staticBreakers{
		"openai":     resilience.CircuitOpen,
		"anthropic":  resilience.CircuitClosed,
		"perplexity": resilience.CircuitHalfOpen,
	}
	c := NewCollector(&mockRuns{}, breakers)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai", "perplexity"}, snap.OpenBreakers)
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	now := time.Now().UTC()
	runs := &mockRuns{
		runs: []model.Run{
			{ID: "1", Status: model.RunStatusQueued, CreatedAt: now.Add(-1 * time.Hour)},
			{ID: "2", Status: model.RunStatusRunning, CreatedAt: now.Add(-2 * time.Hour)},
		},
	}

	snap, err := NewCollector(runs, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.FailRate)
	assert.Zero(t, snap.AvgDurationMs)
}

func TestCollector_ListError(t *testing.T) {
	c := NewCollector(&mockRuns{listErr: errors.New("db down")}, nil)
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}

func TestCollector_DLQError(t *testing.T) {
	c := NewCollector(&mockRuns{dlqErr: errors.New("db down")}, nil)
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count dlq")
}

func TestCollector_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	req := model.PipelineRequest{SubmissionID: "sub-1", Company: "Acme Co", Industry: "Retail", Challenge: "Grow"}
	run, err := st.CreateRun(ctx, "sub-1", req)
	require.NoError(t, err)

	result := model.NewFinalResult()
	result.Metadata.TotalCostUSD = 0.42
	require.NoError(t, st.CompleteRun(ctx, run.ID, model.RunOutcome{
		Status:     model.RunStatusComplete,
		Result:     result,
		CostUSD:    0.42,
		DurationMs: 1200,
	}))

	snap, err := NewCollector(st, nil).Collect(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.InDelta(t, 0.42, snap.CostUSD, 1e-9)
}
