// Package monitoring summarizes recent pipeline runs, exports Prometheus
// metrics, and raises webhook alerts when health thresholds are breached.
package monitoring

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/store"
)

// maxRuns caps how many runs one snapshot scans.
const maxRuns = 10000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal    int `json:"runs_total"`
	RunsComplete int `json:"runs_complete"`
	RunsPartial  int `json:"runs_partial"`
	RunsFailed   int `json:"runs_failed"`
	RunsQueued   int `json:"runs_queued"`
	RunsRunning  int `json:"runs_running"`

	// FailRate is (partial + failed) / finished.
	FailRate      float64 `json:"fail_rate"`
	CostUSD       float64 `json:"cost_usd"`
	AvgCostUSD    float64 `json:"avg_cost_usd"`
	AvgDurationMs int64   `json:"avg_duration_ms"`

	StageFailures    map[string]int `json:"stage_failures,omitempty"`
	CacheHits        int            `json:"cache_hits"`
	StagesRun        int            `json:"stages_run"`
	DataGapsFilled   int            `json:"data_gaps_filled"`
	DataGapsUnfilled int            `json:"data_gaps_unfilled"`

	DLQDepth     int      `json:"dlq_depth"`
	OpenBreakers []string `json:"open_breakers,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of runs that reached a terminal status.
func (s *MetricsSnapshot) Finished() int {
	return s.RunsComplete + s.RunsPartial + s.RunsFailed
}

// RunSource is the slice of store.Store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	CountDLQ(ctx context.Context) (int, error)
}

// BreakerSource reports circuit breaker states. *resilience.Registry
// satisfies it.
type BreakerSource interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers metrics from the run store and breaker registry.
type Collector struct {
	runs     RunSource
	breakers BreakerSource
	nowFunc  func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(runs RunSource, breakers BreakerSource) *Collector {
	return &Collector{runs: runs, breakers: breakers, nowFunc: time.Now}
}

// resultSummary is the part of a stored FinalResult the collector reads.
type resultSummary struct {
	Metadata struct {
		CacheHits        map[string]bool `json:"cache_hits"`
		DataGapsFilled   int             `json:"data_gaps_filled"`
		DataGapsUnfilled []string        `json:"data_gaps_unfilled"`
	} `json:"_metadata"`
	Failed *model.FailureMarker `json:"_failed"`
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		StageFailures: make(map[string]int),
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        maxRuns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalDuration int64
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusQueued:
			snap.RunsQueued++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		snap.CostUSD += r.CostUSD
		totalDuration += r.DurationMs
		c.addResult(snap, r)
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailRate = float64(snap.RunsPartial+snap.RunsFailed) / float64(finished)
		snap.AvgCostUSD = snap.CostUSD / float64(finished)
		snap.AvgDurationMs = totalDuration / int64(finished)
	}

	depth, err := c.runs.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth

	if c.breakers != nil {
		for service, state := range c.breakers.States() {
			if state != resilience.CircuitClosed {
				snap.OpenBreakers = append(snap.OpenBreakers, service)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	return snap, nil
}

func (c *Collector) addResult(snap *MetricsSnapshot, r model.Run) {
	if len(r.Result) == 0 {
		return
	}
	var sum resultSummary
	if err := json.Unmarshal(r.Result, &sum); err != nil {
		zap.L().Debug("monitoring: undecodable run result", zap.String("run_id", r.ID), zap.Error(err))
		return
	}
	if sum.Failed != nil {
		snap.StageFailures[sum.Failed.Stage.Key()]++
	}
	for _, hit := range sum.Metadata.CacheHits {
		snap.StagesRun++
		if hit {
			snap.CacheHits++
		}
	}
	snap.DataGapsFilled += sum.Metadata.DataGapsFilled
	snap.DataGapsUnfilled += len(sum.Metadata.DataGapsUnfilled)
}
