package cost

import (
	"sync"
	"time"

	"github.com/sells-group/strategy-cli/internal/model"
)

// Entry is one stage's usage as reported to the ledger.
type Entry struct {
	Stage            model.StageID
	Provider         string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	ResearchQueries  int
	Duration         time.Duration
	CacheHit         bool
}

// Summary is the ledger total attached to the final result.
type Summary struct {
	CostUSD  float64           `json:"cost_usd"`
	Duration time.Duration     `json:"duration_ns"`
	PerStage []model.StageCost `json:"per_stage"`
}

// Observer receives every recorded entry, e.g. to export live cost metrics.
type Observer interface {
	ObserveStage(e Entry, costUSD float64)
}

// Ledger accumulates cost and timing for one pipeline run. It is additive
// only; TotalCost always equals the sum of per-stage costs.
type Ledger struct {
	calc     *Calculator
	observer Observer

	mu      sync.Mutex
	entries []model.StageCost
	total   float64
	elapsed time.Duration
}

// NewLedger creates an empty ledger priced by calc. observer may be nil.
func NewLedger(calc *Calculator, observer Observer) *Ledger {
	return &Ledger{calc: calc, observer: observer}
}

// Record prices e, appends it, and returns the incremental cost. Cache hits
// contribute zero cost.
func (l *Ledger) Record(e Entry) float64 {
	var costUSD float64
	if !e.CacheHit && l.calc != nil {
		costUSD = l.calc.Call(e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.CacheWriteTokens, e.CacheReadTokens) +
			l.calc.ResearchQueries(e.ResearchQueries)
	}

	l.mu.Lock()
	l.entries = append(l.entries, model.StageCost{
		Stage:            e.Stage,
		Name:             e.Stage.Name(),
		Provider:         e.Provider,
		Model:            e.Model,
		InputTokens:      e.InputTokens,
		OutputTokens:     e.OutputTokens,
		CacheWriteTokens: e.CacheWriteTokens,
		CacheReadTokens:  e.CacheReadTokens,
		CostUSD:          costUSD,
		DurationMs:       e.Duration.Milliseconds(),
		CacheHit:         e.CacheHit,
	})
	l.total += costUSD
	l.elapsed += e.Duration
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ObserveStage(e, costUSD)
	}
	return costUSD
}

// Total returns the accumulated cost, duration and per-stage breakdown.
func (l *Ledger) Total() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	perStage := make([]model.StageCost, len(l.entries))
	copy(perStage, l.entries)
	return Summary{
		CostUSD:  l.total,
		Duration: l.elapsed,
		PerStage: perStage,
	}
}
