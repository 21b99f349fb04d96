package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/strategy-cli/internal/cost"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
)

const namespace = "strategy"

// Metrics exports live pipeline metrics. It implements cost.Observer so the
// ledger feeds it every stage entry. A nil *Metrics is a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	stageDuration   *prometheus.HistogramVec
	stageCost       *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	researchQueries prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runsInFlight    prometheus.Gauge
	breakerState    *prometheus.GaugeVec
	dlqDepth        prometheus.Gauge
	failRate        prometheus.Gauge
}

var _ cost.Observer = (*Metrics)(nil)

// NewMetrics registers the pipeline collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time, including cache lookups.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stageCost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cost_usd_total",
			Help:      "Estimated provider spend in USD.",
		}, []string{"stage", "provider", "model"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Provider tokens consumed.",
		}, []string{"stage", "direction"}),
		researchQueries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "research_queries_total",
			Help:      "Gap-filling research queries issued.",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_cache_lookups_total",
			Help:      "Stage cache lookups by outcome.",
		}, []string{"stage", "result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by status.",
		}, []string{"status"}),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Pipeline runs currently executing.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		dlqDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_depth",
			Help:      "Entries waiting in the dead letter queue.",
		}),
		failRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_fail_rate",
			Help:      "Share of finished runs in the lookback window that were partial or failed.",
		}),
	}
}

// ObserveStage records one ledger entry.
func (m *Metrics) ObserveStage(e cost.Entry, costUSD float64) {
	if m == nil {
		return
	}
	stage := e.Stage.Key()
	m.stageDuration.WithLabelValues(stage).Observe(e.Duration.Seconds())

	result := "miss"
	if e.CacheHit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(stage, result).Inc()
	if e.CacheHit {
		return
	}

	if e.Provider != "" {
		m.stageCost.WithLabelValues(stage, e.Provider, e.Model).Add(costUSD)
	}
	m.tokens.WithLabelValues(stage, "input").Add(float64(e.InputTokens))
	m.tokens.WithLabelValues(stage, "output").Add(float64(e.OutputTokens))
	if e.CacheWriteTokens > 0 {
		m.tokens.WithLabelValues(stage, "cache_write").Add(float64(e.CacheWriteTokens))
	}
	if e.CacheReadTokens > 0 {
		m.tokens.WithLabelValues(stage, "cache_read").Add(float64(e.CacheReadTokens))
	}
	m.researchQueries.Add(float64(e.ResearchQueries))
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished counts a finished run and clears its in-flight mark.
func (m *Metrics) RunFinished(status model.RunStatus) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	m.runs.WithLabelValues(string(status)).Inc()
}

// ObserveBreaker has the signature of resilience.Registry.OnStateChange.
func (m *Metrics) ObserveBreaker(service string, _, to resilience.CircuitState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(to))
}

// ObserveSnapshot publishes the window gauges of a collected snapshot.
func (m *Metrics) ObserveSnapshot(snap *MetricsSnapshot) {
	if m == nil || snap == nil {
		return
	}
	m.dlqDepth.Set(float64(snap.DLQDepth))
	m.failRate.Set(snap.FailRate)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
