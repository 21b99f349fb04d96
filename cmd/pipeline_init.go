package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/memory"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/monitoring"
	"github.com/sells-group/strategy-cli/internal/pipeline"
	"github.com/sells-group/strategy-cli/internal/provider"
	"github.com/sells-group/strategy-cli/internal/research"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/stagecache"
	"github.com/sells-group/strategy-cli/internal/store"
	anthropicpkg "github.com/sells-group/strategy-cli/pkg/anthropic"
	openaipkg "github.com/sells-group/strategy-cli/pkg/openai"
	"github.com/sells-group/strategy-cli/pkg/perplexity"
)

// sweeper is implemented by every stage cache backend.
type sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// pipelineEnv holds the store, shared registries, and stages needed by the
// run, serve, and dlq commands.
type pipelineEnv struct {
	Store    store.Store
	Breakers *resilience.Registry
	Cache    *stagecache.Cache
	Sweeper  sweeper // nil when caching is disabled
	Memory   *memory.Store
	Metrics  *monitoring.Metrics
	Stages   []pipeline.Stage

	closers []func() error
}

// Orchestrator builds an orchestrator over the environment's stages. Runs
// are recorded through tracker and counted on the metrics.
func (pe *pipelineEnv) Orchestrator(tracker pipeline.Tracker) *pipeline.Orchestrator {
	return pipeline.New(cfg, pe.Stages, pe.Cache, pe.Metrics, meteredTracker{Tracker: tracker, metrics: pe.Metrics})
}

// Tracker returns a store-backed run tracker using the configured DLQ policy.
func (pe *pipelineEnv) Tracker() *pipeline.StoreTracker {
	return pipeline.NewStoreTracker(pe.Store, cfg.DLQ)
}

// meteredTracker counts runs on the Prometheus metrics.
type meteredTracker struct {
	pipeline.Tracker
	metrics *monitoring.Metrics
}

func (t meteredTracker) Begin(ctx context.Context, req model.PipelineRequest) string {
	t.metrics.RunStarted()
	return t.Tracker.Begin(ctx, req)
}

func (t meteredTracker) Finish(ctx context.Context, runID string, req model.PipelineRequest, result *model.FinalResult, runErr error) {
	t.Tracker.Finish(ctx, runID, req, result, runErr)
	t.metrics.RunFinished(pipeline.RunStatus(result, runErr))
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	for i := len(pe.closers) - 1; i >= 0; i-- {
		if err := pe.closers[i](); err != nil {
			zap.L().Warn("close pipeline resource", zap.Error(err))
		}
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store, and wires every
// pipeline component. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	env, err := buildEnv(ctx, st, buildProviders())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the pipeline around an open store and the given LLM
// providers.
func buildEnv(ctx context.Context, st store.Store, llms []provider.LLM) (*pipelineEnv, error) {
	env := &pipelineEnv{
		Store:   st,
		Memory:  memory.New(st),
		Metrics: monitoring.NewMetrics(),
	}

	env.Breakers = buildBreakers(cfg.Breakers)
	metrics := env.Metrics
	env.Breakers.OnStateChange(func(service string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		metrics.ObserveBreaker(service, from, to)
	})

	backend, closer, err := buildCacheBackend(ctx, st)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		env.closers = append(env.closers, closer)
	}
	if backend != nil {
		env.Cache = stagecache.New(backend, cfg.Stages.CacheTTLs())
		if sw, ok := backend.(sweeper); ok {
			env.Sweeper = sw
		}
	}

	caller := provider.NewCaller(llms, env.Breakers, buildRetry(cfg.Retry))

	var researcher research.Researcher
	if cfg.Perplexity.Key != "" {
		client := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
		pr := research.NewPerplexity(client, env.Breakers, cfg.Research.RatePerSec, cfg.Perplexity.Model)
		pr.Recency = cfg.Research.Recency
		researcher = pr
	} else {
		zap.L().Warn("STRATEGY_PERPLEXITY_KEY not set, data gaps will not be researched")
	}

	analyzer := research.NewAnalyzer(researcher, env.Memory, research.Config{
		RequiredFields: cfg.Research.RequiredFields,
		MaxConcurrency: cfg.Research.MaxConcurrency,
		QueryTimeout:   time.Duration(cfg.Research.QueryTimeoutSecs) * time.Second,
		MinConfidence:  cfg.Memory.MinConfidence,
	})

	env.Stages = pipeline.DefaultStages(cfg, caller, analyzer, env.Memory)

	zap.L().Info("pipeline initialized",
		zap.Int("providers", len(llms)),
		zap.String("cache_driver", cfg.Cache.Driver),
		zap.Bool("research_enabled", researcher != nil),
	)
	return env, nil
}

// buildProviders registers an LLM for every configured API key.
func buildProviders() []provider.LLM {
	var llms []provider.LLM
	if cfg.Anthropic.Key != "" {
		var opts []anthropicpkg.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		llms = append(llms, provider.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)))
	}
	if cfg.OpenAI.Key != "" {
		opts := []openaipkg.Option{openaipkg.WithBaseURL(cfg.OpenAI.BaseURL)}
		if cfg.OpenAI.Organization != "" {
			opts = append(opts, openaipkg.WithOrganization(cfg.OpenAI.Organization))
		}
		llms = append(llms, provider.NewOpenAI(openaipkg.NewClient(cfg.OpenAI.Key, opts...)))
	}
	return llms
}

// buildBreakers creates the registry with per-service overrides from config.
func buildBreakers(services map[string]config.BreakerConfig) *resilience.Registry {
	overrides := make(map[string]resilience.CircuitBreakerConfig, len(services))
	for name, bc := range services {
		overrides[name] = resilience.CircuitBreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			ResetTimeout:     time.Duration(bc.ResetTimeoutSecs) * time.Second,
		}
	}
	return resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), overrides)
}

func buildRetry(rc config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:      rc.MaxAttempts,
		InitialBackoff:   time.Duration(rc.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:       time.Duration(rc.MaxBackoffMs) * time.Millisecond,
		Multiplier:       rc.Multiplier,
		JitterFraction:   rc.JitterFraction,
		TemperatureDecay: rc.TemperatureDecay,
		TemperatureFloor: rc.TemperatureFloor,
	}
}

// buildCacheBackend selects the stage cache backend. A nil backend disables
// caching; the returned closer may be nil.
func buildCacheBackend(ctx context.Context, st store.Store) (stagecache.Backend, func() error, error) {
	switch cfg.Cache.Driver {
	case "none":
		return nil, nil, nil
	case "memory":
		return stagecache.NewMemoryBackend(), nil, nil
	case "", "store":
		return stagecache.NewStoreBackend(st), nil, nil
	case "redis":
		rb, err := stagecache.NewRedisBackend(ctx, stagecache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, eris.Wrap(err, "init redis stage cache")
		}
		return rb, rb.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
}
