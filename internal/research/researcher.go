package research

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/pkg/perplexity"
)

// ServicePerplexity is the breaker name for research queries.
const ServicePerplexity = "perplexity"

// Finding is free-text research output tagged with where it came from.
type Finding struct {
	Text   string
	Source string
}

// Researcher answers one free-text query.
type Researcher interface {
	Query(ctx context.Context, query string) (*Finding, error)
}

const researchSystemPrompt = "You are a business research assistant. Answer with the single requested value only. " +
	"If the value cannot be determined from reliable sources, answer \"unknown\"."

// PerplexityResearcher queries Perplexity through a circuit breaker and a
// client-side rate limit.
type PerplexityResearcher struct {
	client  perplexity.Client
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	model   string

	// Recency limits sources to a perplexity recency window. Empty searches
	// all sources.
	Recency string
}

// NewPerplexity builds a researcher. ratePerSec <= 0 disables limiting;
// breakers may be nil.
func NewPerplexity(client perplexity.Client, breakers *resilience.Registry, ratePerSec float64, model string) *PerplexityResearcher {
	r := &PerplexityResearcher{client: client, model: model}
	if breakers != nil {
		r.breaker = breakers.Get(ServicePerplexity)
	}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return r
}

// Query implements Researcher.
func (r *PerplexityResearcher) Query(ctx context.Context, query string) (*Finding, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "research: rate limit wait")
		}
	}

	call := func(ctx context.Context) (*Finding, error) {
		ans, err := r.client.Search(ctx, perplexity.Query{
			System:   researchSystemPrompt,
			Question: query,
			Model:    r.model,
			Recency:  r.Recency,
		})
		if err != nil {
			var se *perplexity.StatusError
			if errors.As(err, &se) {
				if se.RetryAfter > 0 {
					zap.L().Warn("research: perplexity throttled", zap.Duration("retry_after", se.RetryAfter))
				}
				return nil, resilience.ClassifyHTTPStatus(err, se.StatusCode)
			}
			if ctx.Err() != nil {
				return nil, eris.Wrap(err, "research: query")
			}
			return nil, resilience.NewTransientError(err, 0)
		}
		zap.L().Debug("research: query complete",
			zap.String("model", ans.Model),
			zap.Int("sources", len(ans.Sources)),
			zap.Int("prompt_tokens", ans.PromptTokens),
			zap.Int("completion_tokens", ans.CompletionTokens),
		)
		return &Finding{Text: ans.Text, Source: ans.Source()}, nil
	}

	if r.breaker == nil {
		return call(ctx)
	}
	return resilience.ExecuteVal(ctx, r.breaker, call)
}
