// Package cost prices provider token usage and research queries, and keeps
// the per-run cost and timing ledger.
package cost

import "strings"

// Rates holds per-provider pricing configuration.
type Rates struct {
	// Providers maps provider name → model id → token pricing.
	Providers  map[string]map[string]ModelRate `yaml:"providers" mapstructure:"providers"`
	Perplexity PerplexityRate                  `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate returns the configured rate for a provider model. A dated snapshot
// such as "gpt-4o-2024-08-06" falls back to the longest configured id it
// extends.
func (c *Calculator) Rate(provider, model string) (ModelRate, bool) {
	models, ok := c.rates.Providers[provider]
	if !ok {
		return ModelRate{}, false
	}
	if rate, ok := models[model]; ok {
		return rate, true
	}
	var best string
	for id := range models {
		if len(id) > len(best) && strings.HasPrefix(model, id+"-") {
			best = id
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return models[best], true
}

// Tokens computes the cost of one provider call. Unknown models cost 0.
func (c *Calculator) Tokens(provider, model string, input, output int64) float64 {
	rate, ok := c.Rate(provider, model)
	if !ok {
		return 0
	}
	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	return inCost + outCost
}

// Call prices one provider call including its prompt-cache usage.
func (c *Calculator) Call(provider, model string, input, output, cacheWrite, cacheRead int64) float64 {
	return c.Tokens(provider, model, input, output) + c.PromptCache(provider, model, cacheWrite, cacheRead)
}

// PromptCache computes the cost of prompt-cache writes and reads billed as
// multiples of the model's input rate.
func (c *Calculator) PromptCache(provider, model string, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.Rate(provider, model)
	if !ok {
		return 0
	}
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return cwCost + crCost
}

// ResearchQueries returns the flat cost of n research queries.
func (c *Calculator) ResearchQueries(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) * c.rates.Perplexity.PerQuery
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Providers: map[string]map[string]ModelRate{
			"anthropic": {
				"claude-haiku-4-5-20251001": {
					Input: 0.80, Output: 4.00,
					CacheWriteMul: 1.25, CacheReadMul: 0.1,
				},
				"claude-sonnet-4-5-20250929": {
					Input: 3.00, Output: 15.00,
					CacheWriteMul: 1.25, CacheReadMul: 0.1,
				},
				"claude-opus-4-6": {
					Input: 15.00, Output: 75.00,
					CacheWriteMul: 1.25, CacheReadMul: 0.1,
				},
			},
			"openai": {
				"gpt-4o":      {Input: 2.50, Output: 10.00},
				"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}
