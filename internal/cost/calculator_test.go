package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Providers: map[string]map[string]ModelRate{
			"anthropic": {
				"haiku":  {Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
				"sonnet": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			},
			"openai": {
				"gpt-4o":      {Input: 2.50, Output: 10.00},
				"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider string
		model    string
		input    int64
		output   int64
		want     float64
	}{
		{"haiku", "anthropic", "haiku", 1_000_000, 100_000, 0.80 + 0.40},
		{"sonnet", "anthropic", "sonnet", 2_000, 1_000, 0.006 + 0.015},
		{"openai", "openai", "gpt-4o", 1_000_000, 1_000_000, 12.50},
		{"dated snapshot", "openai", "gpt-4o-2024-08-06", 1_000_000, 1_000_000, 12.50},
		{"longest prefix wins", "openai", "gpt-4o-mini-2024-07-18", 1_000_000, 1_000_000, 0.75},
		{"prefix without separator", "openai", "gpt-4omni", 1_000_000, 1_000_000, 0},
		{"zero tokens", "anthropic", "sonnet", 0, 0, 0},
		{"unknown model", "anthropic", "nope", 1_000_000, 1_000_000, 0},
		{"unknown provider", "mistral", "haiku", 1_000_000, 1_000_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Tokens(tt.provider, tt.model, tt.input, tt.output), 1e-9)
		})
	}
}

func TestPromptCache(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	// cw: 0.2M * 0.80 * 1.25 = 0.20; cr: 0.3M * 0.80 * 0.1 = 0.024
	assert.InDelta(t, 0.224, calc.PromptCache("anthropic", "haiku", 200_000, 300_000), 1e-9)
	assert.Zero(t, calc.PromptCache("openai", "gpt-4o", 200_000, 300_000))
}

func TestCall_PricesPromptCacheSeparately(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	// 1M cache reads on sonnet bill at a tenth of the input rate.
	assert.InDelta(t, 0.30, calc.Call("anthropic", "sonnet", 0, 0, 0, 1_000_000), 1e-9)
	// in 0.003 + out 0.015 + cw 0.00375 + cr 0.0003
	assert.InDelta(t, 0.02205, calc.Call("anthropic", "sonnet", 1_000, 1_000, 1_000, 1_000), 1e-9)
}

func TestResearchQueries(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 0.015, calc.ResearchQueries(3), 1e-9)
	assert.Zero(t, calc.ResearchQueries(0))
	assert.Zero(t, calc.ResearchQueries(-2))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.Contains(t, rates.Providers, "anthropic")
	assert.Contains(t, rates.Providers, "openai")
	assert.Contains(t, rates.Providers["anthropic"], "claude-sonnet-4-5-20250929")
	assert.Greater(t, rates.Perplexity.PerQuery, 0.0)
}
