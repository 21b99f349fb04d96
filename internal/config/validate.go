package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategy-cli/internal/model"
)

// Validate checks that the settings required by mode are present and sane.
// Modes: "run", "serve", "store" (maintenance commands that only need the
// database).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.MaxConcurrentRuns < 1 || c.Server.MaxConcurrentRuns > 64 {
			errs = append(errs, "server.max_concurrent_runs must be between 1 and 64")
		}
	case "store":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string

	needs := map[string]bool{}
	for _, id := range model.AllStages {
		if id == model.StageGapAnalysis {
			continue
		}
		sc := c.Stages.For(id)
		switch sc.Provider {
		case "anthropic", "openai":
			needs[sc.Provider] = true
		default:
			errs = append(errs, fmt.Sprintf("stages.%s.provider %q must be anthropic or openai", id.Name(), sc.Provider))
		}
		if sc.Model == "" {
			errs = append(errs, fmt.Sprintf("stages.%s.model is required", id.Name()))
		}
		if sc.MaxTokens <= 0 {
			errs = append(errs, fmt.Sprintf("stages.%s.max_tokens must be > 0", id.Name()))
		}
		if sc.Temperature < 0 || sc.Temperature > 2 {
			errs = append(errs, fmt.Sprintf("stages.%s.temperature must be between 0 and 2", id.Name()))
		}
	}
	if needs["anthropic"] && c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if needs["openai"] && c.OpenAI.Key == "" {
		errs = append(errs, "openai.key is required")
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errs = append(errs, "retry.max_attempts must be between 1 and 10")
	}
	if c.Retry.TemperatureDecay <= 0 || c.Retry.TemperatureDecay > 1 {
		errs = append(errs, "retry.temperature_decay must be in (0, 1]")
	}
	if c.Retry.TemperatureFloor < 0 {
		errs = append(errs, "retry.temperature_floor must be >= 0")
	}

	if c.Research.MaxConcurrency < 1 || c.Research.MaxConcurrency > 32 {
		errs = append(errs, "research.max_concurrency must be between 1 and 32")
	}
	if c.Memory.MinConfidence < 0 || c.Memory.MinConfidence > 1 {
		errs = append(errs, "memory.min_confidence must be between 0 and 1")
	}

	switch c.Cache.Driver {
	case "memory", "store", "none":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required when cache.driver is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be memory, store, redis, or none", c.Cache.Driver))
	}
	return errs
}
