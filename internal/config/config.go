package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/strategy-cli/internal/cost"
	"github.com/sells-group/strategy-cli/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig              `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig              `yaml:"redis" mapstructure:"redis"`
	Anthropic  AnthropicConfig          `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig             `yaml:"openai" mapstructure:"openai"`
	Perplexity PerplexityConfig         `yaml:"perplexity" mapstructure:"perplexity"`
	Pricing    cost.Rates               `yaml:"pricing" mapstructure:"pricing"`
	Stages     StagesConfig             `yaml:"stages" mapstructure:"stages"`
	Retry      RetryConfig              `yaml:"retry" mapstructure:"retry"`
	Breakers   map[string]BreakerConfig `yaml:"breakers" mapstructure:"breakers"`
	Research   ResearchConfig           `yaml:"research" mapstructure:"research"`
	Memory     MemoryConfig             `yaml:"memory" mapstructure:"memory"`
	Cache      CacheConfig              `yaml:"cache" mapstructure:"cache"`
	DLQ        DLQConfig                `yaml:"dlq" mapstructure:"dlq"`
	Monitoring MonitoringConfig         `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig             `yaml:"server" mapstructure:"server"`
	Log        LogConfig                `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the redis stage cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	Organization string `yaml:"organization" mapstructure:"organization"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// StageConfig configures one pipeline stage.
type StageConfig struct {
	Provider      string  `yaml:"provider" mapstructure:"provider"`
	Model         string  `yaml:"model" mapstructure:"model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64 `yaml:"temperature" mapstructure:"temperature"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// Timeout returns the per-attempt timeout.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// StagesConfig holds per-stage settings keyed by stage name.
type StagesConfig struct {
	Extraction      StageConfig `yaml:"extraction" mapstructure:"extraction"`
	GapAnalysis     StageConfig `yaml:"gap_analysis" mapstructure:"gap_analysis"`
	Frameworks      StageConfig `yaml:"frameworks" mapstructure:"frameworks"`
	Competitive     StageConfig `yaml:"competitive" mapstructure:"competitive"`
	RiskPriority    StageConfig `yaml:"risk_priority" mapstructure:"risk_priority"`
	ExecutivePolish StageConfig `yaml:"executive_polish" mapstructure:"executive_polish"`
}

// For returns the settings for a stage.
func (s StagesConfig) For(id model.StageID) StageConfig {
	switch id {
	case model.StageExtraction:
		return s.Extraction
	case model.StageGapAnalysis:
		return s.GapAnalysis
	case model.StageFrameworks:
		return s.Frameworks
	case model.StageCompetitive:
		return s.Competitive
	case model.StageRiskPriority:
		return s.RiskPriority
	case model.StageExecutivePolish:
		return s.ExecutivePolish
	default:
		return StageConfig{}
	}
}

// CacheTTLs returns the per-stage cache TTLs. Stages with no TTL configured
// are omitted so the cache default applies.
func (s StagesConfig) CacheTTLs() map[model.StageID]time.Duration {
	out := make(map[model.StageID]time.Duration, len(model.AllStages))
	for _, id := range model.AllStages {
		if h := s.For(id).CacheTTLHours; h > 0 {
			out[id] = time.Duration(h) * time.Hour
		}
	}
	return out
}

// RetryConfig configures provider call retries.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	TemperatureDecay float64 `yaml:"temperature_decay" mapstructure:"temperature_decay"`
	TemperatureFloor float64 `yaml:"temperature_floor" mapstructure:"temperature_floor"`
}

// BreakerConfig configures the circuit breaker for one service.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ResearchConfig configures gap analysis.
type ResearchConfig struct {
	RequiredFields   []string `yaml:"required_fields" mapstructure:"required_fields"`
	MaxConcurrency   int      `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	QueryTimeoutSecs int      `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
	RatePerSec       float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Recency          string   `yaml:"recency" mapstructure:"recency"` // perplexity search window: day, week, month, year, or empty
}

// MemoryConfig configures institutional memory.
type MemoryConfig struct {
	RetentionDays  int     `yaml:"retention_days" mapstructure:"retention_days"`
	MinAccessCount int     `yaml:"min_access_count" mapstructure:"min_access_count"`
	MinConfidence  float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// CacheConfig selects the stage cache backend.
type CacheConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "memory", "store", "redis", or "none"
	KeyMaxChars int    `yaml:"key_max_chars" mapstructure:"key_max_chars"`
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	MaxRetries     int  `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMinutes int  `yaml:"backoff_minutes" mapstructure:"backoff_minutes"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	CheckIntervalMins    int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	CORSOrigins       []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default model ids.
const (
	DefaultHaikuModel  = "claude-haiku-4-5-20251001"
	DefaultSonnetModel = "claude-sonnet-4-5-20250929"
	DefaultOpusModel   = "claude-opus-4-6"
	DefaultOpenAIModel = "gpt-4o"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STRATEGY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Pricing.Providers) == 0 {
		cfg.Pricing.Providers = cost.DefaultRates().Providers
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "strategy.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_concurrent_runs", 4)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "strategy:stage:")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("pricing.perplexity.per_query", 0.005)

	stage := func(name, provider, mdl string, maxTokens int, temp float64, timeoutSecs, ttlHours int) {
		v.SetDefault("stages."+name+".provider", provider)
		v.SetDefault("stages."+name+".model", mdl)
		v.SetDefault("stages."+name+".max_tokens", maxTokens)
		v.SetDefault("stages."+name+".temperature", temp)
		v.SetDefault("stages."+name+".timeout_secs", timeoutSecs)
		v.SetDefault("stages."+name+".cache_ttl_hours", ttlHours)
	}
	stage("extraction", "anthropic", DefaultHaikuModel, 2048, 0.2, 60, 168)
	stage("gap_analysis", "perplexity", "sonar-pro", 0, 0, 30, 24)
	stage("frameworks", "anthropic", DefaultSonnetModel, 4096, 0.7, 120, 48)
	stage("competitive", "openai", DefaultOpenAIModel, 4096, 0.5, 120, 72)
	stage("risk_priority", "anthropic", DefaultSonnetModel, 3072, 0.4, 120, 48)
	stage("executive_polish", "anthropic", DefaultOpusModel, 4096, 0.6, 180, 336)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.temperature_decay", 0.7)
	v.SetDefault("retry.temperature_floor", 0.1)

	v.SetDefault("breakers.anthropic.failure_threshold", 5)
	v.SetDefault("breakers.anthropic.success_threshold", 1)
	v.SetDefault("breakers.anthropic.reset_timeout_secs", 30)
	v.SetDefault("breakers.openai.failure_threshold", 5)
	v.SetDefault("breakers.openai.success_threshold", 1)
	v.SetDefault("breakers.openai.reset_timeout_secs", 30)
	v.SetDefault("breakers.perplexity.failure_threshold", 3)
	v.SetDefault("breakers.perplexity.success_threshold", 2)
	v.SetDefault("breakers.perplexity.reset_timeout_secs", 60)

	v.SetDefault("research.required_fields", []string{"revenue_range", "employee_count", "headquarters", "business_model", "target_market"})
	v.SetDefault("research.max_concurrency", 4)
	v.SetDefault("research.query_timeout_secs", 30)
	v.SetDefault("research.rate_per_sec", 2.0)
	v.SetDefault("research.recency", "year")

	v.SetDefault("memory.retention_days", 90)
	v.SetDefault("memory.min_access_count", 3)
	v.SetDefault("memory.min_confidence", 0.7)

	v.SetDefault("cache.driver", "store")
	v.SetDefault("cache.key_max_chars", 4000)

	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.max_retries", 3)
	v.SetDefault("dlq.backoff_minutes", 5)

	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.dlq_depth_threshold", 25)
	v.SetDefault("monitoring.check_interval_mins", 15)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
