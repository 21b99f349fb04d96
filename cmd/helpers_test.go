package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/cost"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/provider"
	"github.com/sells-group/strategy-cli/internal/research"
	"github.com/sells-group/strategy-cli/internal/store"
)

// useTestConfig installs a sqlite-backed config for the test and restores
// the previous one on cleanup.
func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{
		Store:   config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cmd.db")},
		Pricing: cost.DefaultRates(),
		Stages: config.StagesConfig{
			Extraction:      config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultHaikuModel, MaxTokens: 1024},
			GapAnalysis:     config.StageConfig{Provider: research.ServicePerplexity, Model: "sonar-pro"},
			Frameworks:      config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultSonnetModel, MaxTokens: 1024},
			Competitive:     config.StageConfig{Provider: provider.OpenAI, Model: config.DefaultOpenAIModel, MaxTokens: 1024},
			RiskPriority:    config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultSonnetModel, MaxTokens: 1024},
			ExecutivePolish: config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultOpusModel, MaxTokens: 1024},
		},
		Cache:  config.CacheConfig{Driver: "memory"},
		Memory: config.MemoryConfig{RetentionDays: 90, MinAccessCount: 3, MinConfidence: 0.7},
		DLQ:    config.DLQConfig{Enabled: true, MaxRetries: 3, BackoffMinutes: 5},
	}
	return cfg
}

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func acmeRequest() model.PipelineRequest {
	return model.PipelineRequest{
		SubmissionID: "sub-acme",
		Company:      "Acme Co",
		Industry:     "Retail",
		Challenge:    "Expand into e-commerce",
	}
}

// fakeRunner records requests and returns err for every run.
type fakeRunner struct {
	mu   sync.Mutex
	reqs []model.PipelineRequest
	err  error
	done chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, req model.PipelineRequest) (*model.FinalResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	result := model.NewFinalResult()
	result.Metadata.SubmissionID = req.SubmissionID
	return result, f.err
}

func (f *fakeRunner) calls() []model.PipelineRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PipelineRequest(nil), f.reqs...)
}
