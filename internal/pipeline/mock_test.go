package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/cost"
	"github.com/sells-group/strategy-cli/internal/memory"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/provider"
	"github.com/sells-group/strategy-cli/internal/research"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/stagecache"
	"github.com/sells-group/strategy-cli/internal/store"
)

// --- LLM Mock ---

type mockLLM struct {
	mock.Mock
	name string
}

func (m *mockLLM) Name() string { return m.name }

func (m *mockLLM) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Response), args.Error(1)
}

// forSystem matches the request issued by the stage with the given system prompt.
func forSystem(system string) any {
	return mock.MatchedBy(func(r provider.Request) bool { return r.System == system })
}

func reply(text string, in, out int64) *provider.Response {
	return &provider.Response{Text: text, InputTokens: in, OutputTokens: out}
}

// --- Researcher Mock ---

type mockResearcher struct {
	mock.Mock
}

func (m *mockResearcher) Query(ctx context.Context, query string) (*research.Finding, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*research.Finding), args.Error(1)
}

func queryAbout(label string) any {
	return mock.MatchedBy(func(q string) bool { return strings.Contains(q, label) })
}

// --- Gap Analyzer Mock ---

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) RequiredFields() []string { return research.DefaultRequiredFields }

func (m *mockAnalyzer) Analyze(ctx context.Context, req model.PipelineRequest, profile *model.ExtractionPayload) (*research.GapReport, error) {
	args := m.Called(ctx, req, profile)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*research.GapReport), args.Error(1)
}

// --- Canned stage outputs ---

const (
	extractionJSON = "```json\n" + `{"name": "Acme Co", "industry": "Retail", "employee_count": "120",
"headquarters": "Austin", "business_model": "Brick-and-mortar retail", "target_market": "Urban households"}` + "\n```"

	frameworksJSON = `{"swot": {"strengths": ["Loyal customer base"], "weaknesses": ["No online channel"],
"opportunities": ["E-commerce growth"], "threats": ["Marketplace competitors"]},
"pestel": {"technological": ["Mobile commerce adoption"]},
"okrs": [{"objective": "Launch online store", "key_results": ["20% of revenue online in 18 months"]}]}`

	competitiveJSON = `{"competitors": [{"name": "ShopMart", "positioning": "Low price", "threat_level": "high"},
{"name": "Corner Goods", "positioning": "Local convenience", "threat_level": "medium"}],
"differentiators": ["Curated local products"]}`

	riskJSON = `Here is the assessment: {"risks": [
{"name": "Fulfillment cost overrun", "category": "operational", "likelihood": 2, "impact": 3},
{"name": "Channel cannibalization", "category": "strategic", "likelihood": 4, "impact": 4}],
"priorities": [{"initiative": "Pilot click-and-collect", "impact": 8, "effort": 2},
{"initiative": "Full marketplace launch", "impact": 9, "effort": 9}]}`

	executiveJSON = `{"headline": "Acme Co can own local e-commerce",
"summary": "Acme Co should extend its loyal store base online with a staged launch.",
"key_recommendations": ["Pilot click-and-collect", "Build an online catalog"],
"next_steps": ["Select an e-commerce platform"]}`
)

func testConfig() *config.Config {
	return &config.Config{
		Pricing: cost.DefaultRates(),
		Stages: config.StagesConfig{
			Extraction:      config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultHaikuModel, MaxTokens: 2048, Temperature: 0.2, TimeoutSecs: 5},
			GapAnalysis:     config.StageConfig{Provider: research.ServicePerplexity, Model: "sonar-pro"},
			Frameworks:      config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultSonnetModel, MaxTokens: 4096, Temperature: 0.7, TimeoutSecs: 5},
			Competitive:     config.StageConfig{Provider: provider.OpenAI, Model: config.DefaultOpenAIModel, MaxTokens: 4096, Temperature: 0.5, TimeoutSecs: 5},
			RiskPriority:    config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultSonnetModel, MaxTokens: 3072, Temperature: 0.4, TimeoutSecs: 5},
			ExecutivePolish: config.StageConfig{Provider: provider.Anthropic, Model: config.DefaultOpusModel, MaxTokens: 4096, Temperature: 0.6, TimeoutSecs: 5},
		},
		Memory: config.MemoryConfig{MinConfidence: 0.7},
		Cache:  config.CacheConfig{KeyMaxChars: stagecache.DefaultKeyMaxChars},
		DLQ:    config.DLQConfig{Enabled: true, MaxRetries: 3, BackoffMinutes: 5},
	}
}

func acmeRequest() model.PipelineRequest {
	return model.PipelineRequest{
		SubmissionID: "sub-acme",
		Company:      "Acme Co",
		Industry:     "Retail",
		Challenge:    "Expand into e-commerce",
	}
}

// harness wires real stages, cache, memory and store to mocked providers.
type harness struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	memory     *memory.Store
	cache      *stagecache.Cache
	breakers   *resilience.Registry
	anthropic  *mockLLM
	openai     *mockLLM
	researcher *mockResearcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return &harness{
		cfg:        testConfig(),
		store:      st,
		memory:     memory.New(st),
		cache:      stagecache.New(stagecache.NewMemoryBackend(), nil),
		breakers:   resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig(), nil),
		anthropic:  &mockLLM{name: provider.Anthropic},
		openai:     &mockLLM{name: provider.OpenAI},
		researcher: &mockResearcher{},
	}
}

func (h *harness) caller() *provider.Caller {
	retry := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}
	return provider.NewCaller([]provider.LLM{h.anthropic, h.openai}, h.breakers, retry)
}

func (h *harness) analyzer() *research.Analyzer {
	return research.NewAnalyzer(h.researcher, h.memory, research.Config{
		MinConfidence: h.cfg.Memory.MinConfidence,
		QueryTimeout:  time.Second,
	})
}

func (h *harness) orchestrator(tracker Tracker) *Orchestrator {
	stages := DefaultStages(h.cfg, h.caller(), h.analyzer(), h.memory)
	return New(h.cfg, stages, h.cache, nil, tracker)
}

// expectStages registers canned replies for the given stages.
func (h *harness) expectStages(stages ...model.StageID) {
	for _, id := range stages {
		switch id {
		case model.StageExtraction:
			h.anthropic.On("Complete", mock.Anything, forSystem(extractionSystem)).Return(reply(extractionJSON, 400, 120), nil)
		case model.StageGapAnalysis:
			h.researcher.On("Query", mock.Anything, queryAbout("revenue range")).
				Return(&research.Finding{Text: "R$1-5M", Source: "https://example.com/acme"}, nil)
		case model.StageFrameworks:
			h.anthropic.On("Complete", mock.Anything, forSystem(frameworksSystem)).Return(reply(frameworksJSON, 1200, 800), nil)
		case model.StageCompetitive:
			h.openai.On("Complete", mock.Anything, forSystem(competitiveSystem)).Return(reply(competitiveJSON, 900, 600), nil)
		case model.StageRiskPriority:
			h.anthropic.On("Complete", mock.Anything, forSystem(riskSystem)).Return(reply(riskJSON, 1500, 700), nil)
		case model.StageExecutivePolish:
			h.anthropic.On("Complete", mock.Anything, forSystem(executiveSystem)).Return(reply(executiveJSON, 2500, 900), nil)
		}
	}
}

// --- Fake stage for orchestration tests ---

type fakeStage struct {
	id      model.StageID
	payload model.Payload
	err     error
	calls   int
	onRun   func()
}

func (f *fakeStage) ID() model.StageID { return f.id }

func (f *fakeStage) Input(s *State) any {
	return map[string]any{"company": s.Request.Company, "stage": int(f.id)}
}

func (f *fakeStage) Execute(_ context.Context, _ *State) (*Output, error) {
	f.calls++
	if f.onRun != nil {
		f.onRun()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Output{Payload: f.payload, Provider: "fake", Model: "fake-1", InputTokens: 10, OutputTokens: 5}, nil
}

func fakeStages() []*fakeStage {
	return []*fakeStage{
		{id: model.StageExtraction, payload: &model.ExtractionPayload{Name: "Acme Co", Industry: "Retail"}},
		{id: model.StageGapAnalysis, payload: &model.GapAnalysisPayload{Findings: map[string]model.ResearchFinding{}, Gaps: map[string]model.GapStatus{}}},
		{id: model.StageFrameworks, payload: &model.FrameworksPayload{SWOT: model.SWOT{Strengths: []string{"brand"}}}},
		{id: model.StageCompetitive, payload: &model.CompetitivePayload{Competitors: []model.Competitor{{Name: "ShopMart"}}}},
		{id: model.StageRiskPriority, payload: &model.RiskPayload{Risks: []model.Risk{{Name: "churn", Likelihood: 2, Impact: 2}}}},
		{id: model.StageExecutivePolish, payload: &model.ExecutivePayload{Summary: "Go online.", KeyRecommendations: []string{"Pilot"}}},
	}
}

func asStages(fs []*fakeStage) []Stage {
	out := make([]Stage, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}
