package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/cost"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/provider"
	"github.com/sells-group/strategy-cli/internal/research"
	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/internal/stagecache"
)

func TestOrchestrator_Run_AcmeScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.AllStages...)

	result, err := h.orchestrator(nil).Run(ctx, acmeRequest())
	require.NoError(t, err)

	md := result.Metadata
	assert.Equal(t, model.AllStages, md.StagesCompleted)
	assert.Empty(t, md.StagesSkipped)
	assert.Equal(t, 1, md.DataGapsFilled)
	assert.Empty(t, md.DataGapsUnfilled)
	assert.Nil(t, result.Failed)
	assert.Len(t, result.Sections, 6)

	gaps := result.Sections["research_findings"].(*model.GapAnalysisPayload)
	assert.Equal(t, []string{"revenue_range"}, gaps.Missing)
	assert.Equal(t, model.GapFilled, gaps.Gaps["revenue_range"])
	assert.Equal(t, "R$1-5M", gaps.Findings["revenue_range"].Value)
	assert.Equal(t, model.ProvenanceResearch, gaps.Findings["revenue_range"].Provenance)
	_, sawHeadquarters := gaps.Gaps["headquarters"]
	assert.False(t, sawHeadquarters, "fields that were never missing stay out of the report")

	assert.Equal(t, "anthropic/"+h.cfg.Stages.Extraction.Model, md.Providers["1_extraction"])
	assert.Equal(t, "perplexity/sonar-pro", md.Providers["2_gap_analysis"])
	assert.Equal(t, "openai/gpt-4o", md.Providers["4_competitive"])

	risks := result.Sections["risk_assessment"].(*model.RiskPayload)
	assert.Equal(t, "Channel cannibalization", risks.Risks[0].Name)
	assert.InDelta(t, 16, risks.Risks[0].Score, 0.001)
	assert.Equal(t, "Pilot click-and-collect", risks.Priorities[0].Initiative)
	assert.Equal(t, 1, risks.Priorities[0].Rank)

	h.anthropic.AssertNumberOfCalls(t, "Complete", 4)
	h.openai.AssertNumberOfCalls(t, "Complete", 1)
	h.researcher.AssertNumberOfCalls(t, "Query", 1)
}

func TestOrchestrator_Run_CostIsSumOfStages(t *testing.T) {
	h := newHarness(t)
	h.expectStages(model.AllStages...)

	result, err := h.orchestrator(nil).Run(context.Background(), acmeRequest())
	require.NoError(t, err)

	var sum float64
	for _, sc := range result.Metadata.PerStage {
		sum += sc.CostUSD
	}
	assert.Len(t, result.Metadata.PerStage, 6)
	assert.InDelta(t, sum, result.Metadata.TotalCostUSD, 1e-12)
	assert.Greater(t, result.Metadata.TotalCostUSD, 0.0)

	// Stage 2 is charged per research query.
	assert.InDelta(t, h.cfg.Pricing.Perplexity.PerQuery, result.Metadata.PerStage[1].CostUSD, 1e-12)
	// Haiku: 400 in, 120 out.
	assert.InDelta(t, 400/1e6*0.80+120/1e6*4.00, result.Metadata.PerStage[0].CostUSD, 1e-12)
}

func TestOrchestrator_Run_PricesRequestedModelAndPromptCache(t *testing.T) {
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageGapAnalysis, model.StageRiskPriority, model.StageExecutivePolish)
	h.anthropic.On("Complete", mock.Anything, forSystem(frameworksSystem)).Return(&provider.Response{
		Text: frameworksJSON, InputTokens: 1200, OutputTokens: 800, CacheReadTokens: 10_000,
	}, nil)
	h.openai.On("Complete", mock.Anything, forSystem(competitiveSystem)).Return(&provider.Response{
		Text: competitiveJSON, Model: "gpt-4o-2024-08-06", InputTokens: 900, OutputTokens: 600,
	}, nil)

	result, err := h.orchestrator(nil).Run(context.Background(), acmeRequest())
	require.NoError(t, err)

	per := result.Metadata.PerStage
	require.Len(t, per, 6)
	assert.Equal(t, "gpt-4o", per[3].Model)
	assert.InDelta(t, 900/1e6*2.50+600/1e6*10.00, per[3].CostUSD, 1e-12)
	assert.Equal(t, "openai/gpt-4o", result.Metadata.Providers["4_competitive"])

	// Cache reads bill at a tenth of the sonnet input rate.
	assert.Equal(t, int64(10_000), per[2].CacheReadTokens)
	assert.InDelta(t, 1200/1e6*3.00+800/1e6*15.00+10_000/1e6*3.00*0.1, per[2].CostUSD, 1e-12)
}

func TestOrchestrator_Run_CacheIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.AllStages...)
	orch := h.orchestrator(nil)

	first, err := orch.Run(ctx, acmeRequest())
	require.NoError(t, err)
	second, err := orch.Run(ctx, acmeRequest())
	require.NoError(t, err)

	// No additional provider or research calls on the second run.
	h.anthropic.AssertNumberOfCalls(t, "Complete", 4)
	h.openai.AssertNumberOfCalls(t, "Complete", 1)
	h.researcher.AssertNumberOfCalls(t, "Query", 1)

	for _, id := range model.AllStages {
		assert.True(t, second.Metadata.CacheHits[id.Key()], "stage %s should hit", id)
		assert.False(t, first.Metadata.CacheHits[id.Key()], "stage %s should miss", id)

		section := model.SectionFor(id)
		a, err := json.Marshal(first.Sections[section])
		require.NoError(t, err)
		b, err := json.Marshal(second.Sections[section])
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b), "stage %s payload", id)
	}
	assert.Zero(t, second.Metadata.TotalCostUSD)
	for _, sc := range second.Metadata.PerStage {
		assert.Zero(t, sc.CostUSD)
		assert.True(t, sc.CacheHit)
	}
}

func TestOrchestrator_Run_NearIdenticalRequestsShareCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.AllStages...)
	orch := h.orchestrator(nil)

	_, err := orch.Run(ctx, acmeRequest())
	require.NoError(t, err)

	req := acmeRequest()
	req.SubmissionID = "sub-acme-2"
	req.Company = "  ACME   Co "
	req.Challenge = "Expand into E-Commerce"
	second, err := orch.Run(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Metadata.CacheHits["1_extraction"])
	h.anthropic.AssertNumberOfCalls(t, "Complete", 4)
}

func TestOrchestrator_Run_EssentialFailureReturnsPartial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageGapAnalysis, model.StageFrameworks)
	h.openai.On("Complete", mock.Anything, forSystem(competitiveSystem)).
		Return(nil, resilience.NewPermanentError(errors.New("invalid request: bad schema"), 400))

	result, err := h.orchestrator(nil).Run(ctx, acmeRequest())
	require.Error(t, err)
	require.NotNil(t, result)

	var sfe *StageFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, model.StageCompetitive, sfe.Stage)

	var cfe *provider.CallFailedError
	require.ErrorAs(t, err, &cfe)
	assert.True(t, cfe.Permanent)
	assert.Equal(t, 1, cfe.Attempts)

	require.NotNil(t, result.Failed)
	assert.Equal(t, model.StageCompetitive, result.Failed.Stage)
	assert.Equal(t, "competitive", result.Failed.Name)
	assert.Equal(t, []model.StageID{model.StageExtraction, model.StageGapAnalysis, model.StageFrameworks}, result.Metadata.StagesCompleted)

	assert.Contains(t, result.Sections, "company_profile")
	assert.Contains(t, result.Sections, "research_findings")
	assert.Contains(t, result.Sections, "strategic_frameworks")
	assert.NotContains(t, result.Sections, "competitive_matrix")
	assert.NotContains(t, result.Sections, "risk_assessment")
	assert.NotContains(t, result.Sections, "executive_summary")

	h.anthropic.AssertNotCalled(t, "Complete", mock.Anything, forSystem(riskSystem))
	h.openai.AssertNumberOfCalls(t, "Complete", 1)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc, "_failed")
	assert.Contains(t, doc, "_metadata")
}

func TestOrchestrator_Run_RetriesExhaustedFailsStage(t *testing.T) {
	h := newHarness(t)
	h.anthropic.On("Complete", mock.Anything, forSystem(extractionSystem)).Return(reply("not json at all", 50, 10), nil)

	result, err := h.orchestrator(nil).Run(context.Background(), acmeRequest())
	require.Error(t, err)

	var cfe *provider.CallFailedError
	require.ErrorAs(t, err, &cfe)
	assert.False(t, cfe.Permanent)
	assert.Equal(t, 2, cfe.Attempts)
	h.anthropic.AssertNumberOfCalls(t, "Complete", 2)

	assert.Empty(t, result.Metadata.StagesCompleted)
	assert.Empty(t, result.Sections)
	assert.Equal(t, model.StageExtraction, result.Failed.Stage)
}

func TestOrchestrator_Run_EssentialCircuitOpenAborts(t *testing.T) {
	h := newHarness(t)
	br := h.breakers.Get(provider.Anthropic)
	for range 5 {
		_ = br.Execute(context.Background(), func(context.Context) error {
			return resilience.NewTransientError(errors.New("503"), 503)
		})
	}
	require.Equal(t, resilience.CircuitOpen, br.State())

	result, err := h.orchestrator(nil).Run(context.Background(), acmeRequest())
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))

	var sfe *StageFailedError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, model.StageExtraction, sfe.Stage)
	assert.Equal(t, model.StageExtraction, result.Failed.Stage)
	h.anthropic.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestOrchestrator_Run_GapStageFailureSkips(t *testing.T) {
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageFrameworks, model.StageCompetitive, model.StageRiskPriority, model.StageExecutivePolish)

	analyzer := &mockAnalyzer{}
	analyzer.On("Analyze", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &resilience.CircuitOpenError{Service: research.ServicePerplexity, State: resilience.CircuitOpen})

	stages := DefaultStages(h.cfg, h.caller(), analyzer, h.memory)
	result, err := New(h.cfg, stages, h.cache, nil, nil).Run(context.Background(), acmeRequest())
	require.NoError(t, err)

	assert.Equal(t, []model.StageID{model.StageGapAnalysis}, result.Metadata.StagesSkipped)
	assert.Equal(t, []model.StageID{
		model.StageExtraction, model.StageFrameworks, model.StageCompetitive,
		model.StageRiskPriority, model.StageExecutivePolish,
	}, result.Metadata.StagesCompleted)
	assert.NotContains(t, result.Sections, "research_findings")
	assert.Zero(t, result.Metadata.DataGapsFilled)
	assert.Nil(t, result.Failed)
}

func TestOrchestrator_Run_ResearchFailureMarksGap(t *testing.T) {
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageFrameworks, model.StageCompetitive, model.StageRiskPriority, model.StageExecutivePolish)
	h.researcher.On("Query", mock.Anything, mock.Anything).Return(nil, resilience.NewTransientError(errors.New("upstream 502"), 502))

	result, err := h.orchestrator(nil).Run(context.Background(), acmeRequest())
	require.NoError(t, err)

	assert.Equal(t, model.AllStages, result.Metadata.StagesCompleted)
	assert.Zero(t, result.Metadata.DataGapsFilled)
	assert.Equal(t, []string{"revenue_range"}, result.Metadata.DataGapsUnfilled)

	gaps := result.Sections["research_findings"].(*model.GapAnalysisPayload)
	assert.Equal(t, model.GapResearchFailed, gaps.Gaps["revenue_range"])
	assert.NotContains(t, gaps.Findings, "revenue_range")
}

func TestOrchestrator_Run_EnrichmentFillsGapWithoutResearch(t *testing.T) {
	h := newHarness(t)
	h.expectStages(model.StageExtraction, model.StageFrameworks, model.StageCompetitive, model.StageRiskPriority, model.StageExecutivePolish)

	req := acmeRequest()
	req.Enrichment = map[string]any{"revenue_range": "R$5-10M"}
	result, err := h.orchestrator(nil).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Metadata.DataGapsFilled)
	gaps := result.Sections["research_findings"].(*model.GapAnalysisPayload)
	assert.Equal(t, model.ProvenanceEnrichment, gaps.Findings["revenue_range"].Provenance)
	assert.Equal(t, SourceLocal, result.Metadata.Providers["2_gap_analysis"])
	h.researcher.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestOrchestrator_Run_CancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stages := fakeStages()
	stages[0].onRun = cancel

	result, err := New(testConfig(), asStages(stages), nil, nil, nil).Run(ctx, acmeRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Stage 1 was in flight when cancelled and still completes.
	assert.Equal(t, []model.StageID{model.StageExtraction}, result.Metadata.StagesCompleted)
	assert.Contains(t, result.Sections, "company_profile")
	require.NotNil(t, result.Failed)
	assert.Equal(t, model.StageGapAnalysis, result.Failed.Stage)
	for _, s := range stages[1:] {
		assert.Zero(t, s.calls, "stage %s ran after cancellation", s.id)
	}
}

func TestOrchestrator_Run_DuplicateSectionIsInvariant(t *testing.T) {
	stages := fakeStages()
	// Stage 3 claims to be stage 1.
	stages[2].payload = &model.ExtractionPayload{Name: "Acme Co"}

	result, err := New(testConfig(), asStages(stages), nil, nil, nil).Run(context.Background(), acmeRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, model.StageFrameworks, result.Failed.Stage)
	assert.Zero(t, stages[3].calls)
}

func TestOrchestrator_Run_NonEssentialInvariantStillAborts(t *testing.T) {
	stages := fakeStages()
	stages[1].payload = nil

	result, err := New(testConfig(), asStages(stages), nil, nil, nil).Run(context.Background(), acmeRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, model.StageGapAnalysis, result.Failed.Stage)
	assert.Empty(t, result.Metadata.StagesSkipped)
}

func TestOrchestrator_Run_InvalidRequest(t *testing.T) {
	result, err := New(testConfig(), asStages(fakeStages()), nil, nil, nil).Run(context.Background(), model.PipelineRequest{Company: "Acme Co"})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "pipeline: invalid request")
}

func TestOrchestrator_Run_UncachedWithoutBackend(t *testing.T) {
	stages := fakeStages()
	orch := New(testConfig(), asStages(stages), stagecache.New(nil, nil), nil, nil)

	for range 2 {
		_, err := orch.Run(context.Background(), acmeRequest())
		require.NoError(t, err)
	}
	for _, s := range stages {
		assert.Equal(t, 2, s.calls)
	}
}

type recordingObserver struct {
	stages []model.StageID
	total  float64
}

func (r *recordingObserver) ObserveStage(e cost.Entry, costUSD float64) {
	r.stages = append(r.stages, e.Stage)
	r.total += costUSD
}

func TestOrchestrator_Run_ObserverSeesEveryStage(t *testing.T) {
	obs := &recordingObserver{}
	result, err := New(testConfig(), asStages(fakeStages()), nil, obs, nil).Run(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, model.AllStages, obs.stages)
	assert.InDelta(t, result.Metadata.TotalCostUSD, obs.total, 1e-12)
}
