package research

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
)

type mockResearcher struct {
	mock.Mock
}

func (m *mockResearcher) Query(ctx context.Context, query string) (*Finding, error) {
	args := m.Called(ctx, query)
	f, _ := args.Get(0).(*Finding)
	return f, args.Error(1)
}

type fakeMemory struct {
	entry *model.MemoryEntry
	err   error
}

func (f *fakeMemory) LookupInto(_ context.Context, _, _ string, minConfidence float64, v any) (*model.MemoryEntry, bool, error) {
	if f.err != nil || f.entry == nil {
		return nil, false, f.err
	}
	if f.entry.Confidence < minConfidence {
		return f.entry, false, nil
	}
	return f.entry, true, json.Unmarshal(f.entry.Data, v)
}

func acme() *model.ExtractionPayload {
	return &model.ExtractionPayload{Name: "Acme Co", Industry: "Retail"}
}

func TestAnalyze_FillsAndMarksGaps(t *testing.T) {
	r := &mockResearcher{}
	revenueQ := BuildQuery(acme(), "revenue_range")
	employeesQ := BuildQuery(acme(), "employee_count")
	r.On("Query", mock.Anything, revenueQ).Return(&Finding{Text: "R$1-5M", Source: "https://example.com"}, nil)
	r.On("Query", mock.Anything, employeesQ).Return(&Finding{Text: "unknown", Source: "perplexity"}, nil)

	a := NewAnalyzer(r, nil, Config{RequiredFields: []string{"name", "revenue_range", "employee_count"}})
	report, err := a.Analyze(context.Background(), model.PipelineRequest{Company: "Acme Co"}, acme())
	require.NoError(t, err)

	p := report.Payload
	assert.Equal(t, []string{"employee_count", "revenue_range"}, p.Missing)
	assert.Equal(t, 1, p.GapsFilled)
	assert.Equal(t, model.GapFilled, p.Gaps["revenue_range"])
	assert.Equal(t, model.GapNoFindings, p.Gaps["employee_count"])
	assert.Equal(t, "R$1-5M", p.Findings["revenue_range"].Value)
	assert.Equal(t, model.ProvenanceResearch, p.Findings["revenue_range"].Provenance)
	assert.NotContains(t, p.Gaps, "name")
	assert.Equal(t, 2, report.Queries)
	require.NoError(t, p.Validate())
	r.AssertExpectations(t)
}

func TestAnalyze_QualifiedUnknownIsNotFilled(t *testing.T) {
	r := &mockResearcher{}
	r.On("Query", mock.Anything, BuildQuery(acme(), "revenue_range")).
		Return(&Finding{Text: "Unknown, not publicly disclosed.", Source: "https://example.com"}, nil)

	a := NewAnalyzer(r, nil, Config{RequiredFields: []string{"revenue_range"}})
	report, err := a.Analyze(context.Background(), model.PipelineRequest{Company: "Acme Co"}, acme())
	require.NoError(t, err)

	assert.Zero(t, report.Payload.GapsFilled)
	assert.Equal(t, model.GapNoFindings, report.Payload.Gaps["revenue_range"])
	assert.NotContains(t, report.Payload.Findings, "revenue_range")
}

func TestAnalyze_NoMissingFields(t *testing.T) {
	r := &mockResearcher{}
	a := NewAnalyzer(r, nil, Config{RequiredFields: []string{"name", "industry"}})

	report, err := a.Analyze(context.Background(), model.PipelineRequest{}, acme())
	require.NoError(t, err)
	assert.Empty(t, report.Payload.Missing)
	assert.Empty(t, report.Payload.Gaps)
	assert.Zero(t, report.Queries)
	r.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestAnalyze_FailureStatuses(t *testing.T) {
	r := &mockResearcher{}
	p := acme()
	r.On("Query", mock.Anything, BuildQuery(p, "headquarters")).
		Return(nil, &resilience.CircuitOpenError{Service: ServicePerplexity, State: resilience.CircuitOpen})
	r.On("Query", mock.Anything, BuildQuery(p, "target_market")).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503))

	a := NewAnalyzer(r, nil, Config{RequiredFields: []string{"headquarters", "target_market"}})
	report, err := a.Analyze(context.Background(), model.PipelineRequest{}, p)
	require.NoError(t, err)

	assert.Equal(t, model.GapCircuitOpen, report.Payload.Gaps["headquarters"])
	assert.Equal(t, model.GapResearchFailed, report.Payload.Gaps["target_market"])
	assert.Zero(t, report.Payload.GapsFilled)
	assert.Equal(t, []string{"headquarters", "target_market"}, report.Payload.Unfilled())
}

func TestAnalyze_EnrichmentAndMemoryBeforeResearch(t *testing.T) {
	remembered, err := json.Marshal(model.ExtractionPayload{Name: "Acme Co", Headquarters: "Austin, TX"})
	require.NoError(t, err)
	mem := &fakeMemory{entry: &model.MemoryEntry{
		CacheKey:   "company:acme co",
		Data:       remembered,
		Source:     "pipeline",
		Confidence: 0.9,
	}}

	r := &mockResearcher{}
	a := NewAnalyzer(r, mem, Config{
		RequiredFields: []string{"revenue_range", "headquarters"},
		MinConfidence:  0.5,
	})
	req := model.PipelineRequest{Enrichment: map[string]any{"revenue_range": "$10M-$50M"}}

	report, err := a.Analyze(context.Background(), req, acme())
	require.NoError(t, err)

	p := report.Payload
	assert.Equal(t, 2, p.GapsFilled)
	assert.Equal(t, model.ProvenanceEnrichment, p.Findings["revenue_range"].Provenance)
	assert.Equal(t, model.ProvenanceInstitutionalMemory, p.Findings["headquarters"].Provenance)
	assert.Equal(t, "Austin, TX", p.Findings["headquarters"].Value)
	assert.Zero(t, report.Queries)
	r.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestAnalyze_LowConfidenceMemoryIgnored(t *testing.T) {
	remembered, _ := json.Marshal(model.ExtractionPayload{Name: "Acme Co", Headquarters: "Austin, TX"})
	mem := &fakeMemory{entry: &model.MemoryEntry{Data: remembered, Confidence: 0.2}}

	r := &mockResearcher{}
	r.On("Query", mock.Anything, mock.Anything).Return(&Finding{Text: "Dallas, TX", Source: "s"}, nil)

	a := NewAnalyzer(r, mem, Config{RequiredFields: []string{"headquarters"}, MinConfidence: 0.8})
	report, err := a.Analyze(context.Background(), model.PipelineRequest{}, acme())
	require.NoError(t, err)
	assert.Equal(t, model.ProvenanceResearch, report.Payload.Findings["headquarters"].Provenance)
	assert.Equal(t, 1, report.Queries)
}

type slowResearcher struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (s *slowResearcher) Query(ctx context.Context, query string) (*Finding, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
		return &Finding{Text: "value", Source: "s"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAnalyze_BoundedConcurrency(t *testing.T) {
	s := &slowResearcher{}
	a := NewAnalyzer(s, nil, Config{RequiredFields: DefaultRequiredFields, MaxConcurrency: 2})

	report, err := a.Analyze(context.Background(), model.PipelineRequest{}, acme())
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRequiredFields), report.Payload.GapsFilled)
	assert.LessOrEqual(t, s.peak.Load(), int32(2))
}

func TestAnalyze_QueryTimeoutIsPartial(t *testing.T) {
	s := &slowResearcher{}
	a := NewAnalyzer(s, nil, Config{RequiredFields: []string{"revenue_range"}, QueryTimeout: time.Millisecond})

	report, err := a.Analyze(context.Background(), model.PipelineRequest{}, acme())
	require.NoError(t, err)
	assert.Equal(t, model.GapResearchFailed, report.Payload.Gaps["revenue_range"])
}

func TestAnalyze_NilProfile(t *testing.T) {
	a := NewAnalyzer(nil, nil, Config{})
	_, err := a.Analyze(context.Background(), model.PipelineRequest{}, nil)
	assert.Error(t, err)
}

func TestEnrich(t *testing.T) {
	gaps := &model.GapAnalysisPayload{
		Findings: map[string]model.ResearchFinding{
			"revenue_range": {Field: "revenue_range", Value: "R$1-5M"},
			"founded":       {Field: "founded", Value: "1999"},
		},
	}
	p := acme()
	out := Enrich(p, gaps)
	assert.Equal(t, "R$1-5M", out.RevenueRange)
	assert.Equal(t, "1999", out.Extra["founded"])
	assert.Empty(t, p.RevenueRange)
	assert.Nil(t, p.Extra)
}

func TestBuildQuery(t *testing.T) {
	q := BuildQuery(&model.ExtractionPayload{Name: "Acme Co", Industry: "Retail", Headquarters: "Austin"}, "revenue_range")
	assert.Equal(t, "What is the revenue range of Acme Co, a company in the Retail industry headquartered in Austin?", q)
}
