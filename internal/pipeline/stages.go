package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategy-cli/internal/config"
	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/research"
)

// DefaultStages builds the six stages in execution order.
func DefaultStages(cfg *config.Config, caller Caller, analyzer GapAnalyzer, mem Memory) []Stage {
	minConf := cfg.Memory.MinConfidence
	return []Stage{
		&extractionStage{llm: llm{caller, cfg.Stages.Extraction}, mem: mem, minConfidence: minConf},
		&gapStage{analyzer: analyzer, mem: mem, model: cfg.Stages.GapAnalysis.Model},
		&frameworksStage{llm: llm{caller, cfg.Stages.Frameworks}, mem: mem, minConfidence: minConf},
		&competitiveStage{llm: llm{caller, cfg.Stages.Competitive}, mem: mem, minConfidence: minConf},
		&riskStage{llm: llm{caller, cfg.Stages.RiskPriority}},
		&executiveStage{llm: llm{caller, cfg.Stages.ExecutivePolish}},
	}
}

func sourceLabel(o *Output) string {
	if o.Model == "" {
		return o.Provider
	}
	return o.Provider + "/" + o.Model
}

// --- Stage 1: extraction ---

type extractionInput struct {
	Company    string         `json:"company"`
	Industry   string         `json:"industry"`
	Challenge  string         `json:"challenge"`
	Enrichment map[string]any `json:"enrichment,omitempty"`
}

type extractionStage struct {
	llm
	mem           Memory
	minConfidence float64
}

func (st *extractionStage) ID() model.StageID { return model.StageExtraction }

func (st *extractionStage) Input(s *State) any {
	r := s.Request
	return extractionInput{Company: r.Company, Industry: r.Industry, Challenge: r.Challenge, Enrichment: r.Enrichment}
}

func (st *extractionStage) Execute(ctx context.Context, s *State) (*Output, error) {
	req := s.Request

	var remembered model.ExtractionPayload
	if recall(ctx, st.mem, model.EntityCompany, req.Company, st.minConfidence, &remembered) && remembered.Validate() == nil {
		remembered.Challenges = appendUnique(remembered.Challenges, req.Challenge)
		return &Output{Payload: &remembered, Provider: SourceMemory}, nil
	}

	prompt := fmt.Sprintf(extractionPrompt, req.Company, req.Industry, req.Challenge, enrichmentBlock(req.Enrichment))
	out, err := st.complete(ctx, st.ID(), extractionSystem, prompt)
	if err != nil {
		return nil, err
	}

	profile := out.Payload.(*model.ExtractionPayload)
	if profile.Industry == "" {
		profile.Industry = req.Industry
	}
	if len(profile.Challenges) == 0 {
		profile.Challenges = []string{req.Challenge}
	}

	remember(ctx, st.mem, model.EntityCompany, req.Company, withoutChallenges(profile), sourceLabel(out), modelConfidence)
	return out, nil
}

// withoutChallenges strips the submission-specific part of a profile before
// it is shared across submissions.
func withoutChallenges(p *model.ExtractionPayload) *model.ExtractionPayload {
	cp := *p
	cp.Challenges = nil
	return &cp
}

func appendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

// --- Stage 2: gap analysis ---

type gapInput struct {
	Upstream   map[string]string `json:"upstream"`
	Required   []string          `json:"required"`
	Enrichment map[string]any    `json:"enrichment,omitempty"`
}

type gapStage struct {
	analyzer GapAnalyzer
	mem      Memory
	model    string
}

func (st *gapStage) ID() model.StageID { return model.StageGapAnalysis }

func (st *gapStage) Input(s *State) any {
	in := gapInput{Upstream: s.upstream(st.ID()), Enrichment: s.Request.Enrichment}
	if st.analyzer != nil {
		in.Required = st.analyzer.RequiredFields()
	}
	return in
}

func (st *gapStage) Execute(ctx context.Context, s *State) (*Output, error) {
	if st.analyzer == nil {
		return nil, eris.New("pipeline: gap analysis is not configured")
	}
	profile := s.Extraction()
	if profile == nil {
		return nil, eris.New("pipeline: gap analysis requires a stage 1 profile")
	}

	report, err := st.analyzer.Analyze(ctx, s.Request, profile)
	if err != nil {
		return nil, err
	}

	out := &Output{Payload: report.Payload, Provider: SourceLocal, ResearchQueries: report.Queries}
	if report.Queries > 0 {
		out.Provider = research.ServicePerplexity
		out.Model = st.model
	}

	if report.Payload.GapsFilled > 0 {
		enriched := research.Enrich(profile, report.Payload)
		remember(ctx, st.mem, model.EntityCompany, s.Request.Company, withoutChallenges(enriched),
			model.ProvenanceResearch, modelConfidence)
	}
	return out, nil
}

// --- Stage 3: strategic frameworks ---

type frameworksInput struct {
	Challenge string            `json:"challenge"`
	Upstream  map[string]string `json:"upstream"`
}

type frameworksStage struct {
	llm
	mem           Memory
	minConfidence float64
}

func (st *frameworksStage) ID() model.StageID { return model.StageFrameworks }

func (st *frameworksStage) Input(s *State) any {
	return frameworksInput{Challenge: s.Request.Challenge, Upstream: s.upstream(st.ID())}
}

func (st *frameworksStage) Execute(ctx context.Context, s *State) (*Output, error) {
	profile := s.Profile()
	if profile == nil {
		return nil, eris.New("pipeline: frameworks require a stage 1 profile")
	}

	var trends map[string][]string
	recall(ctx, st.mem, model.EntityIndustryTrends, profile.Industry, st.minConfidence, &trends)

	prompt := fmt.Sprintf(frameworksPrompt, render(profile), s.Request.Challenge, trendsBlock(trends))
	out, err := st.complete(ctx, st.ID(), frameworksSystem, prompt)
	if err != nil {
		return nil, err
	}

	if fw := out.Payload.(*model.FrameworksPayload); len(fw.PESTEL) > 0 {
		remember(ctx, st.mem, model.EntityIndustryTrends, profile.Industry, fw.PESTEL, sourceLabel(out), modelConfidence)
	}
	return out, nil
}

// --- Stage 4: competitive matrix ---

type competitiveInput struct {
	Company  string            `json:"company"`
	Upstream map[string]string `json:"upstream"`
}

type competitiveStage struct {
	llm
	mem           Memory
	minConfidence float64
}

func (st *competitiveStage) ID() model.StageID { return model.StageCompetitive }

func (st *competitiveStage) Input(s *State) any {
	return competitiveInput{Company: s.Request.Company, Upstream: s.upstream(st.ID())}
}

func (st *competitiveStage) Execute(ctx context.Context, s *State) (*Output, error) {
	profile := s.Profile()
	if profile == nil {
		return nil, eris.New("pipeline: competitive analysis requires a stage 1 profile")
	}

	var remembered model.CompetitivePayload
	if recall(ctx, st.mem, model.EntityCompetitorMap, s.Request.Company, st.minConfidence, &remembered) && remembered.Validate() == nil {
		return &Output{Payload: &remembered, Provider: SourceMemory}, nil
	}

	var swot any
	if fw := s.Frameworks(); fw != nil {
		swot = fw.SWOT
	}
	prompt := fmt.Sprintf(competitivePrompt, render(profile), render(swot))
	out, err := st.complete(ctx, st.ID(), competitiveSystem, prompt)
	if err != nil {
		return nil, err
	}

	remember(ctx, st.mem, model.EntityCompetitorMap, s.Request.Company, out.Payload, sourceLabel(out), modelConfidence)
	return out, nil
}

// --- Stage 5: risk scoring and prioritization ---

type upstreamInput struct {
	Upstream map[string]string `json:"upstream"`
}

type riskStage struct {
	llm
}

func (st *riskStage) ID() model.StageID { return model.StageRiskPriority }

func (st *riskStage) Input(s *State) any {
	return upstreamInput{Upstream: s.upstream(st.ID())}
}

func (st *riskStage) Execute(ctx context.Context, s *State) (*Output, error) {
	prompt := fmt.Sprintf(riskPrompt, render(s.Profile()), render(s.Frameworks()), render(s.Competitive()))
	out, err := st.complete(ctx, st.ID(), riskSystem, prompt)
	if err != nil {
		return nil, err
	}
	out.Payload.(*model.RiskPayload).Normalize()
	return out, nil
}

// --- Stage 6: executive polish ---

type executiveStage struct {
	llm
}

func (st *executiveStage) ID() model.StageID { return model.StageExecutivePolish }

func (st *executiveStage) Input(s *State) any {
	return upstreamInput{Upstream: s.upstream(st.ID())}
}

func (st *executiveStage) Execute(ctx context.Context, s *State) (*Output, error) {
	sections := make(map[string]any, 5)
	if p := s.Profile(); p != nil {
		sections[p.Section()] = p
	}
	if g := s.Gaps(); g != nil && len(g.Unfilled()) > 0 {
		sections["unresolved_data_gaps"] = g.Unfilled()
	}
	if fw := s.Frameworks(); fw != nil {
		sections[fw.Section()] = fw
	}
	if c := s.Competitive(); c != nil {
		sections[c.Section()] = c
	}
	if r := s.Risks(); r != nil {
		sections[r.Section()] = r
	}

	prompt := fmt.Sprintf(executivePrompt, s.Request.Company, s.Request.Challenge, render(sections))
	return st.complete(ctx, st.ID(), executiveSystem, prompt)
}
