package model

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Payload is the structured output of a single stage. Each stage has exactly
// one concrete payload type; DecodePayload enforces the mapping.
type Payload interface {
	Stage() StageID
	// Section is the top-level key the payload occupies in the final result.
	Section() string
	Validate() error
}

// DecodePayload parses raw JSON into the payload type for stage and validates it.
func DecodePayload(stage StageID, raw []byte) (Payload, error) {
	var p Payload
	switch stage {
	case StageExtraction:
		p = &ExtractionPayload{}
	case StageGapAnalysis:
		p = &GapAnalysisPayload{}
	case StageFrameworks:
		p = &FrameworksPayload{}
	case StageCompetitive:
		p = &CompetitivePayload{}
	case StageRiskPriority:
		p = &RiskPayload{}
	case StageExecutivePolish:
		p = &ExecutivePayload{}
	default:
		return nil, eris.Errorf("model: unknown stage %d", int(stage))
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, eris.Wrapf(err, "model: decode %s payload", stage)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// --- Stage 1 ---

// ExtractionPayload is the company profile extracted from the request.
type ExtractionPayload struct {
	Name          string         `json:"name"`
	Industry      string         `json:"industry"`
	RevenueRange  string         `json:"revenue_range,omitempty"`
	EmployeeCount string         `json:"employee_count,omitempty"`
	Headquarters  string         `json:"headquarters,omitempty"`
	BusinessModel string         `json:"business_model,omitempty"`
	TargetMarket  string         `json:"target_market,omitempty"`
	Products      []string       `json:"products,omitempty"`
	Challenges    []string       `json:"challenges,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

func (p *ExtractionPayload) Stage() StageID  { return StageExtraction }
func (p *ExtractionPayload) Section() string { return "company_profile" }

func (p *ExtractionPayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return eris.New("model: extraction payload missing name")
	}
	return nil
}

// Field returns the value of a named profile field. Unknown names fall back
// to Extra. The second return is false when the field is absent or empty.
func (p *ExtractionPayload) Field(name string) (any, bool) {
	var v any
	switch name {
	case "name":
		v = p.Name
	case "industry":
		v = p.Industry
	case "revenue_range":
		v = p.RevenueRange
	case "employee_count":
		v = p.EmployeeCount
	case "headquarters":
		v = p.Headquarters
	case "business_model":
		v = p.BusinessModel
	case "target_market":
		v = p.TargetMarket
	case "products":
		v = p.Products
	case "challenges":
		v = p.Challenges
	default:
		v = p.Extra[name]
	}
	if IsEmptyValue(v) {
		return nil, false
	}
	return v, true
}

// MissingFields returns the subset of required that the profile lacks, sorted.
func (p *ExtractionPayload) MissingFields(required []string) []string {
	var missing []string
	seen := make(map[string]bool, len(required))
	for _, f := range required {
		if seen[f] {
			continue
		}
		seen[f] = true
		if _, ok := p.Field(f); !ok {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

// --- Stage 2 ---

// Provenance values for filled gaps.
const (
	ProvenanceResearch            = "research"
	ProvenanceInstitutionalMemory = "institutional_memory"
	ProvenanceEnrichment          = "enrichment"
)

// GapStatus describes what happened to a field identified as missing.
type GapStatus string

const (
	GapFilled         GapStatus = "filled"
	GapResearchFailed GapStatus = "research_failed"
	GapCircuitOpen    GapStatus = "circuit_open"
	GapNoFindings     GapStatus = "no_findings"
)

// ResearchFinding is one filled gap, tagged with the field it fills.
type ResearchFinding struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	Provenance string  `json:"provenance"`
	Source     string  `json:"source,omitempty"`
	Query      string  `json:"query,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// GapAnalysisPayload records which required fields were missing after stage 1
// and how each was resolved. Fields that were never missing do not appear in
// Gaps at all, so "not identified" and "identified but unfilled" stay distinct.
type GapAnalysisPayload struct {
	Missing    []string                   `json:"missing_fields"`
	Findings   map[string]ResearchFinding `json:"findings"`
	Gaps       map[string]GapStatus       `json:"gaps"`
	GapsFilled int                        `json:"gaps_filled"`
}

func (p *GapAnalysisPayload) Stage() StageID  { return StageGapAnalysis }
func (p *GapAnalysisPayload) Section() string { return "research_findings" }

func (p *GapAnalysisPayload) Validate() error {
	filled := 0
	for _, f := range p.Missing {
		status, ok := p.Gaps[f]
		if !ok {
			return eris.Errorf("model: gap analysis has no status for missing field %q", f)
		}
		if status == GapFilled {
			if _, ok := p.Findings[f]; !ok {
				return eris.Errorf("model: gap %q marked filled without a finding", f)
			}
			filled++
		}
	}
	if filled != p.GapsFilled {
		return eris.Errorf("model: gaps_filled %d does not match %d filled gaps", p.GapsFilled, filled)
	}
	return nil
}

// Unfilled returns the missing fields that were not filled, sorted.
func (p *GapAnalysisPayload) Unfilled() []string {
	var out []string
	for _, f := range p.Missing {
		if p.Gaps[f] != GapFilled {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// --- Stage 3 ---

// SWOT holds the four SWOT quadrants.
type SWOT struct {
	Strengths     []string `json:"strengths"`
	Weaknesses    []string `json:"weaknesses"`
	Opportunities []string `json:"opportunities"`
	Threats       []string `json:"threats"`
}

func (s SWOT) empty() bool {
	return len(s.Strengths)+len(s.Weaknesses)+len(s.Opportunities)+len(s.Threats) == 0
}

// OKR is one objective with its key results.
type OKR struct {
	Objective  string   `json:"objective"`
	KeyResults []string `json:"key_results"`
}

// FrameworksPayload holds the core strategic frameworks.
type FrameworksPayload struct {
	SWOT   SWOT                `json:"swot"`
	PESTEL map[string][]string `json:"pestel,omitempty"`
	OKRs   []OKR               `json:"okrs,omitempty"`
}

func (p *FrameworksPayload) Stage() StageID  { return StageFrameworks }
func (p *FrameworksPayload) Section() string { return "strategic_frameworks" }

func (p *FrameworksPayload) Validate() error {
	if p.SWOT.empty() && len(p.OKRs) == 0 {
		return eris.New("model: frameworks payload has neither swot nor okrs")
	}
	for i, o := range p.OKRs {
		if strings.TrimSpace(o.Objective) == "" {
			return eris.Errorf("model: okr %d has no objective", i)
		}
	}
	return nil
}

// --- Stage 4 ---

// Competitor is one row of the competitive matrix.
type Competitor struct {
	Name        string   `json:"name"`
	Positioning string   `json:"positioning,omitempty"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
	ThreatLevel string   `json:"threat_level,omitempty"`
}

// CompetitivePayload is the competitive matrix.
type CompetitivePayload struct {
	Competitors     []Competitor `json:"competitors"`
	Differentiators []string     `json:"differentiators,omitempty"`
}

func (p *CompetitivePayload) Stage() StageID  { return StageCompetitive }
func (p *CompetitivePayload) Section() string { return "competitive_matrix" }

func (p *CompetitivePayload) Validate() error {
	if len(p.Competitors) == 0 {
		return eris.New("model: competitive payload has no competitors")
	}
	for i, c := range p.Competitors {
		if strings.TrimSpace(c.Name) == "" {
			return eris.Errorf("model: competitor %d has no name", i)
		}
	}
	return nil
}

// --- Stage 5 ---

// Risk is a scored risk. Likelihood and Impact are on a 1-5 scale.
type Risk struct {
	Name       string  `json:"name"`
	Category   string  `json:"category,omitempty"`
	Likelihood float64 `json:"likelihood"`
	Impact     float64 `json:"impact"`
	Score      float64 `json:"score"`
	Mitigation string  `json:"mitigation,omitempty"`
}

// Priority is a ranked strategic initiative.
type Priority struct {
	Initiative string  `json:"initiative"`
	Impact     float64 `json:"impact"`
	Effort     float64 `json:"effort"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}

// RiskPayload holds risk scoring and initiative prioritization.
type RiskPayload struct {
	Risks      []Risk     `json:"risks"`
	Priorities []Priority `json:"priorities,omitempty"`
}

func (p *RiskPayload) Stage() StageID  { return StageRiskPriority }
func (p *RiskPayload) Section() string { return "risk_assessment" }

func (p *RiskPayload) Validate() error {
	if len(p.Risks) == 0 {
		return eris.New("model: risk payload has no risks")
	}
	for _, r := range p.Risks {
		if strings.TrimSpace(r.Name) == "" {
			return eris.New("model: risk without a name")
		}
		if r.Likelihood < 1 || r.Likelihood > 5 || r.Impact < 1 || r.Impact > 5 {
			return eris.Errorf("model: risk %q likelihood/impact outside 1-5", r.Name)
		}
	}
	return nil
}

// --- Stage 6 ---

// ExecutivePayload is the polished executive layer of the report.
type ExecutivePayload struct {
	Headline           string   `json:"headline,omitempty"`
	Summary            string   `json:"summary"`
	KeyRecommendations []string `json:"key_recommendations"`
	NextSteps          []string `json:"next_steps,omitempty"`
}

func (p *ExecutivePayload) Stage() StageID  { return StageExecutivePolish }
func (p *ExecutivePayload) Section() string { return "executive_summary" }

func (p *ExecutivePayload) Validate() error {
	if strings.TrimSpace(p.Summary) == "" {
		return eris.New("model: executive payload missing summary")
	}
	if len(p.KeyRecommendations) == 0 {
		return eris.New("model: executive payload has no recommendations")
	}
	return nil
}

// Normalize fills missing risk scores (likelihood x impact), orders risks by
// score, and assigns priority ranks by descending score.
func (p *RiskPayload) Normalize() {
	for i := range p.Risks {
		if p.Risks[i].Score == 0 {
			p.Risks[i].Score = p.Risks[i].Likelihood * p.Risks[i].Impact
		}
	}
	sort.SliceStable(p.Risks, func(i, j int) bool { return p.Risks[i].Score > p.Risks[j].Score })

	for i := range p.Priorities {
		if p.Priorities[i].Score == 0 && p.Priorities[i].Effort > 0 {
			p.Priorities[i].Score = p.Priorities[i].Impact / p.Priorities[i].Effort
		}
	}
	sort.SliceStable(p.Priorities, func(i, j int) bool { return p.Priorities[i].Score > p.Priorities[j].Score })
	for i := range p.Priorities {
		p.Priorities[i].Rank = i + 1
	}
}
