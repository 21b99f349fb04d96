// Package research fills gaps in the stage 1 company profile from
// pre-supplied enrichment, institutional memory, and external research.
package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxConcurrency     = 4
	DefaultQueryTimeout       = 30 * time.Second
	DefaultResearchConfidence = 0.6
)

// DefaultRequiredFields are the profile fields later stages rely on.
var DefaultRequiredFields = []string{"revenue_range", "employee_count", "headquarters", "business_model", "target_market"}

// Config tunes gap analysis.
type Config struct {
	RequiredFields []string
	MaxConcurrency int
	QueryTimeout   time.Duration
	// MinConfidence gates institutional memory reuse.
	MinConfidence float64
}

// MemoryLookup is the read side of the institutional memory store.
type MemoryLookup interface {
	LookupInto(ctx context.Context, entityType, entityID string, minConfidence float64, v any) (*model.MemoryEntry, bool, error)
}

// GapReport is the stage 2 payload plus the number of research queries
// issued, which the ledger charges for.
type GapReport struct {
	Payload *model.GapAnalysisPayload
	Queries int
}

// Analyzer detects missing profile fields and resolves them.
type Analyzer struct {
	researcher Researcher
	memory     MemoryLookup
	cfg        Config
}

// NewAnalyzer creates an Analyzer. researcher and memory may be nil.
func NewAnalyzer(researcher Researcher, memory MemoryLookup, cfg Config) *Analyzer {
	if len(cfg.RequiredFields) == 0 {
		cfg.RequiredFields = DefaultRequiredFields
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	return &Analyzer{researcher: researcher, memory: memory, cfg: cfg}
}

// RequiredFields returns the configured must-have fields.
func (a *Analyzer) RequiredFields() []string { return a.cfg.RequiredFields }

type resolution struct {
	field   string
	status  model.GapStatus
	finding *model.ResearchFinding
}

// Analyze resolves every required field the profile lacks. Individual
// lookup or research failures mark the gap and never fail the analysis.
func (a *Analyzer) Analyze(ctx context.Context, req model.PipelineRequest, profile *model.ExtractionPayload) (*GapReport, error) {
	if profile == nil {
		return nil, eris.New("research: profile is required")
	}

	missing := profile.MissingFields(a.cfg.RequiredFields)
	payload := &model.GapAnalysisPayload{
		Missing:  missing,
		Findings: make(map[string]model.ResearchFinding),
		Gaps:     make(map[string]model.GapStatus),
	}
	if missing == nil {
		payload.Missing = []string{}
	}
	if len(missing) == 0 {
		return &GapReport{Payload: payload}, nil
	}

	var pending []string
	var resolved []resolution
	remembered := a.rememberedProfile(ctx, profile.Name)

	for _, field := range missing {
		if v, ok := req.EnrichmentValue(field); ok {
			resolved = append(resolved, filled(field, fmt.Sprint(v), model.ProvenanceEnrichment, "request", "", 1))
			continue
		}
		if remembered != nil {
			if v, ok := remembered.profile.Field(field); ok {
				resolved = append(resolved, filled(field, fmt.Sprint(v), model.ProvenanceInstitutionalMemory,
					remembered.entry.Source, "", remembered.entry.Confidence))
				continue
			}
		}
		pending = append(pending, field)
	}

	var queries atomic.Int64
	if len(pending) > 0 {
		resolved = append(resolved, a.research(ctx, profile, pending, &queries)...)
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].field < resolved[j].field })
	for _, r := range resolved {
		payload.Gaps[r.field] = r.status
		if r.status == model.GapFilled {
			payload.Findings[r.field] = *r.finding
			payload.GapsFilled++
		}
	}

	zap.L().Info("research: gap analysis complete",
		zap.String("company", profile.Name),
		zap.Strings("missing", missing),
		zap.Int("filled", payload.GapsFilled),
		zap.Int64("queries", queries.Load()),
	)
	return &GapReport{Payload: payload, Queries: int(queries.Load())}, nil
}

type rememberedEntry struct {
	entry   *model.MemoryEntry
	profile *model.ExtractionPayload
}

func (a *Analyzer) rememberedProfile(ctx context.Context, company string) *rememberedEntry {
	if a.memory == nil || strings.TrimSpace(company) == "" {
		return nil
	}
	var p model.ExtractionPayload
	entry, ok, err := a.memory.LookupInto(ctx, model.EntityCompany, company, a.cfg.MinConfidence, &p)
	if err != nil {
		zap.L().Warn("research: memory lookup failed", zap.String("company", company), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &rememberedEntry{entry: entry, profile: &p}
}

// research fans out one query per field with bounded concurrency. Every
// query runs to completion or timeout; results merge by field name.
func (a *Analyzer) research(ctx context.Context, profile *model.ExtractionPayload, fields []string, queries *atomic.Int64) []resolution {
	out := make([]resolution, len(fields))
	if a.researcher == nil {
		for i, f := range fields {
			out[i] = resolution{field: f, status: model.GapResearchFailed}
		}
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)

	for i, field := range fields {
		g.Go(func() error {
			q := BuildQuery(profile, field)
			qctx, cancel := context.WithTimeout(gctx, a.cfg.QueryTimeout)
			defer cancel()

			queries.Add(1)
			finding, err := a.researcher.Query(qctx, q)
			r := classify(field, q, finding, err)
			if err != nil {
				zap.L().Warn("research: query failed",
					zap.String("field", field),
					zap.String("status", string(r.status)),
					zap.Error(err),
				)
			}

			out[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func classify(field, query string, finding *Finding, err error) resolution {
	switch {
	case resilience.IsCircuitOpen(err):
		return resolution{field: field, status: model.GapCircuitOpen}
	case err != nil:
		return resolution{field: field, status: model.GapResearchFailed}
	case finding == nil || model.IsEmptyValue(finding.Text):
		return resolution{field: field, status: model.GapNoFindings}
	}
	return filled(field, finding.Text, model.ProvenanceResearch, finding.Source, query, DefaultResearchConfidence)
}

func filled(field, value, provenance, source, query string, confidence float64) resolution {
	return resolution{
		field:  field,
		status: model.GapFilled,
		finding: &model.ResearchFinding{
			Field:      field,
			Value:      value,
			Provenance: provenance,
			Source:     source,
			Query:      query,
			Confidence: confidence,
		},
	}
}

// BuildQuery phrases the research question for one missing field.
func BuildQuery(profile *model.ExtractionPayload, field string) string {
	label := strings.ReplaceAll(field, "_", " ")
	q := fmt.Sprintf("What is the %s of %s", label, profile.Name)
	if profile.Industry != "" {
		q += fmt.Sprintf(", a company in the %s industry", profile.Industry)
	}
	if profile.Headquarters != "" && field != "headquarters" {
		q += fmt.Sprintf(" headquartered in %s", profile.Headquarters)
	}
	return q + "?"
}

// Enrich returns a copy of profile with filled gaps applied to their fields.
// Unknown fields land in Extra.
func Enrich(profile *model.ExtractionPayload, gaps *model.GapAnalysisPayload) *model.ExtractionPayload {
	if profile == nil {
		return nil
	}
	out := *profile
	if gaps == nil || len(gaps.Findings) == 0 {
		return &out
	}
	out.Extra = make(map[string]any, len(profile.Extra)+len(gaps.Findings))
	for k, v := range profile.Extra {
		out.Extra[k] = v
	}

	fields := make([]string, 0, len(gaps.Findings))
	for f := range gaps.Findings {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		v := gaps.Findings[f].Value
		switch f {
		case "revenue_range":
			out.RevenueRange = v
		case "employee_count":
			out.EmployeeCount = v
		case "headquarters":
			out.Headquarters = v
		case "business_model":
			out.BusinessModel = v
		case "target_market":
			out.TargetMarket = v
		case "industry":
			out.Industry = v
		default:
			out.Extra[f] = v
		}
	}
	return &out
}
