package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// StageCost is the per-stage ledger line copied into the final metadata.
type StageCost struct {
	Stage            StageID `json:"stage"`
	Name             string  `json:"name"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model,omitempty"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMs       int64   `json:"duration_ms"`
	CacheHit         bool    `json:"cache_hit"`
}

// Metadata is the provenance block attached to every assembled result.
type Metadata struct {
	SubmissionID     string            `json:"submission_id,omitempty"`
	RunID            string            `json:"run_id,omitempty"`
	StagesCompleted  []StageID         `json:"stages_completed"`
	StagesSkipped    []StageID         `json:"stages_skipped,omitempty"`
	Providers        map[string]string `json:"providers"`
	TotalCostUSD     float64           `json:"total_cost_usd"`
	TotalDurationMs  int64             `json:"total_duration_ms"`
	CacheHits        map[string]bool   `json:"cache_hits"`
	DataGapsFilled   int               `json:"data_gaps_filled"`
	DataGapsUnfilled []string          `json:"data_gaps_unfilled,omitempty"`
	PerStage         []StageCost       `json:"per_stage"`
}

// FailureMarker names the stage that aborted a partial run.
type FailureMarker struct {
	Stage StageID `json:"stage"`
	Name  string  `json:"name"`
	Error string  `json:"error"`
}

// FinalResult is the merged report handed to the persistence layer. Sections
// are keyed by Payload.Section(); stages after a failure are absent.
type FinalResult struct {
	Sections map[string]Payload
	Metadata Metadata
	Failed   *FailureMarker
}

// NewFinalResult returns an empty result ready for merging.
func NewFinalResult() *FinalResult {
	return &FinalResult{
		Sections: make(map[string]Payload),
		Metadata: Metadata{
			StagesCompleted: []StageID{},
			Providers:       make(map[string]string),
			CacheHits:       make(map[string]bool),
			PerStage:        []StageCost{},
		},
	}
}

// Partial reports whether the run stopped before completing every stage.
func (r *FinalResult) Partial() bool {
	return r.Failed != nil
}

// MarshalJSON flattens sections alongside the _metadata and _failed blocks.
func (r *FinalResult) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Sections)+2)
	for k, v := range r.Sections {
		doc[k] = v
	}
	doc["_metadata"] = r.Metadata
	if r.Failed != nil {
		doc["_failed"] = r.Failed
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a result previously produced by MarshalJSON.
func (r *FinalResult) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrap(err, "model: unmarshal final result")
	}
	out := NewFinalResult()
	if raw, ok := doc["_metadata"]; ok {
		if err := json.Unmarshal(raw, &out.Metadata); err != nil {
			return eris.Wrap(err, "model: unmarshal metadata")
		}
	}
	if raw, ok := doc["_failed"]; ok {
		out.Failed = &FailureMarker{}
		if err := json.Unmarshal(raw, out.Failed); err != nil {
			return eris.Wrap(err, "model: unmarshal failure marker")
		}
	}
	for _, stage := range AllStages {
		section := SectionFor(stage)
		raw, ok := doc[section]
		if !ok {
			continue
		}
		p, err := DecodePayload(stage, raw)
		if err != nil {
			return err
		}
		out.Sections[section] = p
	}
	*r = *out
	return nil
}

// SectionFor returns the result section that stage writes.
func SectionFor(stage StageID) string {
	switch stage {
	case StageExtraction:
		return (&ExtractionPayload{}).Section()
	case StageGapAnalysis:
		return (&GapAnalysisPayload{}).Section()
	case StageFrameworks:
		return (&FrameworksPayload{}).Section()
	case StageCompetitive:
		return (&CompetitivePayload{}).Section()
	case StageRiskPriority:
		return (&RiskPayload{}).Section()
	case StageExecutivePolish:
		return (&ExecutivePayload{}).Section()
	default:
		return ""
	}
}
