package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// StageID identifies one of the six ordered pipeline stages.
type StageID int

const (
	StageExtraction StageID = iota + 1
	StageGapAnalysis
	StageFrameworks
	StageCompetitive
	StageRiskPriority
	StageExecutivePolish
)

// AllStages lists every stage in execution order.
var AllStages = []StageID{
	StageExtraction,
	StageGapAnalysis,
	StageFrameworks,
	StageCompetitive,
	StageRiskPriority,
	StageExecutivePolish,
}

var stageNames = map[StageID]string{
	StageExtraction:      "extraction",
	StageGapAnalysis:     "gap_analysis",
	StageFrameworks:      "frameworks",
	StageCompetitive:     "competitive",
	StageRiskPriority:    "risk_priority",
	StageExecutivePolish: "executive_polish",
}

// Name returns the short stage name.
func (s StageID) Name() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// Key returns the stage label used in metadata maps and run tracking,
// e.g. "1_extraction".
func (s StageID) Key() string {
	return fmt.Sprintf("%d_%s", int(s), s.Name())
}

// Valid reports whether s is one of the six known stages.
func (s StageID) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Essential reports whether a failure of this stage aborts the pipeline.
// Gap analysis only enriches context, so the pipeline can proceed without it.
func (s StageID) Essential() bool {
	return s != StageGapAnalysis
}

func (s StageID) String() string { return s.Key() }

// StageStatus is the outcome of a stage within a run.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult is the immutable output of one stage. It is created by the
// stage cache wrapper and owned by the pipeline context until assembly.
type StageResult struct {
	Stage    StageID `json:"stage"`
	Payload  Payload `json:"payload"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	// ResponseModel is the model name the provider reported, when it
	// differs from the requested Model.
	ResponseModel    string        `json:"response_model,omitempty"`
	InputTokens      int64         `json:"input_tokens"`
	OutputTokens     int64         `json:"output_tokens"`
	CacheWriteTokens int64         `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int64         `json:"cache_read_tokens,omitempty"`
	CostUSD          float64       `json:"cost_usd"`
	Duration         time.Duration `json:"duration_ns"`
	CacheHit         bool          `json:"cache_hit"`
}

// ProviderLabel returns "provider/model", or just the provider when the stage
// did not call a model.
func (r *StageResult) ProviderLabel() string {
	if r.Model == "" {
		return r.Provider
	}
	return r.Provider + "/" + r.Model
}

// UnmarshalJSON decodes the payload into the concrete type for the stage.
func (r *StageResult) UnmarshalJSON(data []byte) error {
	type alias StageResult
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: unmarshal stage result")
	}
	*r = StageResult(raw.alias)
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return eris.Errorf("model: stage result %s has no payload", r.Stage)
	}
	p, err := DecodePayload(r.Stage, raw.Payload)
	if err != nil {
		return err
	}
	r.Payload = p
	return nil
}
