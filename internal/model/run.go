package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID           string          `json:"id"`
	SubmissionID string          `json:"submission_id"`
	Request      PipelineRequest `json:"request"`
	Status       RunStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	CostUSD      float64         `json:"cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
	Stages       []StageID       `json:"stages"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RunStage tracks one stage within a run.
type RunStage struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Stage     StageID      `json:"stage"`
	Status    StageStatus  `json:"status"`
	Result    *StageResult `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// RunOutcome is what the store records when a run finishes.
type RunOutcome struct {
	Status     RunStatus
	Result     *FinalResult
	CostUSD    float64
	DurationMs int64
	Stages     []StageID
	Error      string
}
