package resilience

import (
	"time"

	"github.com/sells-group/strategy-cli/internal/model"
)

// Error type labels stored with dead letter entries.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry represents a failed pipeline submission that can be retried later.
type DLQEntry struct {
	ID           string                `json:"id"`
	Request      model.PipelineRequest `json:"request"`
	RunID        string                `json:"run_id,omitempty"`
	Error        string                `json:"error"`
	ErrorType    string                `json:"error_type"` // "transient" or "permanent"
	FailedStage  model.StageID         `json:"failed_stage,omitempty"`
	RetryCount   int                   `json:"retry_count"`
	MaxRetries   int                   `json:"max_retries"`
	NextRetryAt  time.Time             `json:"next_retry_at"`
	CreatedAt    time.Time             `json:"created_at"`
	LastFailedAt time.Time             `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	DueOnly   bool   `json:"due_only,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry is transient and hasn't exceeded its
// max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.ErrorType != ErrorTypePermanent && e.RetryCount < e.MaxRetries
}

// NextBackoff returns the delay before the next retry, doubling from base
// with each recorded retry and capped at one day.
func (e *DLQEntry) NextBackoff(base time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Minute
	}
	d := base << e.RetryCount
	if d <= 0 || d > 24*time.Hour {
		d = 24 * time.Hour
	}
	return d
}

// ClassifyError categorizes an error as "transient" or "permanent". Circuit
// rejections are transient: the dependency may recover.
func ClassifyError(err error) string {
	if IsTransient(err) || IsCircuitOpen(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
