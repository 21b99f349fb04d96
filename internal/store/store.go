// Package store persists pipeline runs, stage cache entries, institutional
// memory, and the dead letter queue in SQLite or Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	SubmissionID string          `json:"submission_id,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the strategy pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, submissionID string, req model.PipelineRequest) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, outcome model.RunOutcome) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetRunBySubmission(ctx context.Context, submissionID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Run stages
	CreateRunStage(ctx context.Context, runID string, stage model.StageID) (*model.RunStage, error)
	CompleteRunStage(ctx context.Context, stageRowID string, status model.StageStatus, result *model.StageResult, errMsg string) error
	ListRunStages(ctx context.Context, runID string) ([]model.RunStage, error)

	// Stage cache
	GetCachedStage(ctx context.Context, key string) ([]byte, error)
	SetCachedStage(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteExpiredStages(ctx context.Context) (int, error)

	// Institutional memory
	GetMemory(ctx context.Context, cacheKey string) (*model.MemoryEntry, error)
	UpsertMemory(ctx context.Context, entry *model.MemoryEntry) error
	TouchMemory(ctx context.Context, cacheKey string, at time.Time) error
	ListMemory(ctx context.Context, entityType string, limit int) ([]model.MemoryEntry, error)
	DeleteStaleMemory(ctx context.Context, cutoff time.Time, minAccess int) (int, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned by lookups of a single row that does not exist.
var ErrNotFound = errors.New("store: not found")
