// Package stagecache is the content-addressed, TTL-bounded cache wrapped
// around each pipeline stage.
package stagecache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/model"
)

// Backend stores serialized stage results.
type Backend interface {
	// Get returns the value and true on a live hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ComputeFunc produces a fresh stage result on a miss.
type ComputeFunc func(ctx context.Context) (*model.StageResult, error)

// Cache wraps a Backend with per-stage TTLs.
type Cache struct {
	backend    Backend
	ttls       map[model.StageID]time.Duration
	defaultTTL time.Duration
}

// DefaultTTLs returns per-stage TTLs. Request-specific stages expire sooner
// than the broadly reusable extraction and final polish.
func DefaultTTLs() map[model.StageID]time.Duration {
	return map[model.StageID]time.Duration{
		model.StageExtraction:      7 * 24 * time.Hour,
		model.StageGapAnalysis:     24 * time.Hour,
		model.StageFrameworks:      48 * time.Hour,
		model.StageCompetitive:     72 * time.Hour,
		model.StageRiskPriority:    48 * time.Hour,
		model.StageExecutivePolish: 14 * 24 * time.Hour,
	}
}

// New creates a Cache. Stages absent from ttls use 24h. A nil backend
// disables caching.
func New(backend Backend, ttls map[model.StageID]time.Duration) *Cache {
	if ttls == nil {
		ttls = DefaultTTLs()
	}
	return &Cache{backend: backend, ttls: ttls, defaultTTL: 24 * time.Hour}
}

// TTL returns the configured time-to-live for stage.
func (c *Cache) TTL(stage model.StageID) time.Duration {
	if ttl, ok := c.ttls[stage]; ok && ttl > 0 {
		return ttl
	}
	return c.defaultTTL
}

// GetOrCompute returns the cached result for key or computes and stores a
// new one. Hits report CacheHit=true and zero cost. Backend failures
// degrade to a miss (on read) or a skipped write; they never fail the stage.
func (c *Cache) GetOrCompute(ctx context.Context, stage model.StageID, key string, compute ComputeFunc) (*model.StageResult, error) {
	if c == nil || c.backend == nil {
		return compute(ctx)
	}

	start := time.Now()
	if res, ok := c.lookup(ctx, stage, key); ok {
		res.CacheHit = true
		res.CostUSD = 0
		res.Duration = time.Since(start)
		return res, nil
	}

	res, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	res.CacheHit = false

	data, err := json.Marshal(res)
	if err != nil {
		zap.L().Warn("stagecache: marshal result", zap.Int("stage", int(stage)), zap.Error(err))
		return res, nil
	}
	if err := c.backend.Set(ctx, key, data, c.TTL(stage)); err != nil {
		zap.L().Warn("stagecache: write failed", zap.Int("stage", int(stage)), zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

func (c *Cache) lookup(ctx context.Context, stage model.StageID, key string) (*model.StageResult, bool) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		zap.L().Warn("stagecache: read failed", zap.Int("stage", int(stage)), zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var res model.StageResult
	if err := json.Unmarshal(data, &res); err != nil {
		zap.L().Warn("stagecache: discarding invalid entry", zap.Int("stage", int(stage)), zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if res.Stage != stage {
		return nil, false
	}
	return &res, true
}
