package stagecache

import (
	"context"
	"time"
)

// KV is the subset of the persistence store used for stage caching.
type KV interface {
	GetCachedStage(ctx context.Context, key string) ([]byte, error)
	SetCachedStage(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteExpiredStages(ctx context.Context) (int, error)
}

// StoreBackend persists stage results in the relational store's
// stage_cache table.
type StoreBackend struct {
	kv KV
}

// NewStoreBackend wraps kv as a Backend.
func NewStoreBackend(kv KV) *StoreBackend {
	return &StoreBackend{kv: kv}
}

// Get implements Backend. The store returns nil data for a miss.
func (b *StoreBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.kv.GetCachedStage(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return data, data != nil, nil
}

// Set implements Backend.
func (b *StoreBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.kv.SetCachedStage(ctx, key, value, ttl)
}

// Sweep deletes expired rows.
func (b *StoreBackend) Sweep(ctx context.Context) (int, error) {
	return b.kv.DeleteExpiredStages(ctx)
}
