package stagecache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend, useful for one-shot CLI runs and
// tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]memoryItem

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]memoryItem), nowFunc: time.Now}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !m.nowFunc().Before(item.expiresAt) {
		return nil, false, nil
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.items[key] = memoryItem{value: v, expiresAt: m.nowFunc().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Sweep removes expired items and returns how many were dropped.
func (m *MemoryBackend) Sweep(_ context.Context) (int, error) {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored items, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
