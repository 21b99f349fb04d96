// Package memory is the cross-submission fact store: company profiles,
// competitor maps, and industry trends keyed by normalized entity id and
// deduplicated by content hash.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategy-cli/internal/model"
	"github.com/sells-group/strategy-cli/internal/stagecache"
)

// Default prune policy.
const (
	DefaultRetention = 90 * 24 * time.Hour
	DefaultMinAccess = 3
)

// Outcome describes what an Upsert did.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeUpdated      Outcome = "updated"
	OutcomeDeduplicated Outcome = "deduplicated"
)

// Repository is the persistence the memory store needs. store.Store
// satisfies it.
type Repository interface {
	GetMemory(ctx context.Context, cacheKey string) (*model.MemoryEntry, error)
	UpsertMemory(ctx context.Context, entry *model.MemoryEntry) error
	TouchMemory(ctx context.Context, cacheKey string, at time.Time) error
	ListMemory(ctx context.Context, entityType string, limit int) ([]model.MemoryEntry, error)
	DeleteStaleMemory(ctx context.Context, cutoff time.Time, minAccess int) (int, error)
}

// Store wraps a Repository with normalization, content-hash dedup, and
// per-key serialization of read-modify-write cycles.
type Store struct {
	repo  Repository
	locks keyedMutex

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a memory Store over repo.
func New(repo Repository) *Store {
	return &Store{repo: repo, nowFunc: time.Now}
}

// NormalizeID trims, lowercases, accent-folds, and collapses whitespace so
// "  Acmé  Co " and "acme co" address the same entry.
func NormalizeID(id string) string {
	return stagecache.Normalize(strings.TrimSpace(id))
}

// ContentHash returns the sha256 of data's canonical JSON encoding.
func ContentHash(data []byte) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", eris.Wrap(err, "memory: canonicalize data")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "memory: canonicalize data")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Lookup returns the entry for an entity, or nil if none is stored. A hit
// bumps access_count and last_accessed_at.
func (s *Store) Lookup(ctx context.Context, entityType, entityID string) (*model.MemoryEntry, error) {
	key := model.MemoryKey(entityType, NormalizeID(entityID))

	unlock := s.locks.Lock(key)
	defer unlock()

	entry, err := s.repo.GetMemory(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "memory: lookup %s", key)
	}
	if entry == nil {
		return nil, nil
	}

	now := s.nowFunc().UTC()
	if err := s.repo.TouchMemory(ctx, key, now); err != nil {
		zap.L().Warn("memory: touch failed", zap.String("key", key), zap.Error(err))
	} else {
		entry.AccessCount++
		entry.LastAccessedAt = now
	}
	return entry, nil
}

// LookupInto is Lookup followed by decoding the entry's data into v. It
// reports false when no entry exists or confidence is below minConfidence.
func (s *Store) LookupInto(ctx context.Context, entityType, entityID string, minConfidence float64, v any) (*model.MemoryEntry, bool, error) {
	entry, err := s.Lookup(ctx, entityType, entityID)
	if err != nil || entry == nil {
		return nil, false, err
	}
	if entry.Confidence < minConfidence {
		return entry, false, nil
	}
	if err := json.Unmarshal(entry.Data, v); err != nil {
		return entry, false, eris.Wrapf(err, "memory: decode %s", entry.CacheKey)
	}
	return entry, true, nil
}

// Upsert stores data for an entity. Identical content only refreshes access
// metadata; different content replaces the stored data.
func (s *Store) Upsert(ctx context.Context, entityType, entityID string, data any, source string, confidence float64) (Outcome, *model.MemoryEntry, error) {
	if entityType == "" {
		return "", nil, eris.New("memory: entity type is required")
	}
	id := NormalizeID(entityID)
	if id == "" {
		return "", nil, eris.New("memory: entity id is required")
	}
	if confidence < 0 || confidence > 1 {
		return "", nil, eris.Errorf("memory: confidence %v out of range [0,1]", confidence)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", nil, eris.Wrap(err, "memory: marshal data")
	}
	hash, err := ContentHash(raw)
	if err != nil {
		return "", nil, err
	}

	key := model.MemoryKey(entityType, id)
	unlock := s.locks.Lock(key)
	defer unlock()

	existing, err := s.repo.GetMemory(ctx, key)
	if err != nil {
		return "", nil, eris.Wrapf(err, "memory: get %s", key)
	}

	now := s.nowFunc().UTC()
	if existing == nil {
		entry := &model.MemoryEntry{
			EntityType:     entityType,
			EntityID:       id,
			CacheKey:       key,
			ContentHash:    hash,
			Data:           raw,
			Source:         source,
			Confidence:     confidence,
			CreatedAt:      now,
			LastAccessedAt: now,
			AccessCount:    1,
		}
		if err := s.repo.UpsertMemory(ctx, entry); err != nil {
			return "", nil, eris.Wrapf(err, "memory: create %s", key)
		}
		return OutcomeCreated, entry, nil
	}

	if existing.ContentHash == hash {
		if err := s.repo.TouchMemory(ctx, key, now); err != nil {
			return "", nil, eris.Wrapf(err, "memory: touch %s", key)
		}
		existing.AccessCount++
		existing.LastAccessedAt = now
		return OutcomeDeduplicated, existing, nil
	}

	existing.ContentHash = hash
	existing.Data = raw
	existing.Source = source
	existing.Confidence = confidence
	existing.LastAccessedAt = now
	existing.AccessCount++
	if err := s.repo.UpsertMemory(ctx, existing); err != nil {
		return "", nil, eris.Wrapf(err, "memory: update %s", key)
	}
	return OutcomeUpdated, existing, nil
}

// Prune deletes entries last accessed before now-retention whose access
// count is below minAccess. Zero arguments use the defaults.
func (s *Store) Prune(ctx context.Context, retention time.Duration, minAccess int) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if minAccess <= 0 {
		minAccess = DefaultMinAccess
	}
	cutoff := s.nowFunc().UTC().Add(-retention)
	n, err := s.repo.DeleteStaleMemory(ctx, cutoff, minAccess)
	if err != nil {
		return 0, eris.Wrap(err, "memory: prune")
	}
	zap.L().Info("memory: pruned entries",
		zap.Int("deleted", n),
		zap.Time("cutoff", cutoff),
		zap.Int("min_access", minAccess),
	)
	return n, nil
}

// List returns stored entries, optionally filtered by entity type.
func (s *Store) List(ctx context.Context, entityType string, limit int) ([]model.MemoryEntry, error) {
	entries, err := s.repo.ListMemory(ctx, entityType, limit)
	return entries, eris.Wrap(err, "memory: list")
}

// keyedMutex serializes work per key. Lock entries are reference counted
// and removed when no holder remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
