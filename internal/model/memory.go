package model

import "time"

// Institutional memory entity types.
const (
	EntityCompany        = "company"
	EntityCompetitorMap  = "competitor_map"
	EntityIndustryTrends = "industry_trends"
)

// MemoryEntry is a long-lived fact shared across unrelated submissions.
type MemoryEntry struct {
	ID             string    `json:"id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	CacheKey       string    `json:"cache_key"`
	ContentHash    string    `json:"content_hash"`
	Data           []byte    `json:"data"`
	Source         string    `json:"source"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
}

// MemoryKey returns the unique cache key for an entity.
func MemoryKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
