// Package cache provides the artifact cache and build deduplication for the
// pipeline. Entries are evicted least-recently-used once capacity is
// exceeded and expire after a fixed TTL.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/forgeworks/forged/internal/build"
)

const defaultCapacity = 100

// Entry is a cached artifact snapshot with the quality score it was
// delivered with.
type Entry struct {
	Fingerprint string
	Artifact    *build.Artifact
	Score       float64
	CreatedAt   time.Time
	LastAccess  time.Time
}

// Cache is a fixed-capacity LRU of delivered artifacts keyed by fingerprint.
// Artifacts are deep-copied on the way in and out: a cached snapshot is
// immutable from the caller's point of view.
type Cache struct {
	lru      *expirable.LRU[string, *Entry]
	capacity int

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache with the given capacity and TTL.
// Capacity <= 0 falls back to the default of 100 entries.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		lru:      expirable.NewLRU[string, *Entry](capacity, nil, ttl),
		capacity: capacity,
	}
}

// Lookup returns a copy of the cached artifact and its delivered score,
// updating the entry's recency and last-access time. The last return is
// false on miss (including TTL expiry).
func (c *Cache) Lookup(fingerprint string) (*build.Artifact, float64, bool) {
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		c.misses.Add(1)
		return nil, 0, false
	}
	e.LastAccess = time.Now().UTC()
	c.hits.Add(1)
	return e.Artifact.Clone(), e.Score, true
}

// Put stores a snapshot of artifact under fingerprint. Insertion beyond
// capacity evicts the least-recently-used entry.
func (c *Cache) Put(fingerprint string, artifact *build.Artifact, score float64) {
	now := time.Now().UTC()
	c.lru.Add(fingerprint, &Entry{
		Fingerprint: fingerprint,
		Artifact:    artifact.Clone(),
		Score:       score,
		CreatedAt:   now,
		LastAccess:  now,
	})
}

// Contains reports whether fingerprint is cached, without touching recency.
func (c *Cache) Contains(fingerprint string) bool {
	return c.lru.Contains(fingerprint)
}

// Stats describes cache occupancy and effectiveness.
type Stats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	HitRate  float64 `json:"hit_rate"`
}

// Stats returns current size, capacity, and lifetime hit rate.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Size: c.lru.Len(), Capacity: c.capacity, HitRate: rate}
}
