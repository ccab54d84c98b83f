package team

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how stale cached team config may get.
const DefaultTTL = 2 * time.Minute

type cacheEntry struct {
	team      *Team // nil is cached too: unknown teams stay unknown for a TTL
	defs      *definitionSet
	fetchedAt time.Time
}

// Cache is a per-process, read-mostly, read-through cache of team config
// and the team's known event/property definitions. Refresh happens on miss,
// TTL expiry, and explicit invalidation.
type Cache struct {
	store DefinitionStore
	ttl   time.Duration

	mu      sync.Mutex
	entries map[int64]*cacheEntry
}

// NewCache creates a team cache over store. ttl of 0 means DefaultTTL.
func NewCache(store DefinitionStore, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[int64]*cacheEntry),
	}
}

// Fetch returns the team config for teamID, or nil when the team does not
// exist.
func (c *Cache) Fetch(ctx context.Context, teamID int64) (*Team, error) {
	entry, err := c.entry(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return entry.team, nil
}

// Invalidate drops the cached entry for teamID so the next read refreshes.
func (c *Cache) Invalidate(teamID int64) {
	c.mu.Lock()
	delete(c.entries, teamID)
	c.mu.Unlock()
}

func (c *Cache) entry(ctx context.Context, teamID int64) (*cacheEntry, error) {
	c.mu.Lock()
	entry, ok := c.entries[teamID]
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	// Racing workers may refresh concurrently; last write wins and both see
	// consistent data.
	team, err := c.store.FetchTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}

	entry = &cacheEntry{team: team, fetchedAt: time.Now()}
	if team != nil {
		defs, err := c.store.FetchDefinitions(ctx, teamID)
		if err != nil {
			return nil, err
		}
		entry.defs = &definitionSet{events: defs.Events, properties: defs.Properties}
	}

	c.mu.Lock()
	c.entries[teamID] = entry
	c.mu.Unlock()

	return entry, nil
}
