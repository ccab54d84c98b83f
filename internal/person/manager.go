package person

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhq/meridian/internal/platform/cache"
)

// DefaultSeenTTL bounds how long a distinct-id is remembered as existing.
const DefaultSeenTTL = 30 * time.Second

// ExistenceStore answers whether a distinct-id already has a person.
// *Store satisfies it; tests substitute a fake.
type ExistenceStore interface {
	DistinctIDExists(ctx context.Context, teamID int64, distinctID string) (bool, error)
}

// Manager answers "is this distinct-id new?" cheaply. Known distinct-ids
// are cached with a short TTL so a burst of events for the same person does
// not repeat the existence query on every event. Cache races are harmless:
// the worst case is a duplicate create attempt absorbed by the unique
// constraint.
type Manager struct {
	store ExistenceStore
	cache *cache.Cache
	ttl   time.Duration
}

// NewManager creates a Manager. ttl of 0 means DefaultSeenTTL.
func NewManager(store ExistenceStore, c *cache.Cache, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = DefaultSeenTTL
	}
	return &Manager{store: store, cache: c, ttl: ttl}
}

func seenKey(teamID int64, distinctID string) string {
	return fmt.Sprintf("person_seen:%d:%s", teamID, distinctID)
}

// IsNew reports whether (teamID, distinctID) has no person yet. A cached
// sighting short-circuits the row-store query. Cache failures degrade to
// the query.
func (m *Manager) IsNew(ctx context.Context, teamID int64, distinctID string) (bool, error) {
	if m.cache != nil {
		_, seen, err := m.cache.GetRaw(ctx, seenKey(teamID, distinctID))
		if err != nil {
			slog.Warn("person seen-cache read failed", "error", err)
		} else if seen {
			return false, nil
		}
	}

	exists, err := m.store.DistinctIDExists(ctx, teamID, distinctID)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}

	m.MarkSeen(ctx, teamID, distinctID)
	return false, nil
}

// MarkSeen records that (teamID, distinctID) now exists, suppressing
// existence queries for the TTL.
func (m *Manager) MarkSeen(ctx context.Context, teamID int64, distinctID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetRaw(ctx, seenKey(teamID, distinctID), []byte("1"), m.ttl); err != nil {
		slog.Warn("person seen-cache write failed", "error", err)
	}
}
