package person

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/meridian/internal/platform/cache"
)

// fakeExistenceStore scripts distinct-id existence and counts queries.
type fakeExistenceStore struct {
	existing map[string]bool
	queries  int
}

func (f *fakeExistenceStore) DistinctIDExists(_ context.Context, teamID int64, distinctID string) (bool, error) {
	f.queries++
	return f.existing[seenKey(teamID, distinctID)], nil
}

func newTestSeenCache(t *testing.T) *cache.Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return cache.NewWithClient(client, "test:")
}

func TestIsNewQueriesUnknownDistinctID(t *testing.T) {
	store := &fakeExistenceStore{existing: map[string]bool{}}
	m := NewManager(store, newTestSeenCache(t), 0)
	ctx := context.Background()

	isNew, err := m.IsNew(ctx, 2, "d1")
	if err != nil {
		t.Fatalf("IsNew failed: %v", err)
	}
	if !isNew {
		t.Error("unknown distinct-id should be new")
	}
	if store.queries != 1 {
		t.Errorf("queries = %d, want 1", store.queries)
	}
}

func TestIsNewCachesExistingDistinctID(t *testing.T) {
	store := &fakeExistenceStore{existing: map[string]bool{seenKey(2, "d1"): true}}
	m := NewManager(store, newTestSeenCache(t), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		isNew, err := m.IsNew(ctx, 2, "d1")
		if err != nil {
			t.Fatalf("IsNew failed: %v", err)
		}
		if isNew {
			t.Error("existing distinct-id should not be new")
		}
	}

	// The first call queries and caches the sighting; the rest hit the
	// cache.
	if store.queries != 1 {
		t.Errorf("queries = %d, want 1", store.queries)
	}
}

func TestIsNewServedFromSeenCache(t *testing.T) {
	store := &fakeExistenceStore{existing: map[string]bool{}}
	m := NewManager(store, newTestSeenCache(t), 0)
	ctx := context.Background()

	m.MarkSeen(ctx, 2, "d1")

	isNew, err := m.IsNew(ctx, 2, "d1")
	if err != nil {
		t.Fatalf("IsNew failed: %v", err)
	}
	if isNew {
		t.Error("cached sighting should answer not-new")
	}
	if store.queries != 0 {
		t.Errorf("queries = %d, want 0 on cache hit", store.queries)
	}
}

func TestSeenKeysAreTeamScoped(t *testing.T) {
	c := newTestSeenCache(t)
	m := NewManager(&fakeExistenceStore{existing: map[string]bool{}}, c, 0)
	ctx := context.Background()

	m.MarkSeen(ctx, 2, "d1")

	if _, seen, _ := c.GetRaw(ctx, "person_seen:2:d1"); !seen {
		t.Error("expected seen key for team 2")
	}
	if _, seen, _ := c.GetRaw(ctx, "person_seen:3:d1"); seen {
		t.Error("team 3 must not see team 2's sighting")
	}
}
