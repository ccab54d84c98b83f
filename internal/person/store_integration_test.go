//go:build integration

package person

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/platform/storage"
)

func getTestDB(t *testing.T) *storage.DB {
	t.Helper()

	cfg := storage.DefaultConfig()
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Host = host
	}

	ctx := context.Background()
	db, err := storage.New(ctx, cfg)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func createTestTeam(t *testing.T, db *storage.DB) int64 {
	t.Helper()

	var teamID int64
	err := db.Pool().QueryRow(context.Background(),
		`INSERT INTO posthog_team (name) VALUES ('test') RETURNING id`,
	).Scan(&teamID)
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		db.Pool().Exec(ctx, `DELETE FROM posthog_persondistinctid WHERE team_id = $1`, teamID)
		db.Pool().Exec(ctx, `DELETE FROM posthog_person WHERE team_id = $1`, teamID)
		db.Pool().Exec(ctx, `DELETE FROM posthog_team WHERE id = $1`, teamID)
	})
	return teamID
}

func TestCreateAndFetch(t *testing.T) {
	db := getTestDB(t)
	teamID := createTestTeam(t, db)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	created, err := store.Create(ctx, CreateParams{
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Properties:  event.Properties{"plan": "free"},
		TeamID:      teamID,
		UUID:        uuid.New(),
		DistinctIDs: []string{"d1"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected surrogate id")
	}
	if created.IsIdentified {
		t.Error("is_identified should default false")
	}

	fetched, err := store.FetchByDistinctID(ctx, teamID, "d1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if fetched == nil || fetched.ID != created.ID {
		t.Fatalf("fetched = %+v", fetched)
	}
	if fetched.Properties["plan"] != "free" {
		t.Errorf("properties = %v", fetched.Properties)
	}
}

func TestCreateDuplicateDistinctIDIsRace(t *testing.T) {
	db := getTestDB(t)
	teamID := createTestTeam(t, db)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	params := CreateParams{
		CreatedAt:   time.Now(),
		TeamID:      teamID,
		UUID:        uuid.New(),
		DistinctIDs: []string{"dup"},
	}
	if _, err := store.Create(ctx, params); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	params.UUID = uuid.New()
	_, err := store.Create(ctx, params)
	if !errors.Is(err, ErrRaceCondition) {
		t.Errorf("error = %v, want ErrRaceCondition", err)
	}
}

func TestAddAndMoveDistinctIDs(t *testing.T) {
	db := getTestDB(t)
	teamID := createTestTeam(t, db)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	a, _ := store.Create(ctx, CreateParams{
		CreatedAt: time.Now(), TeamID: teamID, UUID: uuid.New(), DistinctIDs: []string{"a"},
	})
	b, _ := store.Create(ctx, CreateParams{
		CreatedAt: time.Now(), TeamID: teamID, UUID: uuid.New(), DistinctIDs: []string{"b"},
	})

	if err := store.AddDistinctID(ctx, a, "a2"); err != nil {
		t.Fatalf("AddDistinctID failed: %v", err)
	}
	if err := store.AddDistinctID(ctx, b, "a2"); !errors.Is(err, ErrRaceCondition) {
		t.Errorf("duplicate add error = %v, want ErrRaceCondition", err)
	}

	if err := store.MoveDistinctIDs(ctx, a, b); err != nil {
		t.Fatalf("MoveDistinctIDs failed: %v", err)
	}
	moved, err := store.FetchByDistinctID(ctx, teamID, "a2")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if moved == nil || moved.ID != b.ID {
		t.Errorf("a2 owned by %+v, want person %d", moved, b.ID)
	}
}

func TestDeleteWithRemainingDistinctIDs(t *testing.T) {
	db := getTestDB(t)
	teamID := createTestTeam(t, db)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	p, _ := store.Create(ctx, CreateParams{
		CreatedAt: time.Now(), TeamID: teamID, UUID: uuid.New(), DistinctIDs: []string{"p1"},
	})

	if err := store.Delete(ctx, p); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	gone, err := store.FetchByDistinctID(ctx, teamID, "p1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if gone != nil {
		t.Errorf("person still fetchable: %+v", gone)
	}
}

func TestIncrementProperties(t *testing.T) {
	db := getTestDB(t)
	teamID := createTestTeam(t, db)
	store := NewStore(db, nil, nil)
	ctx := context.Background()

	p, _ := store.Create(ctx, CreateParams{
		CreatedAt:   time.Now(),
		TeamID:      teamID,
		UUID:        uuid.New(),
		Properties:  event.Properties{"logins": float64(4)},
		DistinctIDs: []string{"d1"},
	})

	props, err := store.IncrementProperties(ctx, p, map[string]float64{"logins": 1, "visits": 2})
	if err != nil {
		t.Fatalf("IncrementProperties failed: %v", err)
	}
	if props["logins"] != float64(5) {
		t.Errorf("logins = %v, want 5", props["logins"])
	}
	if props["visits"] != float64(2) {
		t.Errorf("visits = %v, want 2 (absent key starts at zero)", props["visits"])
	}
}
