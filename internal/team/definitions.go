package team

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/platform/storage"
)

// eventsWithoutDefinition are internal events that never get definition
// rows.
var eventsWithoutDefinition = map[string]struct{}{
	"$$plugin_metrics": {},
}

// Definitions is the known event and property name set for one team.
type Definitions struct {
	Events     map[string]struct{}
	Properties map[string]struct{}
}

type definitionSet struct {
	mu         sync.Mutex
	events     map[string]struct{}
	properties map[string]struct{}
}

// DefinitionStore loads and persists team config and definitions.
type DefinitionStore interface {
	FetchTeam(ctx context.Context, teamID int64) (*Team, error)
	FetchDefinitions(ctx context.Context, teamID int64) (Definitions, error)
	InsertEventDefinition(ctx context.Context, teamID int64, name string) error
	InsertPropertyDefinition(ctx context.Context, teamID int64, name string, isNumerical bool) error
	MarkFirstEventIngested(ctx context.Context, teamID int64) error
}

// EnsureDefinitions records the event name and its property names as known
// definitions for the team, inserting rows for names not seen before.
// Internal events are skipped entirely.
func (c *Cache) EnsureDefinitions(ctx context.Context, t *Team, eventName string, properties map[string]any) error {
	if _, skip := eventsWithoutDefinition[eventName]; skip {
		return nil
	}

	entry, err := c.entry(ctx, t.ID)
	if err != nil {
		return err
	}
	if entry.defs == nil {
		return nil
	}
	defs := entry.defs

	defs.mu.Lock()
	_, haveEvent := defs.events[eventName]
	if !haveEvent {
		defs.events[eventName] = struct{}{}
	}
	missingProps := make(map[string]bool)
	for name, value := range properties {
		if _, ok := defs.properties[name]; !ok {
			_, numerical := value.(float64)
			missingProps[name] = numerical
			defs.properties[name] = struct{}{}
		}
	}
	defs.mu.Unlock()

	if !haveEvent {
		if err := c.store.InsertEventDefinition(ctx, t.ID, eventName); err != nil {
			return fmt.Errorf("insert event definition: %w", err)
		}
	}
	for name, numerical := range missingProps {
		if err := c.store.InsertPropertyDefinition(ctx, t.ID, name, numerical); err != nil {
			return fmt.Errorf("insert property definition: %w", err)
		}
	}

	if !t.IngestedEvent {
		if err := c.store.MarkFirstEventIngested(ctx, t.ID); err != nil {
			return fmt.Errorf("mark first event: %w", err)
		}
		t.IngestedEvent = true
	}

	return nil
}

// PGStore is the Postgres-backed DefinitionStore.
type PGStore struct {
	db *storage.DB
}

// NewPGStore creates a PGStore over db.
func NewPGStore(db *storage.DB) *PGStore {
	return &PGStore{db: db}
}

// FetchTeam loads a team row, or nil when absent.
func (s *PGStore) FetchTeam(ctx context.Context, teamID int64) (*Team, error) {
	return fetchTeam(ctx, s.db, teamID)
}

// FetchDefinitions loads the known definition names for a team.
func (s *PGStore) FetchDefinitions(ctx context.Context, teamID int64) (Definitions, error) {
	defs := Definitions{
		Events:     make(map[string]struct{}),
		Properties: make(map[string]struct{}),
	}

	rows, err := s.db.Pool().Query(ctx,
		`SELECT name FROM posthog_eventdefinition WHERE team_id = $1`, teamID)
	if err != nil {
		return defs, fmt.Errorf("query event definitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return defs, fmt.Errorf("scan event definition: %w", err)
		}
		defs.Events[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return defs, err
	}

	propRows, err := s.db.Pool().Query(ctx,
		`SELECT name FROM posthog_propertydefinition WHERE team_id = $1`, teamID)
	if err != nil {
		return defs, fmt.Errorf("query property definitions: %w", err)
	}
	defer propRows.Close()
	for propRows.Next() {
		var name string
		if err := propRows.Scan(&name); err != nil {
			return defs, fmt.Errorf("scan property definition: %w", err)
		}
		defs.Properties[name] = struct{}{}
	}
	return defs, propRows.Err()
}

// InsertEventDefinition records an event name, ignoring concurrent inserts.
func (s *PGStore) InsertEventDefinition(ctx context.Context, teamID int64, name string) error {
	sql := `
		INSERT INTO posthog_eventdefinition (id, name, team_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, name) DO NOTHING
	`
	_, err := s.db.Pool().Exec(ctx, sql, ident.MustNew(), name, teamID)
	return err
}

// InsertPropertyDefinition records a property name, ignoring concurrent
// inserts.
func (s *PGStore) InsertPropertyDefinition(ctx context.Context, teamID int64, name string, isNumerical bool) error {
	sql := `
		INSERT INTO posthog_propertydefinition (id, name, team_id, is_numerical)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, name) DO NOTHING
	`
	_, err := s.db.Pool().Exec(ctx, sql, ident.MustNew(), name, teamID, isNumerical)
	return err
}

// MarkFirstEventIngested flips the team's first-event marker.
func (s *PGStore) MarkFirstEventIngested(ctx context.Context, teamID int64) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE posthog_team SET ingested_event = TRUE WHERE id = $1`, teamID)
	return err
}

var _ DefinitionStore = (*PGStore)(nil)
