package person

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/platform/kafka"
	"github.com/meridianhq/meridian/internal/platform/storage"
	"github.com/meridianhq/meridian/internal/timestamp"

	"github.com/google/uuid"
)

// Columnar issues statements against the columnar analytics store. Only
// tombstone deletes are issued from here.
type Columnar interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// Store performs transactional CRUD on persons and distinct-ids. Create,
// Update, Delete, AddDistinctID and MoveDistinctIDs queue their log-sink
// messages after the relational commit when a producer is configured, so the
// log is always a subset of committed state. IncrementProperties and
// ReassignCohorts queue no log-sink message.
type Store struct {
	db       *storage.DB
	producer *kafka.Producer // nil on row-sink-only deployments
	columnar Columnar        // nil unless a columnar sink is configured
}

// NewStore creates a Store. producer and columnar may be nil.
func NewStore(db *storage.DB, producer *kafka.Producer, columnar Columnar) *Store {
	return &Store{db: db, producer: producer, columnar: columnar}
}

const personColumns = `p.id, p.uuid, p.team_id, p.created_at, p.properties, p.is_identified, p.is_user_id`

// FetchByDistinctID returns the person owning (teamID, distinctID), or nil
// when the distinct-id is unknown.
func (s *Store) FetchByDistinctID(ctx context.Context, teamID int64, distinctID string) (*Person, error) {
	sql := `
		SELECT ` + personColumns + `
		FROM posthog_person p
		JOIN posthog_persondistinctid d ON d.person_id = p.id
		WHERE d.team_id = $1 AND d.distinct_id = $2
	`

	p, err := scanPerson(s.db.Pool().QueryRow(ctx, sql, teamID, distinctID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query person by distinct id: %w", err)
	}
	return p, nil
}

// DistinctIDExists reports whether (teamID, distinctID) already has a
// person, without loading it.
func (s *Store) DistinctIDExists(ctx context.Context, teamID int64, distinctID string) (bool, error) {
	var one int
	err := s.db.Pool().QueryRow(ctx,
		`SELECT 1 FROM posthog_persondistinctid WHERE team_id = $1 AND distinct_id = $2`,
		teamID, distinctID,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query distinct id existence: %w", err)
	}
	return true, nil
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	CreatedAt    time.Time
	Properties   event.Properties
	TeamID       int64
	IsUserID     *int64
	IsIdentified bool
	UUID         uuid.UUID
	DistinctIDs  []string
}

// Create inserts the person row and one row per distinct-id in a single
// transaction. A unique violation on any row surfaces as ErrRaceCondition:
// a peer worker created the person first. Log-sink messages are queued
// after the commit succeeds.
func (s *Store) Create(ctx context.Context, params CreateParams) (*Person, error) {
	if params.Properties == nil {
		params.Properties = event.Properties{}
	}
	props, err := json.Marshal(params.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshal person properties: %w", err)
	}

	p := &Person{
		UUID:         params.UUID,
		TeamID:       params.TeamID,
		CreatedAt:    params.CreatedAt.UTC(),
		Properties:   params.Properties,
		IsIdentified: params.IsIdentified,
		IsUserID:     params.IsUserID,
	}

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql := `
			INSERT INTO posthog_person (uuid, team_id, created_at, properties, is_identified, is_user_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`
		if err := tx.QueryRow(ctx, sql,
			p.UUID, p.TeamID, p.CreatedAt, props, p.IsIdentified, p.IsUserID,
		).Scan(&p.ID); err != nil {
			return fmt.Errorf("insert person: %w", err)
		}

		for _, distinctID := range params.DistinctIDs {
			insert := `
				INSERT INTO posthog_persondistinctid (person_id, distinct_id, team_id)
				VALUES ($1, $2, $3)
			`
			if _, err := tx.Exec(ctx, insert, p.ID, distinctID, p.TeamID); err != nil {
				return fmt.Errorf("insert distinct id %q: %w", distinctID, err)
			}
		}
		return nil
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create person: %w", ErrRaceCondition)
		}
		return nil, err
	}

	s.queuePersonMessage(ctx, p, false)
	for _, distinctID := range params.DistinctIDs {
		s.queueDistinctIDMessage(ctx, p, distinctID)
	}

	return p, nil
}

// Update applies patch to the person row and returns the updated person.
// A person-topic message is queued after the commit.
func (s *Store) Update(ctx context.Context, p *Person, patch Patch) (*Person, error) {
	updated := *p
	set := ""
	args := []any{p.ID}

	appendSet := func(column string, value any) {
		if set != "" {
			set += ", "
		}
		args = append(args, value)
		set += fmt.Sprintf("%s = $%d", column, len(args))
	}

	if patch.Properties != nil {
		props, err := json.Marshal(*patch.Properties)
		if err != nil {
			return nil, fmt.Errorf("marshal person properties: %w", err)
		}
		appendSet("properties", props)
		updated.Properties = *patch.Properties
	}
	if patch.CreatedAt != nil {
		appendSet("created_at", patch.CreatedAt.UTC())
		updated.CreatedAt = patch.CreatedAt.UTC()
	}
	if patch.IsIdentified != nil {
		appendSet("is_identified", *patch.IsIdentified)
		updated.IsIdentified = *patch.IsIdentified
	}
	if set == "" {
		return p, nil
	}

	sql := fmt.Sprintf(`UPDATE posthog_person SET %s WHERE id = $1`, set)
	if _, err := s.db.Pool().Exec(ctx, sql, args...); err != nil {
		return nil, fmt.Errorf("update person: %w", err)
	}

	s.queuePersonMessage(ctx, &updated, false)
	return &updated, nil
}

// Delete removes the person's distinct-id rows and the person row in one
// transaction. A distinct-id row committed by a peer between the two
// statements makes the person delete fail its foreign key; that surfaces
// as ErrRaceCondition so the merge loop can re-move and retry. On a
// configured columnar sink, tombstone deletes are issued for both tables
// after the commit.
func (s *Store) Delete(ctx context.Context, p *Person) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM posthog_persondistinctid WHERE person_id = $1`, p.ID); err != nil {
			return fmt.Errorf("delete distinct ids: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM posthog_person WHERE id = $1`, p.ID); err != nil {
			return fmt.Errorf("delete person: %w", err)
		}
		return nil
	})
	if err != nil {
		if storage.IsForeignKeyViolation(err) {
			return fmt.Errorf("delete person %d: %w", p.ID, ErrRaceCondition)
		}
		return err
	}

	if s.columnar != nil {
		tombstones := []string{
			`ALTER TABLE person DELETE WHERE id = $1`,
			`ALTER TABLE person_distinct_id DELETE WHERE person_id = $1`,
		}
		for _, stmt := range tombstones {
			if err := s.columnar.Exec(ctx, stmt, p.UUID.String()); err != nil {
				return fmt.Errorf("columnar tombstone: %w", err)
			}
		}
	}

	s.queuePersonMessage(ctx, p, true)
	return nil
}

// AddDistinctID attaches distinctID to p. A unique violation means a peer
// attached it first and surfaces as ErrRaceCondition.
func (s *Store) AddDistinctID(ctx context.Context, p *Person, distinctID string) error {
	sql := `
		INSERT INTO posthog_persondistinctid (person_id, distinct_id, team_id)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.Pool().Exec(ctx, sql, p.ID, distinctID, p.TeamID); err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("add distinct id %q: %w", distinctID, ErrRaceCondition)
		}
		return fmt.Errorf("add distinct id %q: %w", distinctID, err)
	}

	s.queueDistinctIDMessage(ctx, p, distinctID)
	return nil
}

// MoveDistinctIDs reassigns every distinct-id row on from to into. One
// message per moved distinct-id is queued after the statement commits.
func (s *Store) MoveDistinctIDs(ctx context.Context, from, into *Person) error {
	sql := `
		UPDATE posthog_persondistinctid
		SET person_id = $1
		WHERE person_id = $2
		RETURNING distinct_id
	`
	rows, err := s.db.Pool().Query(ctx, sql, into.ID, from.ID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("move distinct ids: %w", ErrRaceCondition)
		}
		return fmt.Errorf("move distinct ids: %w", err)
	}
	defer rows.Close()

	var moved []string
	for rows.Next() {
		var distinctID string
		if err := rows.Scan(&distinctID); err != nil {
			return fmt.Errorf("scan moved distinct id: %w", err)
		}
		moved = append(moved, distinctID)
	}
	if err := rows.Err(); err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("move distinct ids: %w", ErrRaceCondition)
		}
		return fmt.Errorf("move distinct ids: %w", err)
	}

	for _, distinctID := range moved {
		s.queueDistinctIDMessage(ctx, into, distinctID)
	}
	return nil
}

// ReassignCohorts moves cohort memberships from one person to another
// during a merge.
func (s *Store) ReassignCohorts(ctx context.Context, from, into *Person) error {
	sql := `UPDATE posthog_cohortpeople SET person_id = $1 WHERE person_id = $2`
	if _, err := s.db.Pool().Exec(ctx, sql, into.ID, from.ID); err != nil {
		return fmt.Errorf("reassign cohorts: %w", err)
	}
	return nil
}

// IncrementProperties applies atomic numeric increments to the person's
// properties and returns the resulting property map. Keys absent from the
// properties start at zero.
func (s *Store) IncrementProperties(ctx context.Context, p *Person, increments map[string]float64) (event.Properties, error) {
	var raw []byte
	for key, delta := range increments {
		sql := `
			UPDATE posthog_person
			SET properties = jsonb_set(
				properties,
				ARRAY[$2],
				to_jsonb(COALESCE((properties ->> $2)::numeric, 0) + $3)
			)
			WHERE id = $1
			RETURNING properties
		`
		if err := s.db.Pool().QueryRow(ctx, sql, p.ID, key, delta).Scan(&raw); err != nil {
			return nil, fmt.Errorf("increment property %q: %w", key, err)
		}
	}

	if raw == nil {
		return p.Properties, nil
	}
	var props event.Properties
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("unmarshal incremented properties: %w", err)
	}
	return props, nil
}

// personMessage is the log-sink mirror of a person row.
type personMessage struct {
	ID           string `json:"id"`
	CreatedAt    string `json:"created_at"`
	TeamID       int64  `json:"team_id"`
	Properties   string `json:"properties"`
	IsIdentified bool   `json:"is_identified"`
	IsDeleted    int    `json:"is_deleted"`
}

// distinctIDMessage is the log-sink mirror of a distinct-id row.
type distinctIDMessage struct {
	ID         string `json:"id"`
	DistinctID string `json:"distinct_id"`
	PersonID   string `json:"person_id"`
	TeamID     int64  `json:"team_id"`
}

func (s *Store) queuePersonMessage(ctx context.Context, p *Person, deleted bool) {
	if s.producer == nil {
		return
	}
	props, err := json.Marshal(p.Properties)
	if err != nil {
		props = []byte("{}")
	}
	msg := personMessage{
		ID:           p.UUID.String(),
		CreatedAt:    timestamp.FormatLog(p.CreatedAt),
		TeamID:       p.TeamID,
		Properties:   string(props),
		IsIdentified: p.IsIdentified,
	}
	if deleted {
		msg.IsDeleted = 1
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.producer.Queue(ctx, kafka.TopicPerson, []kafka.Message{
		{Key: []byte(p.UUID.String()), Value: value},
	})
}

func (s *Store) queueDistinctIDMessage(ctx context.Context, p *Person, distinctID string) {
	if s.producer == nil {
		return
	}
	id := ident.MustNew()
	value, err := json.Marshal(distinctIDMessage{
		ID:         id.String(),
		DistinctID: distinctID,
		PersonID:   p.UUID.String(),
		TeamID:     p.TeamID,
	})
	if err != nil {
		return
	}
	s.producer.Queue(ctx, kafka.TopicPersonDistinctID, []kafka.Message{
		{Key: []byte(id.String()), Value: value},
	})
}

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	var props []byte
	if err := row.Scan(&p.ID, &p.UUID, &p.TeamID, &p.CreatedAt, &props, &p.IsIdentified, &p.IsUserID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(props, &p.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal person properties: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
