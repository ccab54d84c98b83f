package emit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/element"
	"github.com/meridianhq/meridian/internal/platform/storage"
)

// RowSink writes canonical events and session recordings to the relational
// row store. It is used when no log producer is configured.
type RowSink struct {
	db *storage.DB
}

// NewRowSink creates a RowSink over db.
func NewRowSink(db *storage.DB) *RowSink {
	return &RowSink{db: db}
}

// InsertEvent stores a canonical event row, content-addressing its element
// group first, and returns the row id.
func (r *RowSink) InsertEvent(ctx context.Context, ev *CanonicalEvent, siteURL string, elements []element.Element) (int64, error) {
	var elementsHash *string
	if len(elements) > 0 {
		hash, err := r.saveElementGroup(ctx, ev.TeamID, elements)
		if err != nil {
			return 0, err
		}
		elementsHash = &hash
	}

	sql := `
		INSERT INTO posthog_event (event, properties, timestamp, team_id, distinct_id, elements_hash, created_at, site_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err := r.db.Pool().QueryRow(ctx, sql,
		ev.Event, ev.Properties, ev.Timestamp, ev.TeamID, ev.DistinctID,
		elementsHash, ev.CreatedAt, nullable(siteURL),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// saveElementGroup inserts the content-addressed element group for the
// ordered element list, returning its hash. Groups are immutable: when a
// peer inserted the same hash first, the unique violation is absorbed and
// the existing group serves.
func (r *RowSink) saveElementGroup(ctx context.Context, teamID int64, elements []element.Element) (string, error) {
	hash := element.HashOf(elements)

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var groupID int64
		insert := `INSERT INTO posthog_elementgroup (hash, team_id) VALUES ($1, $2) RETURNING id`
		if err := tx.QueryRow(ctx, insert, hash, teamID).Scan(&groupID); err != nil {
			return fmt.Errorf("insert element group: %w", err)
		}

		for _, el := range elements {
			attrs, err := json.Marshal(el.Attributes)
			if err != nil {
				return fmt.Errorf("marshal element attributes: %w", err)
			}
			insertEl := `
				INSERT INTO posthog_element (tag_name, text, href, attr_id, attr_class, nth_child, nth_of_type, attributes, "order", group_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`
			if _, err := tx.Exec(ctx, insertEl,
				nullable(el.TagName), nullable(el.Text), nullable(el.Href), nullable(el.AttrID),
				el.AttrClass, el.NthChild, el.NthOfType, attrs, el.Order, groupID,
			); err != nil {
				return fmt.Errorf("insert element: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return hash, nil
		}
		return "", err
	}
	return hash, nil
}

// InsertSnapshot stores a session-recording event row.
func (r *RowSink) InsertSnapshot(ctx context.Context, s *SessionRecording) error {
	data, err := json.Marshal(s.SnapshotData)
	if err != nil {
		return fmt.Errorf("marshal snapshot data: %w", err)
	}
	sql := `
		INSERT INTO posthog_sessionrecordingevent (uuid, team_id, distinct_id, session_id, snapshot_data, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.Pool().Exec(ctx, sql,
		s.UUID, s.TeamID, s.DistinctID, s.SessionID, data, s.Timestamp, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session recording: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
