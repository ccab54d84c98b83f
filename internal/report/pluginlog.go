package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/platform/kafka"
	"github.com/meridianhq/meridian/internal/platform/storage"
)

// PluginLogEntry is one log line emitted by user-supplied transform code.
type PluginLogEntry struct {
	ID         uuid.UUID `json:"id"`
	TeamID     int64     `json:"team_id"`
	PluginID   int64     `json:"plugin_id"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	InstanceID uuid.UUID `json:"instance_id"`
}

// PluginLogStore persists plugin log entries to the row store and mirrors
// them to the log sink when a producer is configured.
type PluginLogStore struct {
	db       *storage.DB
	producer *kafka.Producer
}

// NewPluginLogStore creates a PluginLogStore. producer may be nil.
func NewPluginLogStore(db *storage.DB, producer *kafka.Producer) *PluginLogStore {
	return &PluginLogStore{db: db, producer: producer}
}

// Write stores one entry. The entry id and timestamp are filled in when
// zero.
func (s *PluginLogStore) Write(ctx context.Context, entry PluginLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = ident.MustNew()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	sql := `
		INSERT INTO posthog_pluginlogentry (
			id, team_id, plugin_id, timestamp, source, type, message, instance_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Pool().Exec(ctx, sql,
		entry.ID, entry.TeamID, entry.PluginID, entry.Timestamp,
		entry.Source, entry.Type, entry.Message, entry.InstanceID,
	)
	if err != nil {
		return fmt.Errorf("insert plugin log entry: %w", err)
	}

	if s.producer != nil {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal plugin log entry: %w", err)
		}
		s.producer.Queue(ctx, kafka.TopicPluginLogEntries, []kafka.Message{
			{Key: []byte(entry.ID.String()), Value: payload},
		})
	}

	return nil
}
