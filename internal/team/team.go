// Package team provides read-only replication of per-team configuration and
// the event/property definition registry.
package team

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/platform/storage"
)

// ErrUnknownTeam is returned when an event references a team that does not
// exist.
var ErrUnknownTeam = errors.New("unknown team")

// Team is per-team ingestion configuration. Read-only from the core's
// perspective except for the first-event marker.
type Team struct {
	ID                    int64
	OrganizationID        *uuid.UUID
	Name                  string
	APIToken              string
	AnonymizeIPs          bool
	SessionRecordingOptIn bool
	IngestedEvent         bool
}

// Organization groups teams; only fetched, never mutated here.
type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func fetchTeam(ctx context.Context, db *storage.DB, teamID int64) (*Team, error) {
	sql := `
		SELECT id, organization_id, name, api_token, anonymize_ips,
		       session_recording_opt_in, ingested_event
		FROM posthog_team
		WHERE id = $1
	`

	var t Team
	err := db.Pool().QueryRow(ctx, sql, teamID).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.APIToken, &t.AnonymizeIPs,
		&t.SessionRecordingOptIn, &t.IngestedEvent,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query team: %w", err)
	}

	return &t, nil
}

// FetchOrganization loads an organization by id.
func FetchOrganization(ctx context.Context, db *storage.DB, id uuid.UUID) (*Organization, error) {
	sql := `
		SELECT id, name, created_at, updated_at
		FROM posthog_organization
		WHERE id = $1
	`

	var org Organization
	err := db.Pool().QueryRow(ctx, sql, id).Scan(
		&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query organization: %w", err)
	}

	return &org, nil
}
