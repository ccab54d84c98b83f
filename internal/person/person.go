// Package person owns the person and distinct-id entities: transactional
// CRUD against the row store with post-commit mirroring to the log sink.
package person

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/event"
)

// ErrRaceCondition marks a mutation that lost a race with a peer worker:
// a unique violation on insert, or a foreign key violation on delete. It is
// expected under at-least-once delivery and drives the identity protocols'
// retries; it is never reported as a failure by itself.
var ErrRaceCondition = errors.New("race condition: concurrent modification of identity state")

// Person is the canonical identity a set of distinct-ids collapses to.
// (team_id, uuid) is unique; a person has at least one distinct-id after
// its creating transaction commits.
type Person struct {
	ID           int64
	UUID         uuid.UUID
	TeamID       int64
	CreatedAt    time.Time
	Properties   event.Properties
	IsIdentified bool
	IsUserID     *int64
}

// DistinctID maps an opaque client identifier to a person.
// (team_id, distinct_id) is unique: a distinct-id belongs to exactly one
// person at any instant.
type DistinctID struct {
	ID         int64
	PersonID   int64
	DistinctID string
	TeamID     int64
}

// Patch carries the optional fields of a person update; nil fields are left
// untouched.
type Patch struct {
	Properties   *event.Properties
	CreatedAt    *time.Time
	IsIdentified *bool
}
