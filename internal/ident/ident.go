// Package ident generates and validates the identifiers used throughout the
// ingestion pipeline. Event and person UUIDs are v7 (time-ordered) so that
// downstream stores that sort by id keep rough insertion order.
package ident

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidUUID is returned when an externally supplied identifier does not
// parse as a UUID.
var ErrInvalidUUID = errors.New("invalid uuid")

// New returns a fresh time-ordered (v7) UUID.
func New() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid: %w", err)
	}
	return id, nil
}

// MustNew is New for call sites where id generation cannot reasonably fail.
func MustNew() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Parse validates an externally supplied identifier.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidUUID, s)
	}
	return id, nil
}
