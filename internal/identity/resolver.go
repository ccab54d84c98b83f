// Package identity implements distinct-id resolution: $identify and
// $create_alias handling, lazy person creation, and the person merge
// protocol. It is the sole writer of person and distinct-id state.
//
// Nothing here takes locks across workers. Peer workers race freely and
// the protocols converge through the row store's unique constraints:
// optimistic creation, catch the violation, re-observe, retry a bounded
// number of times.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/person"
	"github.com/meridianhq/meridian/internal/report"
)

// MaxMergeAttempts caps the merge protocol's retries, counted across both
// race-driven alias restarts and delete-failure loop iterations.
const MaxMergeAttempts = 3

// Store is the person state surface the resolver drives. *person.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	FetchByDistinctID(ctx context.Context, teamID int64, distinctID string) (*person.Person, error)
	Create(ctx context.Context, params person.CreateParams) (*person.Person, error)
	Update(ctx context.Context, p *person.Person, patch person.Patch) (*person.Person, error)
	Delete(ctx context.Context, p *person.Person) error
	AddDistinctID(ctx context.Context, p *person.Person, distinctID string) error
	MoveDistinctIDs(ctx context.Context, from, into *person.Person) error
	ReassignCohorts(ctx context.Context, from, into *person.Person) error
	IncrementProperties(ctx context.Context, p *person.Person, increments map[string]float64) (event.Properties, error)
}

// Resolver applies identity semantics on top of a Store.
type Resolver struct {
	store    Store
	reporter report.Reporter
	// mirrorToLog mirrors the deployment's log-sink presence; it changes
	// when a no-op property write may be skipped.
	mirrorToLog bool
	now         func() time.Time
}

// NewResolver creates a Resolver. reporter receives swallowed errors;
// mirrorToLog must be true when a log producer is configured.
func NewResolver(store Store, reporter report.Reporter, mirrorToLog bool) *Resolver {
	if reporter == nil {
		reporter = report.NewLogReporter(nil)
	}
	return &Resolver{
		store:       store,
		reporter:    reporter,
		mirrorToLog: mirrorToLog,
		now:         time.Now,
	}
}

// HandleIdentifyOrAlias dispatches the identity side effects of an event.
// Events other than $identify and $create_alias do no identity work here;
// the capture path ensures the person exists.
func (r *Resolver) HandleIdentifyOrAlias(ctx context.Context, eventName string, properties event.Properties, distinctID string, teamID int64) error {
	switch eventName {
	case event.NameCreateAlias:
		aliasID, ok := properties["alias"].(string)
		if !ok || aliasID == "" {
			return nil
		}
		return r.alias(ctx, aliasID, distinctID, teamID, true, 0)

	case event.NameIdentify:
		if anonID, ok := properties["$anon_distinct_id"].(string); ok && anonID != "" {
			if err := r.alias(ctx, anonID, distinctID, teamID, true, 0); err != nil {
				return err
			}
		}
		return r.setIsIdentified(ctx, teamID, distinctID)
	}

	return nil
}

// alias links previousID and nextID to the same person, merging their
// persons when both already exist. retry controls the single allowed
// restart after a unique violation; attempts is the merge budget consumed
// so far.
func (r *Resolver) alias(ctx context.Context, previousID, nextID string, teamID int64, retry bool, attempts int) error {
	prevPerson, err := r.store.FetchByDistinctID(ctx, teamID, previousID)
	if err != nil {
		return fmt.Errorf("fetch person for %q: %w", previousID, err)
	}
	nextPerson, err := r.store.FetchByDistinctID(ctx, teamID, nextID)
	if err != nil {
		return fmt.Errorf("fetch person for %q: %w", nextID, err)
	}

	switch {
	case prevPerson != nil && nextPerson == nil:
		err := r.store.AddDistinctID(ctx, prevPerson, nextID)
		return r.retryAliasOnRace(ctx, err, previousID, nextID, teamID, retry, attempts)

	case prevPerson == nil && nextPerson != nil:
		err := r.store.AddDistinctID(ctx, nextPerson, previousID)
		return r.retryAliasOnRace(ctx, err, previousID, nextID, teamID, retry, attempts)

	case prevPerson == nil && nextPerson == nil:
		_, err := r.store.Create(ctx, person.CreateParams{
			CreatedAt:   r.now().UTC(),
			Properties:  event.Properties{},
			TeamID:      teamID,
			UUID:        ident.MustNew(),
			DistinctIDs: []string{previousID, nextID},
		})
		return r.retryAliasOnRace(ctx, err, previousID, nextID, teamID, retry, attempts)

	case prevPerson.ID == nextPerson.ID:
		return nil

	default:
		return r.mergePeople(ctx, nextPerson, prevPerson, previousID, nextID, teamID, attempts)
	}
}

// retryAliasOnRace implements the retry-once rule: on a unique violation
// the alias restarts once, non-retrying, to re-observe state. A violation
// on the restarted attempt means a peer already produced the desired
// linkage; it is swallowed and reported.
func (r *Resolver) retryAliasOnRace(ctx context.Context, err error, previousID, nextID string, teamID int64, retry bool, attempts int) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, person.ErrRaceCondition) {
		return err
	}
	if retry {
		return r.alias(ctx, previousID, nextID, teamID, false, attempts)
	}
	r.reporter.Report(ctx, fmt.Errorf("alias %q -> %q lost race twice: %w", previousID, nextID, err), nil)
	return nil
}

// mergePeople folds other into mergeInto: properties (into wins),
// first-seen timestamp, cohort memberships, then the distinct-ids. Moving
// the distinct-ids and deleting the loser span multiple transactions, so
// peers can interleave; the loop re-observes through bounded retries.
func (r *Resolver) mergePeople(ctx context.Context, mergeInto, other *person.Person, previousID, nextID string, teamID int64, attempts int) error {
	mergedProps := event.Properties{}
	for k, v := range other.Properties {
		mergedProps[k] = v
	}
	for k, v := range mergeInto.Properties {
		mergedProps[k] = v
	}

	firstSeen := mergeInto.CreatedAt
	if other.CreatedAt.Before(firstSeen) {
		firstSeen = other.CreatedAt
	}

	mergeInto, err := r.store.Update(ctx, mergeInto, person.Patch{
		CreatedAt:  &firstSeen,
		Properties: &mergedProps,
	})
	if err != nil {
		return fmt.Errorf("update merged person: %w", err)
	}

	if err := r.store.ReassignCohorts(ctx, other, mergeInto); err != nil {
		return err
	}

	for {
		err := r.store.MoveDistinctIDs(ctx, other, mergeInto)
		if errors.Is(err, person.ErrRaceCondition) {
			// A peer created a distinct-id row on the loser between our
			// fetch and the move. Re-observe the whole state through a
			// fresh, non-retrying alias if budget remains.
			if attempts+1 >= MaxMergeAttempts {
				return fmt.Errorf("merge people: attempts exhausted: %w", err)
			}
			return r.alias(ctx, previousID, nextID, teamID, false, attempts+1)
		}
		if err != nil {
			return err
		}

		err = r.store.Delete(ctx, other)
		if err == nil {
			return nil
		}
		if errors.Is(err, person.ErrRaceCondition) {
			attempts++
			if attempts >= MaxMergeAttempts {
				return fmt.Errorf("merge people: attempts exhausted: %w", err)
			}
			// Some distinct-id was added concurrently; move it too.
			slog.Debug("merge delete raced, retrying",
				"team_id", teamID,
				"other_person", other.ID,
				"attempts", attempts,
			)
			continue
		}
		return err
	}
}

// CreatePersonIfMissing optimistically creates a person with empty
// properties for a first-seen distinct-id. Losing the create race to a
// peer is not an error: the peer's person serves.
func (r *Resolver) CreatePersonIfMissing(ctx context.Context, teamID int64, distinctID string, personUUID uuid.UUID, createdAt time.Time) error {
	_, err := r.store.Create(ctx, person.CreateParams{
		CreatedAt:   createdAt.UTC(),
		Properties:  event.Properties{},
		TeamID:      teamID,
		UUID:        personUUID,
		DistinctIDs: []string{distinctID},
	})
	if err != nil && !errors.Is(err, person.ErrRaceCondition) {
		return err
	}
	return nil
}

// setIsIdentified marks the person behind (teamID, distinctID) as
// identified, creating it when absent.
func (r *Resolver) setIsIdentified(ctx context.Context, teamID int64, distinctID string) error {
	p, err := r.createOrFetch(ctx, teamID, distinctID, true)
	if err != nil {
		return err
	}
	if p == nil || p.IsIdentified {
		return nil
	}
	identified := true
	if _, err := r.store.Update(ctx, p, person.Patch{IsIdentified: &identified}); err != nil {
		return fmt.Errorf("set is_identified: %w", err)
	}
	return nil
}

// createOrFetch returns the person for (teamID, distinctID), creating one
// with empty properties when absent. Optimistic creation is the
// synchronization primitive: a unique violation means a peer won, so the
// loser re-fetches.
func (r *Resolver) createOrFetch(ctx context.Context, teamID int64, distinctID string, isIdentified bool) (*person.Person, error) {
	p, err := r.store.FetchByDistinctID(ctx, teamID, distinctID)
	if err != nil {
		return nil, fmt.Errorf("fetch person: %w", err)
	}
	if p != nil {
		return p, nil
	}

	p, err = r.store.Create(ctx, person.CreateParams{
		CreatedAt:    r.now().UTC(),
		Properties:   event.Properties{},
		TeamID:       teamID,
		IsIdentified: isIdentified,
		UUID:         ident.MustNew(),
		DistinctIDs:  []string{distinctID},
	})
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, person.ErrRaceCondition) {
		return nil, err
	}

	p, fetchErr := r.store.FetchByDistinctID(ctx, teamID, distinctID)
	if fetchErr != nil {
		return nil, fmt.Errorf("re-fetch person after lost create race: %w", fetchErr)
	}
	return p, nil
}
