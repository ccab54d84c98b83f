package identity

import (
	"context"
	"fmt"
	"reflect"

	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/person"
)

// UpdateProperties applies $set, $set_once and $increment semantics to the
// person behind (teamID, distinctID), creating the person when absent.
//
// Merge order: $set_once only fills keys absent from the existing
// properties, and $set wins over both. Increments are applied atomically
// in the row store so racing workers cannot lose updates.
func (r *Resolver) UpdateProperties(ctx context.Context, teamID int64, distinctID string, set, setOnce, increments event.Properties) error {
	p, err := r.createOrFetch(ctx, teamID, distinctID, false)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("person for %q vanished during property update", distinctID)
	}

	newProps := event.Properties{}
	for k, v := range setOnce {
		newProps[k] = v
	}
	for k, v := range p.Properties {
		newProps[k] = v
	}
	for k, v := range set {
		newProps[k] = v
	}

	numeric := numericIncrements(increments)
	if len(numeric) > 0 {
		result, err := r.store.IncrementProperties(ctx, p, numeric)
		if err != nil {
			return err
		}
		for k := range numeric {
			if v, ok := result[k]; ok {
				newProps[k] = v
			}
		}
	}

	// Skip the no-op write, unless increments happened and a log sink is
	// configured: the sink only learns about the increment through the
	// update's mirror message.
	if reflect.DeepEqual(newProps, p.Properties) && (!r.mirrorToLog || len(numeric) == 0) {
		return nil
	}

	if _, err := r.store.Update(ctx, p, person.Patch{Properties: &newProps}); err != nil {
		return fmt.Errorf("update person properties: %w", err)
	}
	return nil
}

// numericIncrements filters increments down to numeric values. Non-numeric
// increment values are ignored rather than failing the event.
func numericIncrements(increments event.Properties) map[string]float64 {
	if len(increments) == 0 {
		return nil
	}
	out := make(map[string]float64, len(increments))
	for k, v := range increments {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
