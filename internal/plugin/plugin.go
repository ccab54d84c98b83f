// Package plugin hosts user-supplied transformation code. The core treats
// a plugin as an opaque function transform(event) -> event | null running
// under a CPU budget; this package provides the WASM-backed implementation
// and the module loader.
package plugin

import (
	"context"
	"errors"

	"github.com/meridianhq/meridian/internal/event"
)

// ErrPlugin wraps failures inside user-supplied transform code. The caller
// decides whether the event continues untransformed or is dropped.
var ErrPlugin = errors.New("plugin error")

// Transformer applies user-supplied transformation to one event.
// A nil event with nil error means the plugin dropped the event.
type Transformer interface {
	Transform(ctx context.Context, ev *event.PluginEvent) (*event.PluginEvent, error)
	Close()
}

// Factory builds one Transformer per worker. Instances are never shared
// across workers.
type Factory func() (Transformer, error)

// Noop passes events through unchanged; used when no plugin is configured.
type Noop struct{}

// Transform returns the event as-is.
func (Noop) Transform(_ context.Context, ev *event.PluginEvent) (*event.PluginEvent, error) {
	return ev, nil
}

// Close is a no-op.
func (Noop) Close() {}
