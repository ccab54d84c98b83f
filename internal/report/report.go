// Package report is the error sink for swallowed failures. Identity
// resolution errors do not fail the event they occurred in, but every one
// of them is reported here with the offending event attached.
package report

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/meridianhq/meridian/internal/event"
)

// Reporter receives errors that were swallowed to keep an event recording.
type Reporter interface {
	Report(ctx context.Context, err error, ev *event.PluginEvent)
}

// LogReporter reports to the structured log.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter returns a Reporter backed by logger, or the default logger
// when nil.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Report logs the error with the offending event attached.
func (r *LogReporter) Report(ctx context.Context, err error, ev *event.PluginEvent) {
	attrs := []any{"error", err}
	if ev != nil {
		payload, mErr := json.Marshal(ev)
		if mErr != nil {
			attrs = append(attrs, "event_uuid", ev.UUID, "team_id", ev.TeamID)
		} else {
			attrs = append(attrs, "event", string(payload))
		}
	}
	r.logger.ErrorContext(ctx, "swallowed ingestion error", attrs...)
}
