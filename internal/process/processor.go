// Package process orchestrates the per-event pipeline: sanitize, resolve
// the canonical timestamp, run identity resolution, then capture and emit.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/meridianhq/meridian/internal/emit"
	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/report"
	"github.com/meridianhq/meridian/internal/timestamp"
)

// watchdogTimeout is how long a single event may process before a warning
// is logged. The watchdog never cancels work; it only makes slow events
// visible.
const watchdogTimeout = 30 * time.Second

// IdentityResolver handles the identity side effects of an event.
// *identity.Resolver satisfies it.
type IdentityResolver interface {
	HandleIdentifyOrAlias(ctx context.Context, eventName string, properties event.Properties, distinctID string, teamID int64) error
}

// Sink canonicalizes and publishes processed events. *emit.Emitter
// satisfies it.
type Sink interface {
	Capture(ctx context.Context, in emit.CaptureInput) (*emit.CanonicalEvent, int64, error)
	CaptureSnapshot(ctx context.Context, in emit.SnapshotInput) error
}

// Processor runs the per-event state machine.
type Processor struct {
	resolver IdentityResolver
	emitter  Sink
	reporter report.Reporter
	metrics  *Metrics
	now      func() time.Time
}

// NewProcessor wires a Processor. reporter receives swallowed identity
// errors; metrics may not be nil.
func NewProcessor(resolver IdentityResolver, emitter Sink, reporter report.Reporter, metrics *Metrics) *Processor {
	if reporter == nil {
		reporter = report.NewLogReporter(nil)
	}
	return &Processor{
		resolver: resolver,
		emitter:  emitter,
		reporter: reporter,
		metrics:  metrics,
		now:      time.Now,
	}
}

// ProcessEvent runs one raw event through the pipeline. Identity failures
// are reported and swallowed so the event still records; capture and emit
// failures propagate so the delivery layer can retry.
func (p *Processor) ProcessEvent(ctx context.Context, ev *event.PluginEvent) (*emit.CanonicalEvent, error) {
	eventUUID, err := ident.Parse(ev.UUID)
	if err != nil {
		return nil, err
	}

	start := p.now()
	stopWatchdog := p.watchdog("processEvent", ev)
	defer stopWatchdog()

	props := ev.Properties
	if props == nil {
		props = event.Properties{}
	}
	if len(ev.Set) > 0 {
		props["$set"] = ev.Set
	}
	if len(ev.SetOnce) > 0 {
		props["$set_once"] = ev.SetOnce
	}
	if len(ev.Increment) > 0 {
		props["$increment"] = ev.Increment
	}

	// Only used if the capture path has to lazily create the person.
	personUUID := ident.MustNew()

	now := p.now().UTC()
	if ev.Now != "" {
		if parsed, err := timestamp.Parse(ev.Now); err == nil {
			now = parsed.UTC()
		}
	}

	ts, advisory := timestamp.Reconcile(timestamp.Input{
		Timestamp: ev.Timestamp,
		SentAt:    ev.SentAt,
		Offset:    ev.Offset,
		Now:       now,
	})
	if advisory != nil {
		p.reporter.Report(ctx, advisory, ev)
	}

	func() {
		stopIdentity := p.watchdog("handleIdentifyOrAlias", ev)
		defer stopIdentity()
		if err := p.resolver.HandleIdentifyOrAlias(ctx, ev.Event, props, ev.DistinctID, ev.TeamID); err != nil {
			// Identity is best-effort: the event itself must still record.
			p.metrics.IdentityErrors.Inc()
			p.reporter.Report(ctx, fmt.Errorf("identity resolution: %w", err), ev)
		}
	}()

	teamLabel := strconv.FormatInt(ev.TeamID, 10)

	if ev.Event == event.NameSnapshot {
		sessionID, _ := props["$session_id"].(string)
		err := p.emitter.CaptureSnapshot(ctx, emit.SnapshotInput{
			EventUUID:    eventUUID,
			PersonUUID:   personUUID,
			DistinctID:   ev.DistinctID,
			IP:           ev.IP,
			TeamID:       ev.TeamID,
			Timestamp:    ts,
			SessionID:    sessionID,
			SnapshotData: props["$snapshot_data"],
		})
		if err != nil {
			p.metrics.EventsFailed.WithLabelValues(teamLabel).Inc()
			return nil, err
		}
		p.metrics.EventsProcessed.WithLabelValues(teamLabel).Inc()
		p.metrics.ProcessDuration.WithLabelValues(teamLabel).Observe(p.now().Sub(start).Seconds())
		return nil, nil
	}

	canonical, _, err := p.emitter.Capture(ctx, emit.CaptureInput{
		EventUUID:  eventUUID,
		PersonUUID: personUUID,
		DistinctID: ev.DistinctID,
		IP:         ev.IP,
		SiteURL:    ev.SiteURL,
		TeamID:     ev.TeamID,
		Timestamp:  ts,
		Name:       ev.Event,
		Properties: props,
	})
	if err != nil {
		p.metrics.EventsFailed.WithLabelValues(teamLabel).Inc()
		return nil, err
	}

	p.metrics.EventsProcessed.WithLabelValues(teamLabel).Inc()
	p.metrics.ProcessDuration.WithLabelValues(teamLabel).Observe(p.now().Sub(start).Seconds())
	return canonical, nil
}

// watchdog logs a warning when the named step runs past the timeout. The
// returned stop function disarms it.
func (p *Processor) watchdog(step string, ev *event.PluginEvent) func() {
	timer := time.AfterFunc(watchdogTimeout, func() {
		slog.Warn("event processing exceeded watchdog",
			"step", step,
			"event", ev.Event,
			"event_uuid", ev.UUID,
			"team_id", ev.TeamID,
			"distinct_id", ev.DistinctID,
			"timeout", watchdogTimeout,
		)
	})
	return func() { timer.Stop() }
}
