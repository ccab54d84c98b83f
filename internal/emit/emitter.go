// Package emit canonicalizes processed events and publishes them to the
// configured sink: the partitioned log when a producer is present, the
// relational row store otherwise.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/element"
	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/platform/kafka"
	"github.com/meridianhq/meridian/internal/team"
	"github.com/meridianhq/meridian/internal/timestamp"
)

const maxEventNameLength = 200

// PersonChecker is the "is this distinct-id new?" surface of the person
// manager. *person.Manager satisfies it.
type PersonChecker interface {
	IsNew(ctx context.Context, teamID int64, distinctID string) (bool, error)
	MarkSeen(ctx context.Context, teamID int64, distinctID string)
}

// IdentityWriter is the slice of the identity resolver the capture path
// drives: lazy person creation and person-property updates.
// *identity.Resolver satisfies it.
type IdentityWriter interface {
	CreatePersonIfMissing(ctx context.Context, teamID int64, distinctID string, personUUID uuid.UUID, createdAt time.Time) error
	UpdateProperties(ctx context.Context, teamID int64, distinctID string, set, setOnce, increments event.Properties) error
}

// LogProducer queues messages on the partitioned log. *kafka.Producer
// satisfies it.
type LogProducer interface {
	Queue(ctx context.Context, topic string, messages []kafka.Message)
}

// Emitter owns canonical-event construction and sink publication.
type Emitter struct {
	teams    *team.Cache
	persons  PersonChecker
	resolver IdentityWriter
	producer LogProducer // log sink; nil on row-sink deployments
	rows     *RowSink    // row sink; nil when the log sink is configured
	now      func() time.Time
}

// NewEmitter creates an Emitter. Exactly one of producer and rows should be
// non-nil per deployment.
func NewEmitter(teams *team.Cache, persons PersonChecker, resolver IdentityWriter, producer LogProducer, rows *RowSink) *Emitter {
	return &Emitter{
		teams:    teams,
		persons:  persons,
		resolver: resolver,
		producer: producer,
		rows:     rows,
		now:      time.Now,
	}
}

// CaptureInput carries one sanitized event into capture.
type CaptureInput struct {
	EventUUID  uuid.UUID
	PersonUUID uuid.UUID
	DistinctID string
	IP         string
	SiteURL    string
	TeamID     int64
	Timestamp  time.Time
	Name       string
	Properties event.Properties
}

// Capture canonicalizes the event and publishes it. Returns the canonical
// event and, on the row sink, the inserted row id.
func (e *Emitter) Capture(ctx context.Context, in CaptureInput) (*CanonicalEvent, int64, error) {
	name := sanitizeEventName(in.Name)
	props := in.Properties
	if props == nil {
		props = event.Properties{}
	}

	var elements []element.Element
	if raw, ok := props["$elements"]; ok {
		delete(props, "$elements")
		if list, ok := raw.([]any); ok {
			elements = element.ParseAll(list)
		}
	}

	t, err := e.teams.Fetch(ctx, in.TeamID)
	if err != nil {
		return nil, 0, err
	}
	if t == nil {
		return nil, 0, fmt.Errorf("capture: %w: %d", team.ErrUnknownTeam, in.TeamID)
	}

	if in.IP != "" && !t.AnonymizeIPs {
		if _, present := props["$ip"]; !present {
			props["$ip"] = in.IP
		}
	}

	if err := e.teams.EnsureDefinitions(ctx, t, name, props); err != nil {
		return nil, 0, err
	}

	if err := e.ensurePersonExists(ctx, in.TeamID, in.DistinctID, in.PersonUUID, in.Timestamp); err != nil {
		return nil, 0, err
	}

	injectFirstTouch(props)

	set := subMap(props, "$set")
	setOnce := subMap(props, "$set_once")
	increment := subMap(props, "$increment")
	if len(set) > 0 || len(setOnce) > 0 || len(increment) > 0 {
		if err := e.resolver.UpdateProperties(ctx, in.TeamID, in.DistinctID, set, setOnce, increment); err != nil {
			return nil, 0, err
		}
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal event properties: %w", err)
	}

	canonical := &CanonicalEvent{
		UUID:          in.EventUUID,
		Event:         name,
		Properties:    string(propsJSON),
		Timestamp:     in.Timestamp.UTC(),
		TeamID:        in.TeamID,
		DistinctID:    in.DistinctID,
		ElementsChain: element.ChainString(elements),
		CreatedAt:     e.now().UTC(),
	}

	if e.producer != nil {
		e.producer.Queue(ctx, kafka.TopicEvents, []kafka.Message{
			{Key: []byte(canonical.UUID.String()), Value: EncodeCanonical(canonical)},
		})
		return canonical, 0, nil
	}

	rowID, err := e.rows.InsertEvent(ctx, canonical, in.SiteURL, elements)
	if err != nil {
		return nil, 0, err
	}
	return canonical, rowID, nil
}

// SessionRecording is a $snapshot event: raw replay data with no analytics
// semantics, emitted verbatim.
type SessionRecording struct {
	UUID         uuid.UUID `json:"uuid"`
	TeamID       int64     `json:"team_id"`
	DistinctID   string    `json:"distinct_id"`
	SessionID    string    `json:"session_id"`
	SnapshotData any       `json:"snapshot_data"`
	Timestamp    time.Time `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// snapshotMessage is the JSON published for a session recording; its
// timestamps use the log-sink layout.
type snapshotMessage struct {
	SessionRecording
	IP        string `json:"ip,omitempty"`
	Timestamp string `json:"timestamp"`
	CreatedAt string `json:"created_at"`
}

// SnapshotInput carries one $snapshot event.
type SnapshotInput struct {
	EventUUID    uuid.UUID
	PersonUUID   uuid.UUID
	DistinctID   string
	IP           string
	TeamID       int64
	Timestamp    time.Time
	SessionID    string
	SnapshotData any
}

// CaptureSnapshot publishes a session-recording event. No element
// extraction, no definition updates; the same IP anonymization rule as
// capture applies.
func (e *Emitter) CaptureSnapshot(ctx context.Context, in SnapshotInput) error {
	t, err := e.teams.Fetch(ctx, in.TeamID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("capture snapshot: %w: %d", team.ErrUnknownTeam, in.TeamID)
	}

	ip := in.IP
	if t.AnonymizeIPs {
		ip = ""
	}

	if err := e.ensurePersonExists(ctx, in.TeamID, in.DistinctID, in.PersonUUID, in.Timestamp); err != nil {
		return err
	}

	rec := SessionRecording{
		UUID:         in.EventUUID,
		TeamID:       in.TeamID,
		DistinctID:   in.DistinctID,
		SessionID:    in.SessionID,
		SnapshotData: in.SnapshotData,
		Timestamp:    in.Timestamp.UTC(),
		CreatedAt:    e.now().UTC(),
	}

	if e.producer != nil {
		value, err := json.Marshal(snapshotMessage{
			SessionRecording: rec,
			IP:               ip,
			Timestamp:        timestamp.FormatLog(rec.Timestamp),
			CreatedAt:        timestamp.FormatLog(rec.CreatedAt),
		})
		if err != nil {
			return fmt.Errorf("marshal session recording: %w", err)
		}
		e.producer.Queue(ctx, kafka.TopicSessionRecordings, []kafka.Message{
			{Key: []byte(rec.UUID.String()), Value: value},
		})
		return nil
	}

	return e.rows.InsertSnapshot(ctx, &rec)
}

// ensurePersonExists lazily creates a person on first sighting of a
// distinct-id. Creation goes through the identity resolver, which owns all
// person writes; a lost race is fine, the peer's person serves.
func (e *Emitter) ensurePersonExists(ctx context.Context, teamID int64, distinctID string, personUUID uuid.UUID, sentAt time.Time) error {
	isNew, err := e.persons.IsNew(ctx, teamID, distinctID)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}
	if err := e.resolver.CreatePersonIfMissing(ctx, teamID, distinctID, personUUID, sentAt); err != nil {
		return err
	}
	e.persons.MarkSeen(ctx, teamID, distinctID)
	return nil
}

// sanitizeEventName strips characters the sinks cannot store and caps the
// length.
func sanitizeEventName(name string) string {
	name = strings.ReplaceAll(name, "\u0000", "")
	if len(name) > maxEventNameLength {
		name = name[:maxEventNameLength]
	}
	return name
}

// firstTouchKeys are the acquisition properties recorded once per person
// under an $initial_ prefix.
var firstTouchKeys = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
	"$referrer", "$referring_domain", "gclid", "fbclid",
}

// injectFirstTouch copies acquisition properties into $set_once under
// $initial_ names, so the person keeps its first-touch attribution.
func injectFirstTouch(props event.Properties) {
	var setOnce event.Properties
	if existing, ok := props["$set_once"].(map[string]any); ok {
		setOnce = existing
	}
	for _, key := range firstTouchKeys {
		value, ok := props[key]
		if !ok {
			continue
		}
		initial := "$initial_" + strings.TrimPrefix(key, "$")
		if setOnce == nil {
			setOnce = event.Properties{}
		}
		if _, present := setOnce[initial]; !present {
			setOnce[initial] = value
		}
	}
	if len(setOnce) > 0 {
		props["$set_once"] = setOnce
	}
}

// subMap extracts a nested property map, tolerating absent or mistyped
// values.
func subMap(props event.Properties, key string) event.Properties {
	if m, ok := props[key].(map[string]any); ok {
		return m
	}
	return nil
}
