package emit

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/timestamp"
)

// CanonicalEvent is the post-processing event representation written to a
// sink. Timestamps are formatted per sink at write time: microsecond
// precision for the log sink, ISO-8601 for the row sink.
type CanonicalEvent struct {
	UUID          uuid.UUID
	Event         string
	Properties    string // JSON
	Timestamp     time.Time
	TeamID        int64
	DistinctID    string
	ElementsChain string
	CreatedAt     time.Time
}

// Wire field numbers for the log-sink binary encoding.
const (
	fieldUUID          = 1
	fieldEvent         = 2
	fieldProperties    = 3
	fieldTimestamp     = 4
	fieldTeamID        = 5
	fieldDistinctID    = 6
	fieldElementsChain = 7
	fieldCreatedAt     = 8
)

// EncodeCanonical serializes ev to the length-delimited binary schema
// published on the events topic.
func EncodeCanonical(ev *CanonicalEvent) []byte {
	var b []byte
	b = appendStringField(b, fieldUUID, ev.UUID.String())
	b = appendStringField(b, fieldEvent, ev.Event)
	b = appendStringField(b, fieldProperties, ev.Properties)
	b = appendStringField(b, fieldTimestamp, timestamp.FormatLog(ev.Timestamp))
	b = protowire.AppendTag(b, fieldTeamID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.TeamID))
	b = appendStringField(b, fieldDistinctID, ev.DistinctID)
	b = appendStringField(b, fieldElementsChain, ev.ElementsChain)
	b = appendStringField(b, fieldCreatedAt, timestamp.FormatLog(ev.CreatedAt))
	return b
}

// DecodeCanonical parses the wire encoding back into a CanonicalEvent.
func DecodeCanonical(data []byte) (*CanonicalEvent, error) {
	var ev CanonicalEvent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("consume field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]

			switch num {
			case fieldUUID:
				id, err := uuid.Parse(s)
				if err != nil {
					return nil, fmt.Errorf("parse event uuid: %w", err)
				}
				ev.UUID = id
			case fieldEvent:
				ev.Event = s
			case fieldProperties:
				ev.Properties = s
			case fieldTimestamp:
				t, err := timestamp.ParseLog(s)
				if err != nil {
					return nil, err
				}
				ev.Timestamp = t
			case fieldDistinctID:
				ev.DistinctID = s
			case fieldElementsChain:
				ev.ElementsChain = s
			case fieldCreatedAt:
				t, err := timestamp.ParseLog(s)
				if err != nil {
					return nil, err
				}
				ev.CreatedAt = t
			}

		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("consume field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldTeamID {
				ev.TeamID = int64(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return &ev, nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
