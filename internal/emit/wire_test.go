package emit

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCanonicalWireRoundTrip(t *testing.T) {
	ev := &CanonicalEvent{
		UUID:          uuid.MustParse("0190a6a1-3b5c-7def-8123-456789abcdef"),
		Event:         "pageview",
		Properties:    `{"$browser":"Firefox","count":3}`,
		Timestamp:     time.Date(2024, 1, 1, 12, 30, 45, 123456000, time.UTC),
		TeamID:        42,
		DistinctID:    "user-1",
		ElementsChain: `a.btn:text="Sign up"`,
		CreatedAt:     time.Date(2024, 1, 1, 12, 30, 46, 654321000, time.UTC),
	}

	decoded, err := DecodeCanonical(EncodeCanonical(ev))
	if err != nil {
		t.Fatalf("DecodeCanonical failed: %v", err)
	}

	if decoded.UUID != ev.UUID {
		t.Errorf("UUID = %v, want %v", decoded.UUID, ev.UUID)
	}
	if decoded.Event != ev.Event {
		t.Errorf("Event = %q", decoded.Event)
	}
	if decoded.Properties != ev.Properties {
		t.Errorf("Properties = %q", decoded.Properties)
	}
	if decoded.TeamID != ev.TeamID {
		t.Errorf("TeamID = %d", decoded.TeamID)
	}
	if decoded.DistinctID != ev.DistinctID {
		t.Errorf("DistinctID = %q", decoded.DistinctID)
	}
	if decoded.ElementsChain != ev.ElementsChain {
		t.Errorf("ElementsChain = %q", decoded.ElementsChain)
	}

	// Microsecond precision must survive the wire format.
	if !decoded.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, ev.Timestamp)
	}
	if !decoded.CreatedAt.Equal(ev.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", decoded.CreatedAt, ev.CreatedAt)
	}
}

func TestDecodeCanonicalRejectsGarbage(t *testing.T) {
	if _, err := DecodeCanonical([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestEncodeCanonicalEmptyFields(t *testing.T) {
	ev := &CanonicalEvent{
		UUID:      uuid.New(),
		Event:     "e",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	decoded, err := DecodeCanonical(EncodeCanonical(ev))
	if err != nil {
		t.Fatalf("DecodeCanonical failed: %v", err)
	}
	if decoded.ElementsChain != "" || decoded.DistinctID != "" {
		t.Errorf("empty fields did not survive: %+v", decoded)
	}
}
