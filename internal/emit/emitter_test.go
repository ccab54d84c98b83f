package emit

import (
	"strings"
	"testing"

	"github.com/meridianhq/meridian/internal/event"
)

func TestSanitizeEventName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "pageview", "pageview"},
		{"nul bytes stripped", "page\u0000view", "pageview"},
		{"capped", strings.Repeat("x", 300), strings.Repeat("x", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeEventName(tt.input); got != tt.want {
				t.Errorf("sanitizeEventName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInjectFirstTouch(t *testing.T) {
	props := event.Properties{
		"utm_source": "newsletter",
		"$referrer":  "https://example.com",
		"unrelated":  "x",
	}

	injectFirstTouch(props)

	setOnce, ok := props["$set_once"].(map[string]any)
	if !ok {
		t.Fatal("expected $set_once to be populated")
	}
	if setOnce["$initial_utm_source"] != "newsletter" {
		t.Errorf("$initial_utm_source = %v", setOnce["$initial_utm_source"])
	}
	if setOnce["$initial_referrer"] != "https://example.com" {
		t.Errorf("$initial_referrer = %v", setOnce["$initial_referrer"])
	}
	if _, present := setOnce["$initial_unrelated"]; present {
		t.Error("unrelated keys must not be promoted")
	}
}

func TestInjectFirstTouchKeepsExistingSetOnce(t *testing.T) {
	props := event.Properties{
		"utm_source": "ads",
		"$set_once":  map[string]any{"$initial_utm_source": "organic"},
	}

	injectFirstTouch(props)

	setOnce := props["$set_once"].(map[string]any)
	if setOnce["$initial_utm_source"] != "organic" {
		t.Errorf("existing first-touch value overwritten: %v", setOnce["$initial_utm_source"])
	}
}

func TestInjectFirstTouchNoKeys(t *testing.T) {
	props := event.Properties{"plain": "value"}
	injectFirstTouch(props)

	if _, present := props["$set_once"]; present {
		t.Error("$set_once must not appear without first-touch keys")
	}
}

func TestSubMap(t *testing.T) {
	props := event.Properties{
		"$set":  map[string]any{"a": 1},
		"other": "string",
	}

	if m := subMap(props, "$set"); m == nil || m["a"] != 1 {
		t.Errorf("subMap($set) = %v", m)
	}
	if m := subMap(props, "other"); m != nil {
		t.Errorf("subMap(other) = %v, want nil for non-map", m)
	}
	if m := subMap(props, "absent"); m != nil {
		t.Errorf("subMap(absent) = %v, want nil", m)
	}
}
