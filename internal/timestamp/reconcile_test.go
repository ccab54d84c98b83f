package timestamp

import (
	"testing"
	"time"
)

func TestReconcile(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	offset := func(ms int64) *int64 { return &ms }

	tests := []struct {
		name    string
		in      Input
		want    time.Time
		wantErr bool
	}{
		{
			name: "clock skew correction",
			in: Input{
				Timestamp: "2023-12-31T23:59:50Z",
				SentAt:    "2023-12-31T23:59:55Z",
				Now:       now,
			},
			// now + (timestamp - sent_at) = now - 5s
			want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "timestamp only",
			in: Input{
				Timestamp: "2023-12-31T12:00:00Z",
				Now:       now,
			},
			want: time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "timestamp without zone taken as utc",
			in: Input{
				Timestamp: "2023-12-31T12:00:00",
				Now:       now,
			},
			want: time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "offset",
			in: Input{
				Offset: offset(5000),
				Now:    now,
			},
			want: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "negative offset ignored",
			in: Input{
				Offset: offset(-100),
				Now:    now,
			},
			want: now,
		},
		{
			name: "nothing supplied",
			in:   Input{Now: now},
			want: now,
		},
		{
			name: "malformed sent_at falls through to timestamp",
			in: Input{
				Timestamp: "2023-12-31T12:00:00Z",
				SentAt:    "not-a-time",
				Now:       now,
			},
			want:    time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC),
			wantErr: true,
		},
		{
			name: "malformed timestamp falls through to offset",
			in: Input{
				Timestamp: "garbage",
				Offset:    offset(5000),
				Now:       now,
			},
			want:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			wantErr: true,
		},
		{
			name: "malformed everything falls back to now",
			in: Input{
				Timestamp: "garbage",
				SentAt:    "also garbage",
				Now:       now,
			},
			want:    now,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reconcile(tt.in)
			if tt.wantErr && err == nil {
				t.Error("expected advisory error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected advisory error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Reconcile() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	in := Input{
		Timestamp: "2023-12-31T23:59:50Z",
		SentAt:    "2023-12-31T23:59:55Z",
		Now:       time.Date(2024, 1, 1, 0, 0, 5, 123456000, time.UTC),
	}

	first, _ := Reconcile(in)
	second, _ := Reconcile(in)
	if !first.Equal(second) {
		t.Errorf("Reconcile not idempotent: %v != %v", first, second)
	}
}

func TestFormatLogRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 15, 9, 30, 12, 345678000, time.UTC)

	formatted := FormatLog(ts)
	if formatted != "2024-03-15 09:30:12.345678" {
		t.Errorf("FormatLog() = %q", formatted)
	}

	parsed, err := ParseLog(formatted)
	if err != nil {
		t.Fatalf("ParseLog failed: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("round trip lost precision: %v != %v", parsed, ts)
	}
}

func TestParseLayouts(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"2024-01-01T00:00:00Z", false},
		{"2024-01-01T00:00:00.123456Z", false},
		{"2024-01-01 00:00:00", false},
		{"2024-01-01", false},
		{"yesterday", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
