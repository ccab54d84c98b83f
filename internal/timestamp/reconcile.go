// Package timestamp derives the canonical event timestamp from untrusted
// client clocks. Clients report when they think the event happened and when
// they sent it; the difference against the server's receive time corrects
// for client clock skew.
package timestamp

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformed reports a client timestamp that could not be parsed. The
// reconciler still returns a usable instant via the next fallback rule;
// callers log and report the error but do not fail the event.
var ErrMalformed = errors.New("malformed client timestamp")

// Input carries the raw timing fields of an incoming event.
type Input struct {
	// Timestamp is the client's claimed event time, ISO-8601, optional.
	Timestamp string
	// SentAt is the client's claimed send time, ISO-8601, optional.
	SentAt string
	// Offset is milliseconds before Now the event occurred, optional.
	Offset *int64
	// Now is the server receive time. Required.
	Now time.Time
}

// Reconcile resolves Input to a single UTC instant. Rules, in order:
//
//  1. timestamp and sent_at present: now + (timestamp - sent_at), which
//     cancels out the client's clock error.
//  2. timestamp present: parse and use it as-is.
//  3. offset present and non-negative: now - offset.
//  4. otherwise: now.
//
// A rule whose inputs fail to parse falls through to the next one. The
// returned error, if any, is advisory: it describes what failed to parse,
// and the returned time is always valid.
func Reconcile(in Input) (time.Time, error) {
	now := in.Now.UTC()
	var advisory error

	if in.Timestamp != "" && in.SentAt != "" {
		ts, tsErr := Parse(in.Timestamp)
		sent, sentErr := Parse(in.SentAt)
		if tsErr == nil && sentErr == nil {
			return now.Add(ts.Sub(sent)), nil
		}
		advisory = errors.Join(advisory,
			fmt.Errorf("%w: skew correction with timestamp=%q sent_at=%q: %v",
				ErrMalformed, in.Timestamp, in.SentAt, errors.Join(tsErr, sentErr)))
	}

	if in.Timestamp != "" {
		ts, err := Parse(in.Timestamp)
		if err == nil {
			return ts.UTC(), advisory
		}
		advisory = errors.Join(advisory, err)
	}

	if in.Offset != nil && *in.Offset >= 0 {
		return now.Add(-time.Duration(*in.Offset) * time.Millisecond), advisory
	}

	return now, advisory
}

// LogLayout is the high-precision format the log sink stores timestamps
// in. RowLayout is the ISO-8601 format FormatRow renders; the row sink
// itself binds time.Time values and does not use it.
const (
	LogLayout = "2006-01-02 15:04:05.000000"
	RowLayout = time.RFC3339
)

// FormatLog renders t for the log sink, microsecond precision, UTC.
func FormatLog(t time.Time) string {
	return t.UTC().Format(LogLayout)
}

// FormatRow renders t in RowLayout, UTC.
func FormatRow(t time.Time) string {
	return t.UTC().Format(RowLayout)
}

// ParseLog parses a log-sink timestamp back to a UTC instant.
func ParseLog(s string) (time.Time, error) {
	t, err := time.Parse(LogLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return t.UTC(), nil
}

// layouts accepted for client-supplied timestamps, most common first.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Parse parses an ISO-8601 timestamp as sent by client SDKs. Values without
// a zone designator are taken as UTC.
func Parse(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMalformed, s)
}
