package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BookmarkLayout is the second-precision UTC layout the upstream expects in
// modified-after filters.
const BookmarkLayout = "2006-01-02T15:04:05Z"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. A trailing "Z" means UTC and
// values without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if strings.HasSuffix(v, "z") {
		v = v[:len(v)-1] + "Z"
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ISO-8601 timestamp %q", s)
}

// Timestamp is a date-time field that keeps the upstream value untouched
// until it is normalized, and keeps it untouched when normalization fails.
type Timestamp struct {
	raw    json.RawMessage
	t      time.Time
	parsed bool
}

// NewTimestamp returns an already-parsed Timestamp.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{t: t.UTC(), parsed: true}
}

// RawTimestamp returns an unparsed Timestamp holding s.
func RawTimestamp(s string) *Timestamp {
	raw, _ := json.Marshal(s)
	return &Timestamp{raw: raw}
}

// Normalize parses a string value into a time. Non-string values, empty
// strings and already-parsed values are left alone. On failure the original
// value is kept and the error is returned for the caller to log.
func (ts *Timestamp) Normalize() error {
	if ts == nil || ts.parsed {
		return nil
	}
	s, ok := ts.rawString()
	if !ok || s == "" {
		return nil
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	ts.t = t
	ts.parsed = true
	return nil
}

// Time returns the parsed time and whether the value was parsed.
func (ts *Timestamp) Time() (time.Time, bool) {
	if ts == nil || !ts.parsed {
		return time.Time{}, false
	}
	return ts.t, true
}

// Parsed reports whether the value holds a parsed time.
func (ts *Timestamp) Parsed() bool {
	return ts != nil && ts.parsed
}

// String returns the parsed time in RFC 3339 or the original text.
func (ts *Timestamp) String() string {
	if ts == nil {
		return ""
	}
	if ts.parsed {
		return ts.t.Format(time.RFC3339Nano)
	}
	if s, ok := ts.rawString(); ok {
		return s
	}
	return string(ts.raw)
}

func (ts *Timestamp) rawString() (string, bool) {
	trimmed := bytes.TrimSpace(ts.raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	ts.raw = append(ts.raw[:0], data...)
	ts.t = time.Time{}
	ts.parsed = false
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.parsed {
		return json.Marshal(ts.t.Format(time.RFC3339Nano))
	}
	if len(ts.raw) == 0 {
		return []byte("null"), nil
	}
	return ts.raw, nil
}
