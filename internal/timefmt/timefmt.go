// Package timefmt converts instants between the forms used by the service.
//
// Callers always see the canonical form (RFC 3339, UTC, trailing zeros
// trimmed). Documents store the fixed-width storage form so that plain text
// ordering of a timestamp field matches chronological ordering.
package timefmt

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	// Canonical is the layout surfaced to callers.
	Canonical = time.RFC3339Nano
	// Storage is the fixed-width layout persisted in documents.
	Storage = "2006-01-02T15:04:05.000000000Z"
)

// Format renders t in the canonical form.
func Format(t time.Time) string { return t.UTC().Format(Canonical) }

// Store renders t in the storage form.
func Store(t time.Time) string { return t.UTC().Format(Storage) }

// Parse accepts any RFC 3339 instant and returns it in UTC.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse instant %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseCursor parses a pagination cursor. The empty string means no cursor.
func ParseCursor(s string) (time.Time, bool, error) {
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := Parse(s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// ToTime converts a stored timestamp value of any supported shape to a time.
//
// Supported: time.Time, *time.Time, RFC 3339 strings, {_seconds,_nanoseconds}
// and {seconds,nanos} objects, and numbers holding Unix milliseconds.
func ToTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return x.UTC(), nil
	case *time.Time:
		if x == nil || x.IsZero() {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return x.UTC(), nil
	case string:
		return Parse(x)
	case map[string]any:
		return fromSecondsObject(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp number %q: %w", x, err)
		}
		return fromMillis(f)
	case float64:
		return fromMillis(x)
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case int:
		return time.UnixMilli(int64(x)).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// Normalize converts a stored timestamp value to the canonical form.
func Normalize(v any) (string, error) {
	t, err := ToTime(v)
	if err != nil {
		return "", err
	}
	return Format(t), nil
}

func fromMillis(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid timestamp number")
	}
	return time.UnixMilli(int64(f)).UTC(), nil
}

func fromSecondsObject(m map[string]any) (time.Time, error) {
	secs, ok := number(m["_seconds"])
	nanos, _ := number(m["_nanoseconds"])
	if !ok {
		secs, ok = number(m["seconds"])
		nanos, _ = number(m["nanos"])
	}
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp object without seconds")
	}
	return time.Unix(int64(secs), int64(nanos)).UTC(), nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
