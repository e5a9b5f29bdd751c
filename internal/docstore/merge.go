package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"example.com/nfcstats/internal/timefmt"
)

// Transform is a field value computed from the stored value at write time.
type Transform interface {
	apply(current any, now time.Time) (any, error)
}

type increment struct{ n int64 }

// Increment adds n to a numeric field. A missing or non-numeric field is
// treated as zero.
func Increment(n int64) Transform { return increment{n: n} }

func (t increment) apply(current any, _ time.Time) (any, error) {
	switch x := current.(type) {
	case int64:
		return x + t.n, nil
	case float64:
		return int64(x) + t.n, nil
	default:
		return t.n, nil
	}
}

type appendValues struct{ values []any }

// Append appends values to an array field, creating it when missing.
// Equal values are appended again; the array is a log, not a set.
func Append(values ...any) Transform { return appendValues{values: values} }

func (t appendValues) apply(current any, _ time.Time) (any, error) {
	existing, _ := current.([]any)
	out := make([]any, 0, len(existing)+len(t.values))
	out = append(out, existing...)
	for _, v := range t.values {
		nv, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, nil
}

type serverTimestamp struct{}

// ServerTimestamp stores the backend's commit-time clock reading.
func ServerTimestamp() Transform { return serverTimestamp{} }

func (serverTimestamp) apply(_ any, now time.Time) (any, error) {
	return timefmt.Store(now), nil
}

// ApplyMerge merges fields into existing and returns the new document data.
// existing is not modified. Top-level keys in fields replace stored keys;
// transforms are resolved against the stored value.
func ApplyMerge(existing map[string]any, fields Fields, now time.Time) (map[string]any, error) {
	out := make(map[string]any, len(existing)+len(fields))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range fields {
		if tr, ok := v.(Transform); ok {
			nv, err := tr.apply(existing[k], now)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = nv
			continue
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// DecodeData parses stored JSON into document data with integral numbers as
// int64 so that counters survive round trips exactly.
func DecodeData(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	v, _ := fromNumbers(m).(map[string]any)
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}

// normalize converts v into plain JSON types. time.Time values become
// storage-form strings.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case time.Time:
		return timefmt.Store(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return timefmt.Store(*x), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return fromNumbers(out), nil
}

func fromNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = fromNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = fromNumbers(e)
		}
		return x
	default:
		return v
	}
}
