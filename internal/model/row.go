package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Row is one replicated record: column name to JSON-compatible value.
type Row map[string]any

// ID returns the row's integer id column.
// Accepts the numeric shapes produced by database drivers and JSON decoding.
func (r Row) ID() (int64, bool) {
	return AsInt64(r[ColID])
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UpdatedAt returns the row's updated_at column when present and parseable.
func (r Row) UpdatedAt() (time.Time, bool) {
	switch v := r[ColUpdatedAt].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// NormalizeRow converts a row into its canonical stored shape: a JSON round
// trip (numbers become float64, times become RFC 3339 strings) with every
// string value NFC-normalized. Rows that arrive from different transports
// compare equal after normalization.
func NormalizeRow(r Row) (Row, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("normalize row: %w", err)
	}
	var out Row
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize row: %w", err)
	}
	for k, v := range out {
		out[k] = normalizeValue(v)
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return NormalizeText(val)
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeValue(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = normalizeValue(elem)
		}
		return val
	default:
		return v
	}
}

// NormalizeText returns s in Unicode normalization form C.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}

// AsInt64 converts an integer-valued column to int64. It accepts the
// shapes drivers and JSON decoding produce: Go integers, whole float64s,
// json.Number and decimal strings.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Patch is a partial row: the columns an optimistic write touched.
type Patch map[string]any

// Clone returns a shallow copy of the patch.
func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Apply returns a copy of r with every patched column overwritten.
// A nil row yields a row made of the patch alone.
func (p Patch) Apply(r Row) Row {
	out := r.Clone()
	if out == nil {
		out = make(Row, len(p))
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Decode unmarshals the patch into dst via JSON.
func (p Patch) Decode(dst any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}
	return nil
}
