package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Record is a single schemaless entry of a remote collection.
// Values are JSON-shaped: string, bool, float64, json.Number, nil,
// []any and map[string]any.
type Record map[string]any

// Clone returns a deep copy of the record. Nested maps and slices are copied
// so that stored records never alias caller-owned memory.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Record:
		return val.Clone()
	case map[string]any:
		return map[string]any(Record(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}

// String returns the string value of a field, or "" when the field is absent
// or not a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Int64 returns the integer value of a numeric field, or 0.
func (r Record) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Decimal returns the numeric value of a field and whether it was numeric.
// Strings are parsed; anything that is not a number yields zero and false.
func (r Record) Decimal(key string) (decimal.Decimal, bool) {
	return toDecimal(r[key])
}

// Map returns a nested object field, or nil.
func (r Record) Map(key string) Record {
	switch v := r[key].(type) {
	case Record:
		return v
	case map[string]any:
		return Record(v)
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(val), true
	case float32:
		if f := float64(val); math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(val))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// ParseAmount parses user input into a non-negative amount.
func ParseAmount(v any) (decimal.Decimal, error) {
	d, ok := toDecimal(v)
	if !ok {
		return decimal.Zero, fmt.Errorf("not a number: %v", v)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}

// amountValue is the record encoding of an amount. json.Number keeps the
// exact decimal text and serialises as a JSON number.
func amountValue(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
