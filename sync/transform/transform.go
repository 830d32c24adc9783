// Package transform coerces row values to their configured semantic types and appends computed columns.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
)

type ComputedKind string

const (
	// ComputedIngestedAt is the wall-clock time the row was transformed. It is the only time-dependent column:
	// transforming the same row twice yields different values.
	ComputedIngestedAt  ComputedKind = "ingested_at"
	ComputedRunID       ComputedKind = "run_id"
	ComputedSourceTable ComputedKind = "source_table"
	ComputedConstant    ComputedKind = "constant"
)

type Computed struct {
	Name  string
	Kind  ComputedKind
	Value string
}

// Context carries run-time values available to computed columns.
type Context struct {
	RunID     string
	Table     string
	StartedAt time.Time
	// Now defaults to time.Now.
	Now func() time.Time
}

type Transformer struct {
	schema         db.SchemaMap
	computed       []Computed
	normalizeNames bool
}

func New(schema db.SchemaMap, computed []Computed, normalizeNames bool) (*Transformer, error) {
	for name, typ := range schema {
		if !typ.Valid() {
			return nil, fmt.Errorf("column %s: unknown type %q", name, typ)
		}
	}
	for _, c := range computed {
		if c.Name == "" {
			return nil, fmt.Errorf("computed column without a name")
		}
		switch c.Kind {
		case ComputedIngestedAt, ComputedRunID, ComputedSourceTable, ComputedConstant:
		default:
			return nil, fmt.Errorf("computed column %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	return &Transformer{schema: schema, computed: computed, normalizeNames: normalizeNames}, nil
}

// Transform returns a new row; the input row is not modified. Every column present in the schema map is coerced to
// its type, or the call fails with a CastError. Null values stay null. Two source columns that normalize to the same
// name fail with a SchemaError.
func (t *Transformer) Transform(row *db.Row, tc Context) (*db.Row, error) {
	out := row.Clone()
	if t.normalizeNames {
		renamed := make(map[string]string, row.Len())
		for _, col := range row.Columns() {
			name := NormalizeName(col)
			if prev, ok := renamed[name]; ok {
				return nil, syncerr.New(syncerr.KindSchema, "normalize column names",
					fmt.Errorf("columns %q and %q both normalize to %q", prev, col, name))
			}
			renamed[name] = col
			out.Rename(col, name)
		}
	}

	for idx, col := range out.Columns() {
		typ, ok := t.schema.Lookup(col)
		if !ok {
			continue
		}
		v, err := Cast(out.Values()[idx], typ)
		if err != nil {
			return nil, syncerr.New(syncerr.KindCast, "cast "+col, err)
		}
		out.Values()[idx] = v
	}

	for _, c := range t.computed {
		out.Set(c.Name, computedValue(c, tc))
	}
	return out, nil
}

func computedValue(c Computed, tc Context) any {
	switch c.Kind {
	case ComputedIngestedAt:
		if tc.Now != nil {
			return tc.Now().UTC()
		}
		return time.Now().UTC()
	case ComputedRunID:
		return tc.RunID
	case ComputedSourceTable:
		return tc.Table
	default:
		return c.Value
	}
}

// Cast coerces v to typ. Values that would lose information, such as 1.5 to int, are rejected.
func Cast(v any, typ db.SemanticType) (any, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out any
		err error
	)
	switch typ {
	case db.TypeString:
		out, err = toString(v)
	case db.TypeInt:
		out, err = toInt(v)
	case db.TypeFloat:
		out, err = toFloat(v)
	case db.TypeDecimal:
		out, err = toDecimal(v)
	case db.TypeBool:
		out, err = toBool(v)
	case db.TypeTimestamp:
		out, err = toTime(v)
	case db.TypeDate:
		var ts time.Time
		if ts, err = toTime(v); err == nil {
			out = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		}
	case db.TypeJSON:
		out, err = toJSON(v)
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot cast %v (%T) to %s: %w", v, v, typ, err)
	}
	return out, nil
}

func toString(v any) (string, error) {
	switch v := v.(type) {
	case time.Time, decimal.Decimal, json.RawMessage, []byte:
		return db.FormatValue(v), nil
	}
	return cast.ToStringE(v)
}

func toInt(v any) (int64, error) {
	switch v := v.(type) {
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, err
		}
		return decimalToInt(d)
	case decimal.Decimal:
		return decimalToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case time.Time:
		return 0, fmt.Errorf("timestamp is not an integer")
	}
	return cast.ToInt64E(v)
}

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

func decimalToInt(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%s has a fractional part", d)
	}
	if d.GreaterThan(maxInt64) || d.LessThan(minInt64) {
		return 0, fmt.Errorf("%s overflows int64", d)
	}
	return d.IntPart(), nil
}

func floatToInt(f float64) (int64, error) {
	n := int64(f)
	if float64(n) != f {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return n, nil
}

func toFloat(v any) (float64, error) {
	switch v := v.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, nil
	case time.Time:
		return 0, fmt.Errorf("timestamp is not a number")
	}
	return cast.ToFloat64E(v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch v := v.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case bool, time.Time:
		return decimal.Decimal{}, fmt.Errorf("not a number")
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromInt(n), nil
}

func toBool(v any) (bool, error) {
	switch v := v.(type) {
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case decimal.Decimal:
		return !v.IsZero(), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, err := cast.ToInt64E(v)
		return n != 0, err
	case time.Time:
		return false, fmt.Errorf("timestamp is not a boolean")
	}
	return cast.ToBoolE(v)
}

func toTime(v any) (time.Time, error) {
	switch v := v.(type) {
	case time.Time:
		return v, nil
	case string:
		return cast.ToTimeE(strings.TrimSpace(v))
	case bool, float32, float64, decimal.Decimal:
		return time.Time{}, fmt.Errorf("not a time")
	}
	return cast.ToTimeE(v)
}

func toJSON(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return toJSON(string(v))
	case string:
		if json.Valid([]byte(v)) {
			return json.RawMessage(v), nil
		}
		if out, err := arrayLiteralToJSON(v); err == nil {
			return out, nil
		}
		return nil, fmt.Errorf("invalid JSON")
	case time.Time:
		return json.Marshal(v.Format(time.RFC3339Nano))
	case decimal.Decimal:
		return json.RawMessage(v.String()), nil
	}
	return json.Marshal(v)
}

// NormalizeName converts a column name to snake_case: "OrderID" becomes "order_id", "Ship Date" becomes "ship_date".
func NormalizeName(name string) string {
	runes := []rune(strings.TrimSpace(name))
	var b strings.Builder
	for idx, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if idx > 0 && needsBreak(runes, idx) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// needsBreak reports whether an upper-case rune starts a new word: after a lower-case letter or digit, or as the
// last capital of an acronym followed by a lower-case letter.
func needsBreak(runes []rune, idx int) bool {
	prev := runes[idx-1]
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	return unicode.IsUpper(prev) && idx+1 < len(runes) && unicode.IsLower(runes[idx+1])
}
