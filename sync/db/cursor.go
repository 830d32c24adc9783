package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNullCursor          = errors.New("cursor value is null")
	ErrUnsupportedCursor   = errors.New("unsupported cursor value type")
	ErrIncomparableCursors = errors.New("cursor values are not comparable")
)

type cursorKind string

const (
	cursorInt       cursorKind = "int"
	cursorFloat     cursorKind = "float"
	cursorDecimal   cursorKind = "decimal"
	cursorTimestamp cursorKind = "timestamp"
	cursorString    cursorKind = "string"
)

// Cursor is a totally ordered position taken from the cursor column of a row.
// The zero Cursor is not valid; use NewCursor.
type Cursor struct {
	kind  cursorKind
	value any
}

// NewCursor normalizes a column value into a Cursor.
func NewCursor(v any) (Cursor, error) {
	switch v := v.(type) {
	case nil:
		return Cursor{}, ErrNullCursor
	case int:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case int8:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case int16:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case int32:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case int64:
		return Cursor{kind: cursorInt, value: v}, nil
	case uint8:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case uint16:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case uint32:
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case uint:
		return NewCursor(uint64(v))
	case uint64:
		if v > math.MaxInt64 {
			return Cursor{kind: cursorDecimal, value: decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)}, nil
		}
		return Cursor{kind: cursorInt, value: int64(v)}, nil
	case float32:
		return Cursor{kind: cursorFloat, value: float64(v)}, nil
	case float64:
		return Cursor{kind: cursorFloat, value: v}, nil
	case decimal.Decimal:
		return Cursor{kind: cursorDecimal, value: v}, nil
	case time.Time:
		return Cursor{kind: cursorTimestamp, value: v}, nil
	case string:
		return Cursor{kind: cursorString, value: v}, nil
	case []byte:
		return Cursor{kind: cursorString, value: string(v)}, nil
	default:
		return Cursor{}, fmt.Errorf("%w: %T", ErrUnsupportedCursor, v)
	}
}

// MustCursor is NewCursor for values known to be valid, such as literals in tests.
func MustCursor(v any) Cursor {
	c, err := NewCursor(v)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cursor) IsZero() bool {
	return c.kind == ""
}

// Value returns the normalized value, suitable as a query argument.
func (c Cursor) Value() any {
	return c.value
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return FormatValue(c.value)
}

// Compare returns -1, 0 or 1. Integers, floats and decimals compare numerically with each other;
// any other mix of kinds is an error.
func (c Cursor) Compare(o Cursor) (int, error) {
	if c.IsZero() || o.IsZero() {
		return 0, ErrNullCursor
	}
	if c.numeric() && o.numeric() {
		if c.kind == cursorInt && o.kind == cursorInt {
			return compareOrdered(c.value.(int64), o.value.(int64)), nil
		}
		if c.kind == cursorFloat && o.kind == cursorFloat {
			return compareOrdered(c.value.(float64), o.value.(float64)), nil
		}
		return c.decimal().Cmp(o.decimal()), nil
	}
	if c.kind != o.kind {
		return 0, fmt.Errorf("%w: %s and %s", ErrIncomparableCursors, c.kind, o.kind)
	}
	switch c.kind {
	case cursorTimestamp:
		a, b := c.value.(time.Time), o.value.(time.Time)
		switch {
		case a.Before(b):
			return -1, nil
		case a.After(b):
			return 1, nil
		}
		return 0, nil
	default:
		return strings.Compare(c.value.(string), o.value.(string)), nil
	}
}

// Less reports c < o; incomparable cursors are never less.
func (c Cursor) Less(o Cursor) bool {
	cmp, err := c.Compare(o)
	return err == nil && cmp < 0
}

func (c Cursor) numeric() bool {
	return c.kind == cursorInt || c.kind == cursorFloat || c.kind == cursorDecimal
}

func (c Cursor) decimal() decimal.Decimal {
	switch v := c.value.(type) {
	case int64:
		return decimal.NewFromInt(v)
	case float64:
		return decimal.NewFromFloat(v)
	default:
		return v.(decimal.Decimal)
	}
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type cursorJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (c Cursor) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	var (
		raw []byte
		err error
	)
	switch v := c.value.(type) {
	case time.Time:
		raw, err = json.Marshal(v.Format(time.RFC3339Nano))
	case decimal.Decimal:
		raw, err = json.Marshal(v.String())
	default:
		raw, err = json.Marshal(v)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(cursorJSON{Type: string(c.kind), Value: raw})
}

func (c *Cursor) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Cursor{}
		return nil
	}
	var cj cursorJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	switch cursorKind(cj.Type) {
	case cursorInt:
		var v int64
		if err := json.Unmarshal(cj.Value, &v); err != nil {
			return err
		}
		*c = Cursor{kind: cursorInt, value: v}
	case cursorFloat:
		var v float64
		if err := json.Unmarshal(cj.Value, &v); err != nil {
			return err
		}
		*c = Cursor{kind: cursorFloat, value: v}
	case cursorDecimal, cursorTimestamp, cursorString:
		var s string
		if err := json.Unmarshal(cj.Value, &s); err != nil {
			return err
		}
		switch cursorKind(cj.Type) {
		case cursorDecimal:
			d, err := decimal.NewFromString(s)
			if err != nil {
				return err
			}
			*c = Cursor{kind: cursorDecimal, value: d}
		case cursorTimestamp:
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return err
			}
			*c = Cursor{kind: cursorTimestamp, value: t}
		default:
			*c = Cursor{kind: cursorString, value: s}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCursor, cj.Type)
	}
	return nil
}
