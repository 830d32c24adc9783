package db

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMissingKeyColumn = errors.New("merge key column missing from row")
	ErrNullKeyColumn    = errors.New("merge key column is null")
)

// Row is an ordered mapping of column name to value.
// Values are nil (NULL), int64, float64, decimal.Decimal, bool, string, time.Time, []byte or json.RawMessage.
// Columns keep the order in which they were read from the source; columns added later are appended.
type Row struct {
	columns []string
	values  []any
	index   map[string]int
}

// NewRow builds a row from parallel column and value slices. The slices are copied.
func NewRow(columns []string, values []any) *Row {
	r := &Row{
		columns: make([]string, len(columns)),
		values:  make([]any, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	copy(r.columns, columns)
	copy(r.values, values)
	for idx, col := range r.columns {
		r.index[col] = idx
	}
	return r
}

func (r *Row) Columns() []string {
	return r.columns
}

func (r *Row) Values() []any {
	return r.values
}

func (r *Row) Len() int {
	return len(r.columns)
}

// Get returns the value of a column and whether the column is present.
// An exact match is preferred; otherwise the name is matched case-insensitively.
func (r *Row) Get(column string) (any, bool) {
	if idx, ok := r.index[column]; ok {
		return r.values[idx], true
	}
	for idx, col := range r.columns {
		if strings.EqualFold(col, column) {
			return r.values[idx], true
		}
	}
	return nil, false
}

// Set replaces the value of an existing column or appends a new column.
func (r *Row) Set(column string, v any) {
	if idx, ok := r.index[column]; ok {
		r.values[idx] = v
		return
	}
	r.index[column] = len(r.columns)
	r.columns = append(r.columns, column)
	r.values = append(r.values, v)
}

// Rename changes the name of a column in place, keeping its position.
func (r *Row) Rename(from, to string) {
	idx, ok := r.index[from]
	if !ok || from == to {
		return
	}
	delete(r.index, from)
	r.columns[idx] = to
	r.index[to] = idx
}

func (r *Row) Clone() *Row {
	return NewRow(r.columns, r.values)
}

// Size is an estimate of the number of bytes the row's values occupy once serialized.
func (r *Row) Size() int {
	size := 0
	for _, v := range r.values {
		size += valueSize(v)
	}
	return size
}

func valueSize(v any) int {
	switch v := v.(type) {
	case nil, bool:
		return 1
	case string:
		return len(v)
	case []byte:
		return len(v)
	case json.RawMessage:
		return len(v)
	case time.Time:
		return len(time.RFC3339Nano)
	case decimal.Decimal:
		return len(v.String())
	default:
		return 8
	}
}

// KeyValues returns the values of the merge key columns, failing when a column is absent or null.
func (r *Row) KeyValues(key MergeKey) ([]any, error) {
	out := make([]any, len(key))
	for idx, col := range key {
		v, ok := r.Get(col)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKeyColumn, col)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: %s", ErrNullKeyColumn, col)
		}
		out[idx] = v
	}
	return out, nil
}

// KeyString renders merge key values as a single string suitable for use as a map key.
func (r *Row) KeyString(key MergeKey) (string, error) {
	values, err := r.KeyValues(key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for idx, v := range values {
		if idx > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(FormatValue(v))
	}
	return buf.String(), nil
}

func (r *Row) String() string {
	var buf bytes.Buffer
	buf.WriteString("{")
	for idx, col := range r.columns {
		if idx > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(fmt.Sprintf("%s: %v", col, r.values[idx]))
	}
	buf.WriteString("}")
	return buf.String()
}

// FormatValue renders a value as text, the representation used for CSV staging files and map keys.
// NULL renders as the empty string; callers that need to distinguish NULL check for nil first.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case decimal.Decimal:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
