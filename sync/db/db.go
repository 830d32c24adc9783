package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SemanticType is the destination type a column value is coerced to before it is written.
type SemanticType string

const (
	TypeString    SemanticType = "string"
	TypeInt       SemanticType = "int"
	TypeFloat     SemanticType = "float"
	TypeDecimal   SemanticType = "decimal"
	TypeBool      SemanticType = "bool"
	TypeTimestamp SemanticType = "timestamp"
	TypeDate      SemanticType = "date"
	TypeJSON      SemanticType = "json"
)

var semanticTypes = map[SemanticType]bool{
	TypeString:    true,
	TypeInt:       true,
	TypeFloat:     true,
	TypeDecimal:   true,
	TypeBool:      true,
	TypeTimestamp: true,
	TypeDate:      true,
	TypeJSON:      true,
}

func (t SemanticType) Valid() bool {
	return semanticTypes[t]
}

// ParseSemanticType accepts the type names used in configuration, plus a few common aliases.
func ParseSemanticType(s string) (SemanticType, error) {
	t := SemanticType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "text", "varchar":
		t = TypeString
	case "integer", "bigint":
		t = TypeInt
	case "double", "real":
		t = TypeFloat
	case "numeric":
		t = TypeDecimal
	case "boolean":
		t = TypeBool
	case "datetime":
		t = TypeTimestamp
	}
	if !t.Valid() {
		return "", fmt.Errorf("unknown column type %q", s)
	}
	return t, nil
}

// SchemaMap maps a column name to the type it must be coerced to.
// Columns absent from the map pass through unchanged.
type SchemaMap map[string]SemanticType

// Lookup finds the type for a column. Names are matched case-insensitively because configuration keys are
// lower-cased when loaded.
func (m SchemaMap) Lookup(column string) (SemanticType, bool) {
	if t, ok := m[column]; ok {
		return t, true
	}
	for name, t := range m {
		if strings.EqualFold(name, column) {
			return t, true
		}
	}
	return "", false
}

// MergeKey is the set of columns whose combined value identifies a destination row.
type MergeKey []string

func (k MergeKey) Contains(column string) bool {
	for _, c := range k {
		if strings.EqualFold(c, column) {
			return true
		}
	}
	return false
}

// Column describes one column of a batch. Type is empty when nothing is known about the column.
type Column struct {
	Name string
	Type SemanticType
}

// InferType derives a semantic type from a value produced by a source driver or the transformer.
func InferType(v any) SemanticType {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case decimal.Decimal:
		return TypeDecimal
	case bool:
		return TypeBool
	case time.Time:
		return TypeTimestamp
	case json.RawMessage, map[string]any, []any:
		return TypeJSON
	case nil:
		return ""
	default:
		return TypeString
	}
}

// WriteResult summarizes one destination write.
type WriteResult struct {
	RowsWritten  int
	BytesWritten int64
}
