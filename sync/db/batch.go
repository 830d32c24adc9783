package db

import "strings"

// Batch is an ordered group of rows written to the destination as one atomic upsert.
type Batch struct {
	// Table is the destination table name.
	Table    string
	MergeKey MergeKey
	// TableFormat is passed through to the destination, see target implementations for accepted values.
	TableFormat string
	Columns     []Column
	Rows        []*Row
	// Bytes is the estimated size of the rows' values.
	Bytes int
}

// ColumnsFor derives the batch column list from the rows, in first-seen order.
// Types come from the schema map, falling back to the type of the first non-null value.
func ColumnsFor(rows []*Row, schema SchemaMap) []Column {
	var out []Column
	seen := make(map[string]int)
	for _, row := range rows {
		for idx, name := range row.Columns() {
			v := row.Values()[idx]
			pos, exists := seen[name]
			if !exists {
				col := Column{Name: name}
				if t, ok := schema.Lookup(name); ok {
					col.Type = t
				} else {
					col.Type = InferType(v)
				}
				seen[name] = len(out)
				out = append(out, col)
				continue
			}
			if out[pos].Type == "" {
				out[pos].Type = InferType(v)
			}
		}
	}
	for idx := range out {
		if out[idx].Type == "" {
			out[idx].Type = TypeString
		}
	}
	return out
}

func (b *Batch) ColumnNames() []string {
	out := make([]string, len(b.Columns))
	for idx, col := range b.Columns {
		out[idx] = col.Name
	}
	return out
}

// KeyColumns returns the batch columns that belong to the merge key, in merge key order. Names match
// case-insensitively, the same way Row.Get does.
func (b *Batch) KeyColumns() []Column {
	out := make([]Column, 0, len(b.MergeKey))
	for _, k := range b.MergeKey {
		for _, col := range b.Columns {
			if strings.EqualFold(col.Name, k) {
				out = append(out, col)
				break
			}
		}
	}
	return out
}
