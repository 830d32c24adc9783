package utils

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cast"
)

type Table struct {
	ColumnNames   []string
	ColumnDBTypes []string
	// RowValues holds every value rendered as a string, or nil for NULL.
	RowValues [][]interface{}
}

// QueryReadAll runs a query in its own transaction and returns the whole result, for comparing destination tables
// in tests. The setup statements (USE DATABASE and the like) run first in the same transaction.
func QueryReadAll(ctx context.Context, conn *sql.DB, query string, setup ...string) (*Table, error) {
	tx, err := sqlx.NewDb(conn, "").BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, stmt := range setup {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}

	rows, err := tx.QueryxContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	out := &Table{RowValues: [][]interface{}{}}
	for _, ct := range colTypes {
		out.ColumnNames = append(out.ColumnNames, ct.Name())
		out.ColumnDBTypes = append(out.ColumnDBTypes, ct.DatabaseTypeName())
	}

	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		row := make([]interface{}, len(values))
		for i, v := range values {
			if v == nil {
				continue
			}
			if row[i], err = cast.ToStringE(v); err != nil {
				return nil, fmt.Errorf("column %s: %w", out.ColumnNames[i], err)
			}
		}
		out.RowValues = append(out.RowValues, row)
	}
	return out, rows.Err()
}
