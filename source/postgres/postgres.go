// Package postgres reads PostgreSQL tables through a pgx connection pool.
package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/log/logrusadapter"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/samjbobb/tidemark/source"
	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
)

type Reader struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, connString string) (*Reader, error) {
	connConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConnection, "parse connection string", err)
	}
	connConfig.ConnConfig.Logger = logrusadapter.NewLogger(logrus.StandardLogger())
	connConfig.ConnConfig.LogLevel = pgx.LogLevelWarn
	// select * is prepared against the table as it was; a cached statement breaks once a column is added.
	connConfig.ConnConfig.BuildStatementCache = nil
	pool, err := pgxpool.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, classify("connect", err)
	}
	logrus.WithField("host", pool.Config().ConnConfig.Host).Debugln("connected to source")
	return &Reader{pool: pool}, nil
}

func (r *Reader) Open(_ context.Context, q source.Query) (source.RowStream, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return source.NewStream(r, q), nil
}

func (r *Reader) Close() error {
	r.pool.Close()
	return nil
}

func (r *Reader) FetchAfter(ctx context.Context, q source.Query, after *db.Cursor, limit int) ([]*db.Row, error) {
	table, col := sanitizeTable(q.Table), pgx.Identifier{q.CursorColumn}.Sanitize()
	if after == nil {
		return r.query(ctx, "fetch chunk",
			fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %d", table, col, limit))
	}
	return r.query(ctx, "fetch chunk",
		fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s LIMIT %d", table, col, col, limit), after.Value())
}

func (r *Reader) FetchAt(ctx context.Context, q source.Query, at db.Cursor) ([]*db.Row, error) {
	return r.query(ctx, "fetch tie group",
		fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", sanitizeTable(q.Table), pgx.Identifier{q.CursorColumn}.Sanitize()),
		at.Value())
}

func (r *Reader) query(ctx context.Context, op, sql string, args ...any) ([]*db.Row, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for idx, f := range fields {
		columns[idx] = string(f.Name)
	}

	var out []*db.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify(op, err)
		}
		for idx, v := range values {
			if values[idx], err = normalize(v); err != nil {
				return nil, syncerr.New(syncerr.KindSchema, fmt.Sprintf("decode %s", columns[idx]), err)
			}
		}
		out = append(out, db.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// normalize maps pgx decoded values onto the row value set.
func normalize(v any) (any, error) {
	switch v := v.(type) {
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case pgtype.Numeric:
		return numeric(&v)
	case *pgtype.Numeric:
		return numeric(v)
	case [16]uint8:
		return uuid.UUID(v).String(), nil
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	case driver.Valuer:
		return v.Value()
	}
	return v, nil
}

func numeric(n *pgtype.Numeric) (any, error) {
	switch {
	case n.Status != pgtype.Present:
		return nil, nil
	case n.NaN:
		return "NaN", nil
	case n.Int == nil:
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

func sanitizeTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func classify(op string, err error) error {
	var (
		pgErr  *pgconn.PgError
		netErr net.Error
	)
	kind := syncerr.KindSchema
	switch {
	case pgconn.Timeout(err):
		kind = syncerr.KindTimeout
	case errors.As(err, &pgErr):
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "40"), // transaction rollback
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			kind = syncerr.KindConnection
		}
	case pgconn.SafeToRetry(err), errors.As(err, &netErr):
		kind = syncerr.KindConnection
	default:
		var connectErr *pgconn.ConnectError
		if errors.As(err, &connectErr) {
			kind = syncerr.KindConnection
		}
	}
	return syncerr.Classify(kind, op, err)
}
