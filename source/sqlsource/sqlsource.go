// Package sqlsource reads MySQL and SQLite tables through database/sql.
package sqlsource

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/samjbobb/tidemark/source"
	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Reader struct {
	conn   *sqlx.DB
	driver string
}

// Open connects and pings. For MySQL, parseTime=true in the DSN makes DATETIME columns usable as timestamp cursors.
func Open(ctx context.Context, driverName, dsn string) (*Reader, error) {
	switch driverName {
	case DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driverName)
	}
	conn, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, classify("open connection", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, classify("ping", err)
	}
	logrus.WithField("driver", driverName).Debugln("connected to source")
	return New(conn), nil
}

// New wraps an existing connection. The dialect is taken from the driver name the connection was opened with.
func New(conn *sqlx.DB) *Reader {
	return &Reader{conn: conn, driver: conn.DriverName()}
}

func (r *Reader) Open(_ context.Context, q source.Query) (source.RowStream, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return source.NewStream(r, q), nil
}

func (r *Reader) Close() error {
	return r.conn.Close()
}

func (r *Reader) FetchAfter(ctx context.Context, q source.Query, after *db.Cursor, limit int) ([]*db.Row, error) {
	table, col := r.quoteTable(q.Table), r.quote(q.CursorColumn)
	var (
		text string
		args []any
	)
	if after == nil {
		text = fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT %d", table, col, limit)
	} else {
		text = fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s LIMIT %d", table, col, col, limit)
		args = append(args, after.Value())
	}
	return r.query(ctx, "fetch chunk", r.conn.Rebind(text), args...)
}

func (r *Reader) FetchAt(ctx context.Context, q source.Query, at db.Cursor) ([]*db.Row, error) {
	text := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", r.quoteTable(q.Table), r.quote(q.CursorColumn))
	return r.query(ctx, "fetch tie group", r.conn.Rebind(text), at.Value())
}

func (r *Reader) query(ctx context.Context, op, text string, args ...any) ([]*db.Row, error) {
	rows, err := r.conn.QueryxContext(ctx, text, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, classify(op, err)
	}
	columns := make([]string, len(colTypes))
	for idx, ct := range colTypes {
		columns[idx] = ct.Name()
	}
	var out []*db.Row
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, classify(op, err)
		}
		for idx, v := range values {
			if values[idx], err = normalize(v, colTypes[idx].DatabaseTypeName()); err != nil {
				return nil, syncerr.New(syncerr.KindSchema, "decode "+columns[idx], err)
			}
		}
		out = append(out, db.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// normalize decodes driver bytes by the column's database type. The MySQL text protocol, used for queries without
// arguments, returns numbers as []byte while the binary protocol returns int64 for the same column, so both have to
// end up as the same Go type for cursors to compare.
func normalize(v any, dbType string) (any, error) {
	b, ok := v.([]byte)
	if !ok {
		return v, nil
	}
	s := string(b)
	switch strings.TrimPrefix(strings.ToUpper(dbType), "UNSIGNED ") {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		// unsigned BIGINT past MaxInt64
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, nil
		}
		return nil, fmt.Errorf("%s value %q is not an integer", dbType, s)
	case "DECIMAL", "NUMERIC":
		return decimal.NewFromString(s)
	case "FLOAT", "DOUBLE", "REAL":
		return strconv.ParseFloat(s, 64)
	}
	return s, nil
}

func (r *Reader) quote(ident string) string {
	if r.driver == DriverMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// quoteTable quotes each part of a possibly schema-qualified table name.
func (r *Reader) quoteTable(table string) string {
	parts := strings.Split(table, ".")
	for idx, p := range parts {
		parts[idx] = r.quote(p)
	}
	return strings.Join(parts, ".")
}

// MySQL server errors that go away on their own: too many connections, server shutdown, lock wait timeout,
// deadlock, query interrupted.
var transientMySQL = map[uint16]bool{1040: true, 1053: true, 1205: true, 1213: true, 1317: true}

func classify(op string, err error) error {
	var (
		myErr  *mysql.MySQLError
		sqlErr *sqlite.Error
		netErr net.Error
	)
	kind := syncerr.KindConnection
	switch {
	case errors.As(err, &myErr):
		if !transientMySQL[myErr.Number] {
			kind = syncerr.KindSchema
		}
	case errors.As(err, &sqlErr):
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
		default:
			kind = syncerr.KindSchema
		}
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn), errors.As(err, &netErr):
	}
	return syncerr.Classify(kind, op, err)
}
