package watermark

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
)

const createTable = `CREATE TABLE IF NOT EXISTS watermarks (
	table_id    TEXT PRIMARY KEY,
	cursor_json TEXT NOT NULL,
	updated_at  TEXT NOT NULL
)`

const upsert = `INSERT INTO watermarks (table_id, cursor_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT (table_id) DO UPDATE SET cursor_json = excluded.cursor_json, updated_at = excluded.updated_at`

// SQLiteStore keeps watermarks in a local SQLite file. Staged values are written in one transaction on Commit.
type SQLiteStore struct {
	conn *sql.DB
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]db.Cursor
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, storeErr("create state directory", err)
		}
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, storeErr("open", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, createTable); err != nil {
		conn.Close()
		return nil, storeErr("migrate", err)
	}
	logrus.WithField("path", path).Debugln("opened watermark store")
	return &SQLiteStore{conn: conn, now: time.Now, pending: make(map[string]db.Cursor)}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, tableID string) (*Record, error) {
	var cursor, updatedAt string
	err := s.conn.QueryRowContext(ctx, `SELECT cursor_json, updated_at FROM watermarks WHERE table_id = ?`, tableID).
		Scan(&cursor, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get "+tableID, err)
	}
	return decodeRecord(tableID, cursor, updatedAt)
}

func (s *SQLiteStore) Set(_ context.Context, tableID string, cursor db.Cursor) error {
	if cursor.IsZero() {
		return storeErr("set "+tableID, db.ErrNullCursor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[tableID] = cursor
	return nil
}

func (s *SQLiteStore) Commit(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logrus.WithError(rbErr).Warnln("watermark rollback failed")
			}
		}
	}()

	updatedAt := s.now().UTC().Format(time.RFC3339Nano)
	for tableID, cursor := range s.pending {
		data, mErr := json.Marshal(cursor)
		if mErr != nil {
			return storeErr("encode "+tableID, mErr)
		}
		if _, err = tx.ExecContext(ctx, upsert, tableID, string(data), updatedAt); err != nil {
			return storeErr("commit "+tableID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	s.pending = make(map[string]db.Cursor)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT table_id, cursor_json, updated_at FROM watermarks ORDER BY table_id`)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var tableID, cursor, updatedAt string
		if err := rows.Scan(&tableID, &cursor, &updatedAt); err != nil {
			return nil, storeErr("list", err)
		}
		rec, err := decodeRecord(tableID, cursor, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tableID string) error {
	s.mu.Lock()
	delete(s.pending, tableID)
	s.mu.Unlock()
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM watermarks WHERE table_id = ?`, tableID); err != nil {
		return storeErr("delete "+tableID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.conn.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}

func decodeRecord(tableID, cursor, updatedAt string) (*Record, error) {
	rec := &Record{TableID: tableID}
	if err := json.Unmarshal([]byte(cursor), &rec.Cursor); err != nil {
		return nil, storeErr(fmt.Sprintf("decode cursor of %s", tableID), err)
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, storeErr(fmt.Sprintf("decode updated_at of %s", tableID), err)
	}
	rec.UpdatedAt = t
	return rec, nil
}

func storeErr(op string, err error) error {
	return syncerr.New(syncerr.KindWatermarkStore, op, err)
}
