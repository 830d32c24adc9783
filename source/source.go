// Package source reads rows from a relational table in cursor order, one bounded chunk at a time.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
)

// Query describes one incremental read.
type Query struct {
	Table        string
	CursorColumn string
	// Since is exclusive. Nil means a full scan.
	Since     *db.Cursor
	ChunkSize int
}

func (q Query) Validate() error {
	if q.Table == "" {
		return errors.New("table is required")
	}
	if q.CursorColumn == "" {
		return errors.New("cursor column is required")
	}
	if q.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", q.ChunkSize)
	}
	return nil
}

// ChunkReader opens row streams against one source connection.
type ChunkReader interface {
	Open(ctx context.Context, q Query) (RowStream, error)
	Close() error
}

// RowStream is a forward-only sequence of chunks ordered by ascending cursor. Next returns io.EOF once the
// stream is exhausted. A stream cannot be restarted; open a new one from the last committed cursor instead.
type RowStream interface {
	Next(ctx context.Context) ([]*db.Row, error)
	Close() error
}

// Fetcher is the dialect-specific part of a ChunkReader.
type Fetcher interface {
	// FetchAfter returns at most limit rows with cursor > after (all rows when after is nil), ordered by cursor.
	FetchAfter(ctx context.Context, q Query, after *db.Cursor, limit int) ([]*db.Row, error)
	// FetchAt returns every row whose cursor equals at.
	FetchAt(ctx context.Context, q Query, at db.Cursor) ([]*db.Row, error)
}

// CursorOf extracts the cursor of a row. A missing, null or unsupported value is a SchemaError.
func CursorOf(row *db.Row, column string) (db.Cursor, error) {
	v, ok := row.Get(column)
	if !ok {
		return db.Cursor{}, syncerr.New(syncerr.KindSchema, "read cursor", fmt.Errorf("column %q not in row", column))
	}
	c, err := db.NewCursor(v)
	if err != nil {
		return db.Cursor{}, syncerr.New(syncerr.KindSchema, "read cursor", fmt.Errorf("column %q: %w", column, err))
	}
	return c, nil
}

// Stream pages through a table with keyset pagination on the cursor column. When a chunk is full, the rows sharing
// the chunk's last cursor value are completed with one extra query, so a tie group is never split between chunks
// and the next `cursor > last` page cannot skip rows. A chunk can therefore exceed ChunkSize by the size of its
// last tie group.
type Stream struct {
	fetcher Fetcher
	q       Query
	after   *db.Cursor
	done    bool
}

func NewStream(f Fetcher, q Query) *Stream {
	return &Stream{fetcher: f, q: q, after: q.Since}
}

func (s *Stream) Next(ctx context.Context) ([]*db.Row, error) {
	if s.done {
		return nil, io.EOF
	}
	rows, err := s.fetcher.FetchAfter(ctx, s.q, s.after, s.q.ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		s.done = true
		return nil, io.EOF
	}

	cursors, err := s.checkOrder(rows)
	if err != nil {
		return nil, err
	}
	last := cursors[len(cursors)-1]

	if len(rows) < s.q.ChunkSize {
		s.done = true
	} else {
		ties, err := s.fetcher.FetchAt(ctx, s.q, last)
		if err != nil {
			return nil, err
		}
		cut := len(rows)
		for cut > 0 && cursorEqual(cursors[cut-1], last) {
			cut--
		}
		if len(ties) < len(rows)-cut {
			return nil, syncerr.New(syncerr.KindSchema, "complete tie group",
				fmt.Errorf("cursor %s matched %d rows, page held %d", last, len(ties), len(rows)-cut))
		}
		if added := len(ties) - (len(rows) - cut); added > 0 {
			logrus.WithFields(logrus.Fields{"table": s.q.Table, "cursor": last.String(), "rows": added}).
				Debugln("completed tie group")
		}
		rows = append(rows[:cut], ties...)
	}

	s.after = &last
	return rows, nil
}

func (s *Stream) checkOrder(rows []*db.Row) ([]db.Cursor, error) {
	cursors := make([]db.Cursor, len(rows))
	for idx, row := range rows {
		c, err := CursorOf(row, s.q.CursorColumn)
		if err != nil {
			return nil, err
		}
		prev := s.after
		if idx > 0 {
			prev = &cursors[idx-1]
		}
		if prev != nil {
			cmp, err := c.Compare(*prev)
			if err != nil {
				return nil, syncerr.New(syncerr.KindSchema, "compare cursor", err)
			}
			if cmp < 0 || (idx == 0 && cmp == 0) {
				return nil, syncerr.New(syncerr.KindSchema, "check cursor order",
					fmt.Errorf("cursor %s follows %s", c, prev))
			}
		}
		cursors[idx] = c
	}
	return cursors, nil
}

func (s *Stream) Close() error {
	s.done = true
	return nil
}

func cursorEqual(a, b db.Cursor) bool {
	cmp, err := a.Compare(b)
	return err == nil && cmp == 0
}
