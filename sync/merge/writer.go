// Package merge buffers transformed rows into bounded batches and upserts them into a target.
package merge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
	"github.com/samjbobb/tidemark/target"
)

type Config struct {
	Table       string
	TableFormat string
	MergeKey    db.MergeKey
	Schema      db.SchemaMap
	// MaxRows and MaxBytes bound a batch; whichever is reached first ends it. Zero disables a bound.
	MaxRows  int
	MaxBytes int
}

type Writer struct {
	cfg    Config
	target target.Target

	rows    []*db.Row
	cursors []db.Cursor
	bytes   int
}

func NewWriter(cfg Config, t target.Target) (*Writer, error) {
	if len(cfg.MergeKey) == 0 {
		return nil, fmt.Errorf("merge key for %s is empty", cfg.Table)
	}
	if cfg.MaxRows <= 0 && cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("batch for %s is unbounded", cfg.Table)
	}
	return &Writer{cfg: cfg, target: t}, nil
}

// Add buffers a row and its cursor and reports whether the batch is full.
func (w *Writer) Add(row *db.Row, cursor db.Cursor) bool {
	w.rows = append(w.rows, row)
	w.cursors = append(w.cursors, cursor)
	w.bytes += row.Size()
	return w.Full()
}

func (w *Writer) Full() bool {
	return (w.cfg.MaxRows > 0 && len(w.rows) >= w.cfg.MaxRows) ||
		(w.cfg.MaxBytes > 0 && w.bytes >= w.cfg.MaxBytes)
}

// Pending is the number of buffered rows.
func (w *Writer) Pending() int {
	return len(w.rows)
}

// Cursors returns the cursors of the buffered rows in the order they were added.
func (w *Writer) Cursors() []db.Cursor {
	return w.cursors
}

// Reset drops the buffered rows.
func (w *Writer) Reset() {
	w.rows, w.cursors, w.bytes = nil, nil, 0
}

// Flush upserts the buffered rows as one batch. A row with a missing or null merge key column rejects the whole
// batch with an InvalidKeyError before anything is written. On failure the buffer is kept so the same batch can be
// flushed again; on success it is cleared.
func (w *Writer) Flush(ctx context.Context) (*db.WriteResult, error) {
	if len(w.rows) == 0 {
		return &db.WriteResult{}, nil
	}
	rows, err := dedupe(w.rows, w.cfg.MergeKey)
	if err != nil {
		return nil, err
	}

	batch := &db.Batch{
		Table:       w.cfg.Table,
		MergeKey:    w.cfg.MergeKey,
		TableFormat: w.cfg.TableFormat,
		Columns:     db.ColumnsFor(rows, w.cfg.Schema),
		Rows:        rows,
		Bytes:       w.bytes,
	}
	result, err := w.target.Write(ctx, batch)
	if err != nil {
		return nil, syncerr.Classify(syncerr.KindWrite, "write batch", err)
	}
	logrus.WithFields(logrus.Fields{
		"table":      w.cfg.Table,
		"rows":       len(rows),
		"duplicates": len(w.rows) - len(rows),
		"bytes":      result.BytesWritten,
	}).Debugln("flushed batch")
	w.Reset()
	return result, nil
}

// dedupe collapses rows sharing a merge key, keeping the last one. Surviving rows keep their relative order.
func dedupe(rows []*db.Row, key db.MergeKey) ([]*db.Row, error) {
	keys := make([]string, len(rows))
	last := make(map[string]int, len(rows))
	for idx, row := range rows {
		k, err := row.KeyString(key)
		if err != nil {
			return nil, syncerr.New(syncerr.KindInvalidKey, fmt.Sprintf("validate row %d", idx), err)
		}
		keys[idx] = k
		last[k] = idx
	}
	if len(last) == len(rows) {
		return rows, nil
	}
	out := make([]*db.Row, 0, len(last))
	for idx, row := range rows {
		if last[keys[idx]] == idx {
			out = append(out, row)
		}
	}
	return out, nil
}
