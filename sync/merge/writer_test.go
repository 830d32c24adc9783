package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
	"github.com/samjbobb/tidemark/target/mock"
)

func row(id any, name string) *db.Row {
	return db.NewRow([]string{"id", "name"}, []any{id, name})
}

func TestWriter_Bounds(t *testing.T) {
	w, err := NewWriter(Config{Table: "t", MergeKey: db.MergeKey{"id"}, MaxRows: 2}, nil)
	require.NoError(t, err)
	assert.False(t, w.Add(row(int64(1), "a"), db.MustCursor(1)))
	assert.True(t, w.Add(row(int64(2), "b"), db.MustCursor(2)))
	assert.Equal(t, 2, w.Pending())
	assert.Len(t, w.Cursors(), 2)

	w, err = NewWriter(Config{Table: "t", MergeKey: db.MergeKey{"id"}, MaxBytes: 20}, nil)
	require.NoError(t, err)
	assert.False(t, w.Add(row(int64(1), "short"), db.MustCursor(1)))
	assert.True(t, w.Add(row(int64(2), "a much longer name"), db.MustCursor(2)))

	w.Reset()
	assert.Equal(t, 0, w.Pending())
	assert.False(t, w.Full())
}

func TestNewWriter_Invalid(t *testing.T) {
	_, err := NewWriter(Config{Table: "t", MaxRows: 1}, nil)
	assert.Error(t, err)
	_, err = NewWriter(Config{Table: "t", MergeKey: db.MergeKey{"id"}}, nil)
	assert.Error(t, err)
}

func TestWriter_FlushEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	target := mock.NewMockTarget(ctrl)
	w, err := NewWriter(Config{Table: "t", MergeKey: db.MergeKey{"id"}, MaxRows: 10}, target)
	require.NoError(t, err)

	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
}

func TestWriter_FlushDedupesLastWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	target := mock.NewMockTarget(ctrl)
	w, err := NewWriter(Config{
		Table:       "people",
		TableFormat: "strict",
		MergeKey:    db.MergeKey{"ID"},
		Schema:      db.SchemaMap{"name": db.TypeString},
		MaxRows:     10,
	}, target)
	require.NoError(t, err)

	var got *db.Batch
	target.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, b *db.Batch) (*db.WriteResult, error) {
			got = b
			return &db.WriteResult{RowsWritten: len(b.Rows), BytesWritten: int64(b.Bytes)}, nil
		})

	w.Add(row(int64(1), "sam"), db.MustCursor(1))
	w.Add(row(int64(2), "gus"), db.MustCursor(2))
	w.Add(row(int64(1), "sam bobb"), db.MustCursor(3))

	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsWritten)
	assert.Equal(t, 0, w.Pending())

	require.NotNil(t, got)
	assert.Equal(t, "people", got.Table)
	assert.Equal(t, "strict", got.TableFormat)
	assert.Equal(t, []db.Column{{Name: "id", Type: db.TypeInt}, {Name: "name", Type: db.TypeString}}, got.Columns)
	assert.Equal(t, []db.Column{{Name: "id", Type: db.TypeInt}}, got.KeyColumns())
	require.Len(t, got.Rows, 2)
	assert.Equal(t, []any{int64(2), "gus"}, got.Rows[0].Values())
	assert.Equal(t, []any{int64(1), "sam bobb"}, got.Rows[1].Values())
}

func TestWriter_NullKeyRejectsBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	target := mock.NewMockTarget(ctrl)
	w, err := NewWriter(Config{Table: "t", MergeKey: db.MergeKey{"id"}, MaxRows: 10}, target)
	require.NoError(t, err)

	w.Add(row(int64(1), "ok"), db.MustCursor(1))
	w.Add(row(nil, "no key"), db.MustCursor(2))

	_, err = w.Flush(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrInvalidKey)
	assert.Equal(t, 2, w.Pending())
}

func TestWriter_RetryAfterWriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	target := mock.NewMockTarget(ctrl)
	w, err := NewWriter(Config{Table: "t", MergeKey: db.MergeKey{"id"}, MaxRows: 10}, target)
	require.NoError(t, err)

	gomock.InOrder(
		target.EXPECT().Write(gomock.Any(), gomock.Any()).Return(nil, errors.New("warehouse unavailable")),
		target.EXPECT().Write(gomock.Any(), gomock.Any()).Return(&db.WriteResult{RowsWritten: 1}, nil),
	)

	w.Add(row(int64(1), "a"), db.MustCursor(1))
	_, err = w.Flush(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrWrite)
	assert.True(t, syncerr.Retryable(err))
	assert.Equal(t, 1, w.Pending())

	res, err := w.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsWritten)
	assert.Equal(t, 0, w.Pending())
}
