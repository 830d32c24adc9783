package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/samjbobb/tidemark/source"
	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/syncerr"
	"github.com/samjbobb/tidemark/sync/watermark"
	"github.com/samjbobb/tidemark/target"
	"github.com/samjbobb/tidemark/target/mock"
	"github.com/samjbobb/tidemark/target/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memReader serves rows of columns (id, ts, amount) from memory, ordered by ts.
type memReader struct {
	mu    sync.Mutex
	rows  []*db.Row
	opens int
	// failures are returned, in order, by the next FetchAfter calls.
	failures []error
	// block makes every fetch wait for its context.
	block bool
	// pageErr fails every fetch past the first page of a stream.
	pageErr error
}

func (r *memReader) add(id, ts, amount any) *memReader {
	r.rows = append(r.rows, db.NewRow([]string{"id", "ts", "amount"}, []any{id, ts, amount}))
	return r
}

func seeded(cursors ...int64) *memReader {
	r := &memReader{}
	for idx, c := range cursors {
		r.add(int64(idx+1), c, int64(c*10))
	}
	return r
}

func (r *memReader) Open(_ context.Context, q source.Query) (source.RowStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
	return source.NewStream(r, q), nil
}

func (r *memReader) Close() error {
	return nil
}

func (r *memReader) FetchAfter(ctx context.Context, q source.Query, after *db.Cursor, limit int) ([]*db.Row, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageErr != nil && after != nil {
		return nil, r.pageErr
	}
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	var out []*db.Row
	for _, row := range r.rows {
		c, err := source.CursorOf(row, q.CursorColumn)
		if err != nil {
			return nil, err
		}
		if after != nil && !after.Less(c) {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memReader) FetchAt(_ context.Context, q source.Query, at db.Cursor) ([]*db.Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*db.Row
	for _, row := range r.rows {
		c, err := source.CursorOf(row, q.CursorColumn)
		if err == nil && !c.Less(at) && !at.Less(c) {
			out = append(out, row)
		}
	}
	return out, nil
}

func baseConfig() Config {
	return Config{
		Table:        "shop.items",
		CursorColumn: "ts",
		MergeKey:     db.MergeKey{"id"},
		ChunkSize:    2,
		MaxAttempts:  3,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		RunID:        "run-1",
	}
}

func newSQLiteTarget(t *testing.T) *sqlite.Target {
	t.Helper()
	tgt, err := sqlite.NewTarget(context.Background(), filepath.Join(t.TempDir(), "dest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tgt.Close(context.Background()) })
	return tgt
}

func newOrchestrator(t *testing.T, cfg Config, r source.ChunkReader, tgt target.Target, store watermark.Store) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(cfg, r, tgt, store)
	require.NoError(t, err)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func destIDs(t *testing.T, tgt *sqlite.Target) []int64 {
	t.Helper()
	rows, err := tgt.DB().Query(`SELECT id FROM items ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	return ids
}

func storedWatermark(t *testing.T, store watermark.Store, table string) *db.Cursor {
	t.Helper()
	rec, err := store.Get(context.Background(), table)
	require.NoError(t, err)
	if rec == nil {
		return nil
	}
	return &rec.Cursor
}

func TestRun_FullScanInTwoBatches(t *testing.T) {
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	o := newOrchestrator(t, baseConfig(), seeded(10, 20, 30), tgt, store)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 3, res.RowsRead)
	assert.Equal(t, 3, res.RowsWritten)
	assert.Positive(t, res.BytesWritten)
	assert.Equal(t, db.MustCursor(30), *res.Watermark)
	assert.Equal(t, db.MustCursor(30), *storedWatermark(t, store, "shop.items"))
	assert.Equal(t, 2, store.Commits)
	assert.Equal(t, []int64{1, 2, 3}, destIDs(t, tgt))
}

func TestRun_ResumesFromWatermark(t *testing.T) {
	ctx := context.Background()
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "shop.items", db.MustCursor(20)))
	require.NoError(t, store.Commit(ctx))

	o := newOrchestrator(t, baseConfig(), seeded(10, 20, 30), tgt, store)
	res, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsRead)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, []int64{3}, destIDs(t, tgt))
	assert.Equal(t, db.MustCursor(30), *storedWatermark(t, store, "shop.items"))
}

func TestRun_FullRefreshIgnoresWatermark(t *testing.T) {
	ctx := context.Background()
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "shop.items", db.MustCursor(30)))
	require.NoError(t, store.Commit(ctx))

	cfg := baseConfig()
	cfg.Mode = ModeFullRefresh
	res, err := newOrchestrator(t, cfg, seeded(10, 20, 30), tgt, store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsWritten)
	assert.Equal(t, []int64{1, 2, 3}, destIDs(t, tgt))
	assert.Equal(t, db.MustCursor(30), *storedWatermark(t, store, "shop.items"))
}

func TestRun_CastFailureInSecondBatch(t *testing.T) {
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	r := &memReader{}
	r.add(int64(1), int64(10), "100").add(int64(2), int64(20), "200").add(int64(3), int64(30), "lots")

	cfg := baseConfig()
	cfg.Schema = db.SchemaMap{"amount": db.TypeInt}
	res, err := newOrchestrator(t, cfg, r, tgt, store).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrCast)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, syncerr.KindCast, res.ErrorKind)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, db.MustCursor(20), *res.Watermark)
	assert.Equal(t, db.MustCursor(20), *storedWatermark(t, store, "shop.items"))
	assert.Equal(t, []int64{1, 2}, destIDs(t, tgt))
}

func TestRun_NullMergeKeyRejectsBatch(t *testing.T) {
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	r := &memReader{}
	r.add(int64(1), int64(10), nil).add(int64(2), int64(20), nil).add(nil, int64(30), nil).add(int64(4), int64(40), nil)

	res, err := newOrchestrator(t, baseConfig(), r, tgt, store).Run(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrInvalidKey)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, syncerr.KindInvalidKey, res.ErrorKind)
	assert.Equal(t, db.MustCursor(20), *storedWatermark(t, store, "shop.items"))
	assert.Equal(t, []int64{1, 2}, destIDs(t, tgt))
}

func TestRun_IdempotentRerun(t *testing.T) {
	ctrl := gomock.NewController(t)
	ctx := context.Background()
	store := watermark.NewMemoryStore()
	r := seeded(10, 20, 30)

	tgt := mock.NewMockTarget(ctrl)
	tgt.EXPECT().Write(gomock.Any(), gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, b *db.Batch) (*db.WriteResult, error) {
			return &db.WriteResult{RowsWritten: len(b.Rows), BytesWritten: int64(b.Bytes)}, nil
		})
	_, err := newOrchestrator(t, baseConfig(), r, tgt, store).Run(ctx)
	require.NoError(t, err)

	// No further Write calls are expected by the mock.
	res, err := newOrchestrator(t, baseConfig(), r, tgt, store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsRead)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, db.MustCursor(30), *res.Watermark)
}

func TestRun_ReplayAfterFailedCommit(t *testing.T) {
	ctx := context.Background()
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	store.CommitErr = errors.New("disk full")
	r := seeded(10, 20, 30)

	res, err := newOrchestrator(t, baseConfig(), r, tgt, store).Run(ctx)
	assert.ErrorIs(t, err, syncerr.ErrWatermarkStore)
	assert.Equal(t, syncerr.KindWatermarkStore, res.ErrorKind)
	assert.Nil(t, res.Watermark)
	assert.Nil(t, storedWatermark(t, store, "shop.items"))
	assert.Equal(t, []int64{1, 2}, destIDs(t, tgt))

	res, err = newOrchestrator(t, baseConfig(), r, tgt, store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsWritten)
	assert.Equal(t, []int64{1, 2, 3}, destIDs(t, tgt))
	assert.Equal(t, db.MustCursor(30), *storedWatermark(t, store, "shop.items"))
}

func TestRun_TiesAcrossBatchBoundary(t *testing.T) {
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()

	res, err := newOrchestrator(t, baseConfig(), seeded(1, 2, 2, 2, 3), tgt, store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 5, res.RowsWritten)
	assert.Equal(t, 3, store.Commits)
	assert.Equal(t, db.MustCursor(3), *res.Watermark)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, destIDs(t, tgt))
}

func TestRun_RetriesConnectionError(t *testing.T) {
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()
	r := seeded(10, 20, 30)
	r.failures = []error{syncerr.New(syncerr.KindConnection, "fetch", errors.New("connection reset"))}

	res, err := newOrchestrator(t, baseConfig(), r, tgt, store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.opens)
	assert.Equal(t, 3, res.RowsRead)
	assert.Equal(t, []int64{1, 2, 3}, destIDs(t, tgt))
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	store := watermark.NewMemoryStore()
	r := seeded(10, 20, 30)
	down := syncerr.New(syncerr.KindConnection, "fetch", errors.New("connection refused"))
	r.failures = []error{down, down, down}

	res, err := newOrchestrator(t, baseConfig(), r, newSQLiteTarget(t), store).Run(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrConnection)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, r.opens)
	assert.Nil(t, res.Watermark)
}

func TestRun_RetriesStopWithoutProgress(t *testing.T) {
	store := watermark.NewMemoryStore()
	r := seeded(10, 20, 30)
	r.pageErr = syncerr.New(syncerr.KindConnection, "fetch", errors.New("connection reset"))
	cfg := baseConfig()
	cfg.BatchMaxRows = 10

	o := newOrchestrator(t, cfg, r, newSQLiteTarget(t), store)
	var waits []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	res, err := o.Run(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrConnection)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, r.opens, "the first page of every attempt succeeds but commits nothing")
	assert.Len(t, waits, 2)
	assert.Equal(t, 0, res.Batches)
	assert.Nil(t, storedWatermark(t, store, "shop.items"))
}

func TestRun_RetriesWriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := watermark.NewMemoryStore()
	tgt := mock.NewMockTarget(ctrl)
	ok := func(_ context.Context, b *db.Batch) (*db.WriteResult, error) {
		return &db.WriteResult{RowsWritten: len(b.Rows)}, nil
	}
	gomock.InOrder(
		tgt.EXPECT().Write(gomock.Any(), gomock.Any()).Return(nil, errors.New("warehouse unavailable")),
		tgt.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(ok).Times(2),
	)

	res, err := newOrchestrator(t, baseConfig(), seeded(10, 20, 30), tgt, store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 3, res.RowsWritten)
}

func TestRun_ReadTimeoutIsFatal(t *testing.T) {
	store := watermark.NewMemoryStore()
	r := seeded(10)
	r.block = true
	cfg := baseConfig()
	cfg.ReadTimeout = 20 * time.Millisecond

	res, err := newOrchestrator(t, cfg, r, newSQLiteTarget(t), store).Run(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrTimeout)
	assert.Equal(t, syncerr.KindTimeout, res.ErrorKind)
	assert.Equal(t, 1, r.opens)
}

// blockingTarget holds every write until its context ends.
type blockingTarget struct {
	mu     sync.Mutex
	writes int
}

func (b *blockingTarget) Write(ctx context.Context, _ *db.Batch) (*db.WriteResult, error) {
	b.mu.Lock()
	b.writes++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingTarget) Close(context.Context) error {
	return nil
}

func TestRun_WriteTimeoutIsFatal(t *testing.T) {
	ctx := context.Background()
	store := watermark.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "shop.items", db.MustCursor(10)))
	require.NoError(t, store.Commit(ctx))
	cfg := baseConfig()
	cfg.WriteTimeout = 20 * time.Millisecond
	tgt := &blockingTarget{}

	res, err := newOrchestrator(t, cfg, seeded(10, 20, 30), tgt, store).Run(ctx)
	assert.ErrorIs(t, err, syncerr.ErrTimeout)
	assert.Equal(t, syncerr.KindTimeout, res.ErrorKind)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, tgt.writes, "timeouts are not retried")
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, db.MustCursor(10), *storedWatermark(t, store, "shop.items"))
	assert.Equal(t, db.MustCursor(10), *res.Watermark)
}

func TestRun_FailedFullRefreshReportsStoredWatermark(t *testing.T) {
	ctx := context.Background()
	store := watermark.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "shop.items", db.MustCursor(30)))
	require.NoError(t, store.Commit(ctx))
	r := seeded(10, 20, 30)
	r.failures = []error{syncerr.New(syncerr.KindSchema, "fetch", errors.New("no such table"))}

	cfg := baseConfig()
	cfg.Mode = ModeFullRefresh
	res, err := newOrchestrator(t, cfg, r, newSQLiteTarget(t), store).Run(ctx)
	assert.ErrorIs(t, err, syncerr.ErrSchema)
	require.NotNil(t, res.Watermark)
	assert.Equal(t, db.MustCursor(30), *res.Watermark)
}

// cancelAfterWrite cancels the run once the first batch has been written.
type cancelAfterWrite struct {
	target.Target
	cancel context.CancelFunc
}

func (c *cancelAfterWrite) Write(ctx context.Context, b *db.Batch) (*db.WriteResult, error) {
	res, err := c.Target.Write(ctx, b)
	c.cancel()
	return res, err
}

func TestRun_CancelBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tgt := newSQLiteTarget(t)
	store := watermark.NewMemoryStore()

	res, err := newOrchestrator(t, baseConfig(), seeded(10, 20, 30, 40), &cancelAfterWrite{Target: tgt, cancel: cancel}, store).Run(ctx)
	assert.ErrorIs(t, err, syncerr.ErrCancelled)
	assert.Equal(t, syncerr.KindCancelled, res.ErrorKind)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, db.MustCursor(20), *storedWatermark(t, store, "shop.items"))
	assert.Equal(t, []int64{1, 2}, destIDs(t, tgt))
}

func TestRun_NormalizedNames(t *testing.T) {
	tgt := newSQLiteTarget(t)
	r := &memReader{}
	r.rows = []*db.Row{
		db.NewRow([]string{"ItemID", "ts"}, []any{int64(1), int64(1)}),
		db.NewRow([]string{"ItemID", "ts"}, []any{int64(2), int64(2)}),
	}
	cfg := baseConfig()
	cfg.MergeKey = db.MergeKey{"ItemID"}
	cfg.NormalizeNames = true

	res, err := newOrchestrator(t, cfg, r, tgt, watermark.NewMemoryStore()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsWritten)
}

func TestSafeCursor(t *testing.T) {
	cursors := func(vs ...int) []db.Cursor {
		out := make([]db.Cursor, len(vs))
		for idx, v := range vs {
			out[idx] = db.MustCursor(v)
		}
		return out
	}
	next := func(v int) *db.Cursor {
		c := db.MustCursor(v)
		return &c
	}
	tests := []struct {
		name    string
		cursors []db.Cursor
		next    *db.Cursor
		want    *db.Cursor
	}{
		{name: "exhausted", cursors: cursors(1, 2), want: next(2)},
		{name: "next greater", cursors: cursors(1, 2), next: next(3), want: next(2)},
		{name: "next ties", cursors: cursors(1, 2, 2), next: next(2), want: next(1)},
		{name: "single value continues", cursors: cursors(2, 2), next: next(2), want: nil},
		{name: "empty", cursors: nil, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := safeCursor(tt.cursors, tt.next)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	o, err := NewOrchestrator(baseConfig(), seeded(), newSQLiteTarget(t), watermark.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, "items", o.cfg.DestinationTable)
	assert.Equal(t, ModeIncremental, o.cfg.Mode)
	assert.Equal(t, 2, o.cfg.BatchMaxRows)
	assert.Equal(t, StateIdle, o.State())

	cfg := baseConfig()
	cfg.Mode = "sometimes"
	_, err = NewOrchestrator(cfg, seeded(), nil, nil)
	assert.Error(t, err)
}
