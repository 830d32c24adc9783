// Package service drives one table's pull, transform, write and commit loop.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/samjbobb/tidemark/source"
	"github.com/samjbobb/tidemark/sync/db"
	"github.com/samjbobb/tidemark/sync/merge"
	"github.com/samjbobb/tidemark/sync/syncerr"
	"github.com/samjbobb/tidemark/sync/transform"
	"github.com/samjbobb/tidemark/sync/watermark"
	"github.com/samjbobb/tidemark/target"
)

type State string

const (
	StateIdle                State = "Idle"
	StateReadingCursor       State = "ReadingCursor"
	StateStreaming           State = "Streaming"
	StateFlushing            State = "Flushing"
	StateCommittingWatermark State = "CommittingWatermark"
	StateFailed              State = "Failed"
)

type Mode string

const (
	ModeIncremental Mode = "incremental"
	// ModeFullRefresh ignores the stored watermark but still records the final one.
	ModeFullRefresh Mode = "full_refresh"
)

type Config struct {
	// Table is the source table, optionally schema qualified. It is also the watermark key.
	Table string
	// DestinationTable defaults to Table without its schema qualifier.
	DestinationTable string
	CursorColumn     string
	MergeKey         db.MergeKey
	Mode             Mode
	TableFormat      string
	Schema           db.SchemaMap
	Computed         []transform.Computed
	NormalizeNames   bool

	ChunkSize     int
	BatchMaxRows  int
	MaxBatchBytes int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxAttempts counts the first try.
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration

	// RunID is generated when empty.
	RunID string
}

// Result is the structured summary of one run.
type Result struct {
	Table        string
	RunID        string
	State        State
	RowsRead     int
	RowsWritten  int
	Batches      int
	BytesWritten int64
	// Watermark is the last committed cursor, the stored one when nothing was committed during the run.
	Watermark *db.Cursor
	ErrorKind syncerr.Kind
	Err       error
	Took      time.Duration
}

func (r *Result) Fields() logrus.Fields {
	fields := logrus.Fields{
		"table":        r.Table,
		"runId":        r.RunID,
		"state":        r.State,
		"rowsRead":     r.RowsRead,
		"rowsWritten":  r.RowsWritten,
		"batches":      r.Batches,
		"bytesWritten": r.BytesWritten,
		"took":         r.Took,
	}
	if r.Watermark != nil {
		fields["watermark"] = r.Watermark.String()
	}
	if r.Err != nil {
		fields["errorKind"] = r.ErrorKind
		fields["error"] = r.Err.Error()
	}
	return fields
}

// Orchestrator runs one pipeline. It is not safe for concurrent use; run distinct tables with distinct
// orchestrators.
type Orchestrator struct {
	cfg         Config
	reader      source.ChunkReader
	store       watermark.Store
	writer      *merge.Writer
	transformer *transform.Transformer

	state   State
	tracker *watermark.Tracker
	// stored is the watermark found at the start of the run, also when the mode ignores it.
	stored *db.Cursor
	result *Result
	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(cfg Config, reader source.ChunkReader, t target.Target, store watermark.Store) (*Orchestrator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeIncremental
	}
	if cfg.Mode != ModeIncremental && cfg.Mode != ModeFullRefresh {
		return nil, fmt.Errorf("table %s: unknown mode %q", cfg.Table, cfg.Mode)
	}
	if cfg.DestinationTable == "" {
		parts := strings.Split(cfg.Table, ".")
		cfg.DestinationTable = parts[len(parts)-1]
	}
	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = cfg.ChunkSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if err := (source.Query{Table: cfg.Table, CursorColumn: cfg.CursorColumn, ChunkSize: cfg.ChunkSize}).Validate(); err != nil {
		return nil, fmt.Errorf("table %s: %w", cfg.Table, err)
	}

	// Rows are renamed before the key and the schema are applied to them.
	key, schema := cfg.MergeKey, cfg.Schema
	if cfg.NormalizeNames {
		key = make(db.MergeKey, len(cfg.MergeKey))
		for idx, col := range cfg.MergeKey {
			key[idx] = transform.NormalizeName(col)
		}
		schema = make(db.SchemaMap, len(cfg.Schema))
		for col, typ := range cfg.Schema {
			schema[transform.NormalizeName(col)] = typ
		}
	}
	xf, err := transform.New(schema, cfg.Computed, cfg.NormalizeNames)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", cfg.Table, err)
	}
	w, err := merge.NewWriter(merge.Config{
		Table:       cfg.DestinationTable,
		TableFormat: cfg.TableFormat,
		MergeKey:    key,
		Schema:      schema,
		MaxRows:     cfg.BatchMaxRows,
		MaxBytes:    cfg.MaxBatchBytes,
	}, t)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:         cfg,
		reader:      reader,
		store:       store,
		writer:      w,
		transformer: xf,
		state:       StateIdle,
		sleep:       sleepCtx,
	}, nil
}

func (o *Orchestrator) State() State {
	return o.state
}

func (o *Orchestrator) transition(to State) {
	logrus.WithFields(logrus.Fields{
		"table": o.cfg.Table,
		"from":  o.state,
		"to":    to,
	}).Debugln("state transition")
	o.state = to
}

// Run syncs every row past the table's watermark. The returned error is the result's Err. Cancelling ctx stops the
// run between batches; a batch that is being written is finished and its watermark committed first.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	o.state = StateIdle
	o.writer.Reset()
	o.tracker, o.stored = nil, nil
	o.result = &Result{Table: o.cfg.Table, RunID: o.cfg.RunID}

	err := o.run(ctx, start)
	if err != nil {
		o.transition(StateFailed)
		o.result.Err = err
		o.result.ErrorKind = syncerr.KindOf(err)
	}
	o.result.State = o.state
	if o.tracker != nil {
		o.result.Watermark = o.tracker.Read()
	}
	if o.result.Watermark == nil {
		o.result.Watermark = o.stored
	}
	o.result.Took = time.Since(start)
	return o.result, err
}

func (o *Orchestrator) run(ctx context.Context, start time.Time) error {
	o.transition(StateReadingCursor)
	since, err := o.readWatermark(ctx)
	if err != nil {
		return err
	}
	o.tracker = watermark.NewTracker(o.cfg.Table, since)
	tc := transform.Context{RunID: o.cfg.RunID, Table: o.cfg.Table, StartedAt: start}

	b := &backoff.Backoff{Min: o.cfg.BackoffMin, Max: o.cfg.BackoffMax, Factor: 2, Jitter: true}

	for {
		done, err := o.stream(ctx, tc, b)
		if done {
			o.transition(StateIdle)
			return nil
		}
		if !syncerr.Retryable(err) || int(b.Attempt())+1 >= o.cfg.MaxAttempts {
			return err
		}
		// Rows buffered since the last commit were never written; read them again from the watermark.
		o.result.RowsRead -= o.writer.Pending()
		o.writer.Reset()
		if err := o.retryWait(ctx, b, "reopen stream", err); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) readWatermark(ctx context.Context) (*db.Cursor, error) {
	rctx, cancel := o.readContext(ctx)
	defer cancel()
	rec, err := o.store.Get(rctx, o.cfg.Table)
	if err != nil {
		return nil, syncerr.Classify(syncerr.KindWatermarkStore, "get watermark", err)
	}
	if rec == nil {
		logrus.WithField("table", o.cfg.Table).Infoln("no watermark stored, starting with a full scan")
		return nil, nil
	}
	stored := rec.Cursor
	o.stored = &stored
	if o.cfg.Mode == ModeFullRefresh {
		logrus.WithFields(logrus.Fields{"table": o.cfg.Table, "watermark": rec.Cursor.String()}).
			Infoln("full refresh, ignoring stored watermark")
		return nil, nil
	}
	c := rec.Cursor
	return &c, nil
}

// stream opens a stream from the current watermark and processes it to the end. It reports done when the stream is
// exhausted and every row has been written and committed.
func (o *Orchestrator) stream(ctx context.Context, tc transform.Context, b *backoff.Backoff) (bool, error) {
	o.transition(StateStreaming)
	q := source.Query{
		Table:        o.cfg.Table,
		CursorColumn: o.cfg.CursorColumn,
		Since:        o.tracker.Read(),
		ChunkSize:    o.cfg.ChunkSize,
	}
	rctx, cancel := o.readContext(ctx)
	rows, err := o.reader.Open(rctx, q)
	cancel()
	if err != nil {
		return false, syncerr.Classify(syncerr.KindConnection, "open stream", err)
	}
	defer rows.Close()

	pipeCtx, stop := context.WithCancel(ctx)
	chunks, errChan := o.readAhead(pipeCtx, rows)
	defer func() {
		stop()
		for range chunks {
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return false, syncerr.Classify(syncerr.KindCancelled, "stream", err)
		}
		var (
			chunk []*db.Row
			ok    bool
		)
		select {
		case <-ctx.Done():
			return false, syncerr.Classify(syncerr.KindCancelled, "stream", ctx.Err())
		case chunk, ok = <-chunks:
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return false, syncerr.Classify(syncerr.KindCancelled, "stream", err)
			}
			if err := <-errChan; err != nil {
				return false, syncerr.Classify(syncerr.KindConnection, "fetch chunk", err)
			}
			if err := o.flush(ctx, nil, b); err != nil {
				return false, err
			}
			return true, nil
		}
		if err := o.consume(ctx, chunk, tc, b); err != nil {
			return false, err
		}
	}
}

// readAhead fetches chunks in a goroutine, keeping at most one chunk ready while the previous one is processed.
func (o *Orchestrator) readAhead(ctx context.Context, rows source.RowStream) (<-chan []*db.Row, <-chan error) {
	out := make(chan []*db.Row, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errChan)
		for {
			rctx, cancel := o.readContext(ctx)
			chunk, err := rows.Next(rctx)
			cancel()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errChan <- err
				return
			}
			logrus.WithFields(logrus.Fields{"table": o.cfg.Table, "rows": len(chunk)}).Debugln("fetched chunk")
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}
	}()
	return out, errChan
}

// consume transforms and buffers one chunk, flushing whenever the batch is full. A chunk never ends inside a group
// of rows sharing a cursor, so the first row of the next chunk always has a greater cursor than the last of this one.
func (o *Orchestrator) consume(ctx context.Context, chunk []*db.Row, tc transform.Context, b *backoff.Backoff) error {
	cursors := make([]db.Cursor, len(chunk))
	for idx, row := range chunk {
		c, err := source.CursorOf(row, o.cfg.CursorColumn)
		if err != nil {
			return err
		}
		cursors[idx] = c
	}

	for idx, row := range chunk {
		o.result.RowsRead++
		out, err := o.transformer.Transform(row, tc)
		if err != nil {
			return err
		}
		if !o.writer.Add(out, cursors[idx]) {
			continue
		}
		var next *db.Cursor
		if idx+1 < len(chunk) {
			next = &cursors[idx+1]
		}
		if err := o.flush(ctx, next, b); err != nil {
			return err
		}
		if idx+1 < len(chunk) {
			if err := ctx.Err(); err != nil {
				return syncerr.Classify(syncerr.KindCancelled, "stream", err)
			}
		}
	}
	return nil
}

// flush writes the buffered batch and commits its safe cursor. next is the cursor of the row that follows the batch,
// nil when the batch ends at a chunk boundary or at the end of the stream.
func (o *Orchestrator) flush(ctx context.Context, next *db.Cursor, b *backoff.Backoff) error {
	if o.writer.Pending() == 0 {
		return nil
	}
	batchStart := time.Now()
	safe, err := safeCursor(o.writer.Cursors(), next)
	if err != nil {
		return err
	}

	o.transition(StateFlushing)
	pending := o.writer.Pending()
	var res *db.WriteResult
	for {
		wctx, cancel := o.writeContext(ctx)
		res, err = o.writer.Flush(wctx)
		cancel()
		if err == nil {
			break
		}
		if !syncerr.Retryable(err) || int(b.Attempt())+1 >= o.cfg.MaxAttempts {
			return err
		}
		if err := o.retryWait(ctx, b, "flush batch", err); err != nil {
			return err
		}
	}
	o.result.Batches++
	o.result.RowsWritten += res.RowsWritten
	o.result.BytesWritten += res.BytesWritten

	o.transition(StateCommittingWatermark)
	if safe != nil {
		if err := o.commit(ctx, *safe); err != nil {
			return err
		}
		// The attempt budget covers the work since the last durable watermark.
		b.Reset()
	} else {
		logrus.WithField("table", o.cfg.Table).Warnln("batch holds a single cursor value that continues past it, watermark not advanced")
	}

	fields := logrus.Fields{
		"table": o.cfg.Table,
		"rows":  pending,
		"bytes": res.BytesWritten,
		"took":  time.Since(batchStart),
	}
	if wm := o.tracker.Read(); wm != nil {
		fields["watermark"] = wm.String()
	}
	logrus.WithFields(fields).Infoln("committed batch")
	o.transition(StateStreaming)
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, c db.Cursor) error {
	wctx, cancel := o.writeContext(ctx)
	defer cancel()
	if err := o.store.Set(wctx, o.cfg.Table, c); err != nil {
		return syncerr.Classify(syncerr.KindWatermarkStore, "set watermark", err)
	}
	if err := o.store.Commit(wctx); err != nil {
		return syncerr.Classify(syncerr.KindWatermarkStore, "commit watermark", err)
	}
	if err := o.tracker.Update(c); err != nil {
		return syncerr.New(syncerr.KindSchema, "advance watermark", err)
	}
	return nil
}

func (o *Orchestrator) retryWait(ctx context.Context, b *backoff.Backoff, op string, cause error) error {
	d := b.Duration()
	logrus.WithFields(logrus.Fields{
		"table":   o.cfg.Table,
		"op":      op,
		"attempt": int(b.Attempt()),
		"backoff": d,
	}).WithError(cause).Warnln("retrying")
	if err := o.sleep(ctx, d); err != nil {
		return syncerr.Classify(syncerr.KindCancelled, op, err)
	}
	return nil
}

func (o *Orchestrator) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.ReadTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.ReadTimeout)
	}
	return context.WithCancel(ctx)
}

// writeContext detaches from cancellation so a batch and its watermark are never abandoned halfway.
func (o *Orchestrator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if o.cfg.WriteTimeout > 0 {
		return context.WithTimeout(detached, o.cfg.WriteTimeout)
	}
	return context.WithCancel(detached)
}

// safeCursor returns the greatest cursor that can be committed for a batch with the given ascending cursors, such
// that reading `cursor > watermark` afterwards skips none of the rows after the batch. next is the cursor of the
// first row after the batch, nil when it is known to be strictly greater than every cursor in the batch.
func safeCursor(cursors []db.Cursor, next *db.Cursor) (*db.Cursor, error) {
	if len(cursors) == 0 {
		return nil, nil
	}
	last := cursors[len(cursors)-1]
	if next == nil {
		return &last, nil
	}
	cmp, err := next.Compare(last)
	if err != nil {
		return nil, syncerr.New(syncerr.KindSchema, "compare cursor", err)
	}
	if cmp > 0 {
		return &last, nil
	}
	for idx := len(cursors) - 2; idx >= 0; idx-- {
		if cursors[idx].Less(last) {
			c := cursors[idx]
			return &c, nil
		}
	}
	return nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
