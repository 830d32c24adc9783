// Package watermark persists the last committed cursor of every synced table.
package watermark

import (
	"context"
	"time"

	"github.com/samjbobb/tidemark/sync/db"
)

// Record is the persisted watermark of one table.
type Record struct {
	TableID   string    `json:"tableId"`
	Cursor    db.Cursor `json:"cursor"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes watermarks. Set stages a value; it is not visible to Get and not durable until Commit
// returns. Every failure is returned as a WatermarkStoreError.
type Store interface {
	// Get returns nil when the table has never been committed.
	Get(ctx context.Context, tableID string) (*Record, error)
	Set(ctx context.Context, tableID string, cursor db.Cursor) error
	Commit(ctx context.Context) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, tableID string) error
	Close() error
}
