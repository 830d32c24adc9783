package watermark

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/samjbobb/tidemark/sync/db"
)

// Tracker holds the last committed cursor of one pipeline and refuses to move it backwards.
type Tracker struct {
	sync.RWMutex
	table  string
	cursor db.Cursor
}

func NewTracker(table string, start *db.Cursor) *Tracker {
	t := &Tracker{table: table}
	if start != nil {
		t.cursor = *start
	}
	return t
}

// Read returns the current cursor, or nil before the first commit of a table with no stored watermark.
func (t *Tracker) Read() *db.Cursor {
	t.RLock()
	defer t.RUnlock()
	if t.cursor.IsZero() {
		return nil
	}
	c := t.cursor
	return &c
}

// Update advances the cursor. An equal cursor is accepted and ignored; a smaller one is an error.
func (t *Tracker) Update(next db.Cursor) error {
	t.Lock()
	defer t.Unlock()
	if t.cursor.IsZero() {
		t.cursor = next
		logrus.WithFields(logrus.Fields{"table": t.table, "watermark": next.String()}).Debugln("update watermark")
		return nil
	}
	cmp, err := next.Compare(t.cursor)
	if err != nil {
		return fmt.Errorf("compare watermark: %w", err)
	}
	if cmp > 0 {
		t.cursor = next
		logrus.WithFields(logrus.Fields{"table": t.table, "watermark": next.String()}).Debugln("update watermark")
	} else if cmp < 0 {
		return fmt.Errorf("unexpected watermark, next: %v, current: %v", next, t.cursor)
	}
	return nil
}
