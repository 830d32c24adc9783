package watermark

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samjbobb/tidemark/sync/db"
)

// MemoryStore is a Store that lives only as long as the process. Used by tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	committed map[string]Record
	pending   map[string]db.Cursor
	now       func() time.Time

	// CommitErr, when set, is returned by the next Commit instead of committing.
	CommitErr error
	// Commits counts successful commits.
	Commits int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		committed: make(map[string]Record),
		pending:   make(map[string]db.Cursor),
		now:       time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, tableID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.committed[tableID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Set(_ context.Context, tableID string, cursor db.Cursor) error {
	if cursor.IsZero() {
		return storeErr("set "+tableID, db.ErrNullCursor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[tableID] = cursor
	return nil
}

func (s *MemoryStore) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		err := s.CommitErr
		s.CommitErr = nil
		return storeErr("commit", err)
	}
	now := s.now().UTC()
	for tableID, cursor := range s.pending {
		s.committed[tableID] = Record{TableID: tableID, Cursor: cursor, UpdatedAt: now}
	}
	s.pending = make(map[string]db.Cursor)
	s.Commits++
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.committed))
	for _, rec := range s.committed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, tableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.committed, tableID)
	delete(s.pending, tableID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
