package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hollisho/go-mq-transaction/mqerror"
)

// MemoryStore is an in-process Store for tests and local development. It
// mirrors the SQL stores' transactional visibility: saves accumulate in a
// journal and become fetchable only after the outermost commit.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]*Record
	journal []Record
	depth   int
	nextID  int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Record)}
}

func (s *MemoryStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		s.journal = nil
	}
	s.depth++
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return false, nil
	}
	s.depth--
	if s.depth > 0 {
		return true, nil
	}
	for i := range s.journal {
		rec := s.journal[i]
		s.nextID++
		rec.ID = s.nextID
		s.rows[rec.MessageID] = &rec
	}
	s.journal = nil
	return true, nil
}

func (s *MemoryStore) Rollback(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return false, nil
	}
	s.depth = 0
	s.journal = nil
	return true, nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return mqerror.NewInvariant("save requires an open transaction")
	}
	if _, ok := s.rows[rec.MessageID]; ok {
		return mqerror.NewStore("duplicate message_id "+rec.MessageID, nil)
	}
	for _, staged := range s.journal {
		if staged.MessageID == rec.MessageID {
			return mqerror.NewStore("duplicate message_id "+rec.MessageID, nil)
		}
	}

	now := time.Now().UTC()
	cp := *rec
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	s.journal = append(s.journal, cp)
	return nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	return s.fetch(StatusPending, limit, func(a, b *Record) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (s *MemoryStore) FetchFailed(ctx context.Context, limit int) ([]Record, error) {
	return s.fetch(StatusFailed, limit, func(a, b *Record) bool {
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.ID < b.ID
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func (s *MemoryStore) fetch(status Status, limit int, less func(a, b *Record) bool) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Record, 0, len(s.rows))
	for _, rec := range s.rows {
		if rec.Status == status {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, messageID string) (bool, error) {
	return s.transition(messageID, StatusPending, StatusSent, "", false)
}

func (s *MemoryStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	return s.transition(messageID, StatusPending, StatusFailed, errText, true)
}

func (s *MemoryStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	return s.transition(messageID, StatusFailed, StatusCompensated, "", false)
}

func (s *MemoryStore) IncrementRetry(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[messageID]
	if !ok || rec.Status != StatusPending {
		return false, nil
	}
	rec.RetryCount++
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) transition(messageID string, from, to Status, errText string, bumpRetry bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[messageID]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	if errText != "" {
		rec.Error = errText
	}
	if bumpRetry {
		rec.RetryCount++
	}
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CreateSchema(ctx context.Context) error { return nil }

// Get returns a copy of the committed record for messageID.
func (s *MemoryStore) Get(messageID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[messageID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns copies of every committed record in created_at order.
func (s *MemoryStore) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
