package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*Record
	nextID int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Record)}
}

func (s *MemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[messageID]
	return ok && rec.Status == StatusProcessed, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, messageID, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.rows[messageID]
	if !ok {
		s.nextID++
		rec = &Record{ID: s.nextID, MessageID: messageID, CreatedAt: now}
		s.rows[messageID] = rec
	}
	rec.Status = StatusProcessing
	rec.Error = ""
	rec.UpdatedAt = now
	if topic != "" {
		rec.Topic = topic
	}
	if len(payload) > 0 {
		rec.Payload = append([]byte(nil), payload...)
	}
	return nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	return s.transition(messageID, "", StatusProcessed, StatusProcessing, StatusProcessed), nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	return s.transition(messageID, errText, StatusFailed, StatusProcessing), nil
}

func (s *MemoryStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	return s.transition(messageID, "", StatusCompensated, StatusFailed), nil
}

func (s *MemoryStore) transition(messageID, errText string, to Status, from ...Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[messageID]
	if !ok {
		return false
	}
	legal := false
	for _, f := range from {
		if rec.Status == f {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}
	rec.Status = to
	if errText != "" {
		rec.Error = errText
	}
	rec.UpdatedAt = time.Now().UTC()
	return true
}

func (s *MemoryStore) FetchFailed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Record, 0, len(s.rows))
	for _, rec := range s.rows {
		if rec.Status == StatusFailed {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) CreateSchema(ctx context.Context) error { return nil }

// Get returns a copy of the record for messageID.
func (s *MemoryStore) Get(messageID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[messageID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
