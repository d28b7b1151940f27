package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used with the memory order store and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, claim Claim, now time.Time, ttl time.Duration) (Reservation, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := claim.id()
	existing, found := s.records[id]
	res, write, err := reserve(existing, found, claim, now.UTC(), ttl)
	if err != nil {
		return Reservation{}, err
	}
	if write {
		s.records[id] = res.Record
	}
	return res, nil
}

func (s *MemoryStore) SaveResponse(_ context.Context, claim Claim, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := claim.id()
	existing, found := s.records[id]
	record, err := complete(existing, found, claim, resp, now.UTC(), ttl)
	if err != nil {
		return err
	}
	s.records[id] = record
	return nil
}

// Release drops the reservation so the client can retry with the same key.
func (s *MemoryStore) Release(_ context.Context, claim Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, claim.id())
	return nil
}

// CleanupExpired removes up to limit expired records, oldest expiry first.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]string, 0)
	for id, record := range s.records {
		if record.expired(now) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return s.records[expired[i]].ExpiresAt.Before(s.records[expired[j]].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(s.records, id)
	}
	return len(expired), nil
}
