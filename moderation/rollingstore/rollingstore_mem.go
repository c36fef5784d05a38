package rollingstore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// In-process rolling windows. The key space is bounded by an expiring LRU, so
// windows for users or channels that go quiet are eventually dropped.
type MemRollingStore struct {
	Capacity int

	mu   sync.Mutex
	data *expirable.LRU[string, []float64]
}

func NewMemRollingStore(capacity, maxKeys int, idleTTL time.Duration) *MemRollingStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemRollingStore{
		Capacity: capacity,
		data:     expirable.NewLRU[string, []float64](maxKeys, nil, idleTTL),
	}
}

func (s *MemRollingStore) Read(ctx context.Context, key string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.data.Get(key)
	if !ok {
		return []float64{}, nil
	}
	out := make([]float64, len(w))
	copy(out, w)
	return out, nil
}

func (s *MemRollingStore) Push(ctx context.Context, key string, val float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, _ := s.data.Get(key)
	next := make([]float64, 0, s.Capacity)
	if over := len(w) + 1 - s.Capacity; over > 0 {
		w = w[over:]
	}
	next = append(next, w...)
	next = append(next, val)
	s.data.Add(key, next)
	return nil
}
