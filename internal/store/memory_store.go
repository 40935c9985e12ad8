package store

import (
	"sort"
	"sync"

	"github.com/xinyiqin/x2v-batch/internal/model"
)

// MemoryStore keeps batches in process memory only. It backs tests and is
// the consistency reference for the durable stores.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]model.Batch
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: map[string]model.Batch{}}
}

func (s *MemoryStore) Create(batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return ErrConflict
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *MemoryStore) Get(id string) (model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return model.Batch{}, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) List() ([]model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListByUser(userID string, limit, offset int) ([]model.Batch, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	return filterByUser(all, userID, limit, offset), nil
}

func (s *MemoryStore) Mutate(id string, fn func(*model.Batch) error) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return model.Batch{}, ErrNotFound
	}
	work := cloneBatch(b)
	if err := fn(&work); err != nil {
		return model.Batch{}, err
	}
	s.batches[id] = work
	return cloneBatch(work), nil
}

func filterByUser(all []model.Batch, userID string, limit, offset int) []model.Batch {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var mine []model.Batch
	for _, b := range all {
		if b.UserID == userID {
			mine = append(mine, b)
		}
	}
	if offset > len(mine) {
		return []model.Batch{}
	}
	end := offset + limit
	if end > len(mine) {
		end = len(mine)
	}
	return mine[offset:end]
}
