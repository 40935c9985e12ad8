package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xinyiqin/x2v-batch/internal/model"
)

const saveAttempts = 3

// FileStore persists one JSON document per batch under dir. The full set is
// loaded once at construction and kept as an in-memory cache; every mutation
// is written through with a write-temp-then-rename so concurrent readers of
// the file never observe a partial record. If the write-through cannot be
// completed after bounded retries the in-memory mutation is rolled back, so
// cache and disk never diverge.
type FileStore struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	batches map[string]model.Batch
}

func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}
	s := &FileStore{
		dir:     dir,
		log:     logger,
		batches: map[string]model.Batch{},
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read batch dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Error("read batch file failed", "file", name, "error", err)
			continue
		}
		var b model.Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			// A corrupt record must not take the whole store down.
			s.log.Error("decode batch file failed", "file", name, "error", err)
			continue
		}
		s.batches[b.ID] = b
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// save writes the record atomically with respect to concurrent readers:
// marshal, write to a temp file in the same directory, then rename over the
// final path.
func (s *FileStore) save(b model.Batch) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	var lastErr error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		tmp, err := os.CreateTemp(s.dir, b.ID+".*.tmp")
		if err != nil {
			lastErr = err
		} else {
			_, werr := tmp.Write(raw)
			cerr := tmp.Close()
			if werr == nil && cerr == nil {
				if err := os.Rename(tmp.Name(), s.path(b.ID)); err == nil {
					return nil
				} else {
					lastErr = err
				}
			} else if werr != nil {
				lastErr = werr
			} else {
				lastErr = cerr
			}
			os.Remove(tmp.Name())
		}
		if attempt < saveAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("persist batch %s: %w", b.ID, lastErr)
}

func (s *FileStore) Create(batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return ErrConflict
	}
	if err := s.save(batch); err != nil {
		return err
	}
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *FileStore) Get(id string) (model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return model.Batch{}, ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *FileStore) List() ([]model.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) ListByUser(userID string, limit, offset int) ([]model.Batch, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	return filterByUser(all, userID, limit, offset), nil
}

func (s *FileStore) Mutate(id string, fn func(*model.Batch) error) (model.Batch, error) {
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
	if err := s.save(work); err != nil {
		return model.Batch{}, err
	}
	s.batches[id] = work
	return cloneBatch(work), nil
}
