package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/xinyiqin/x2v-batch/internal/model"
)

const (
	redisBatchPrefix = "x2v:batch:"
	redisBatchIndex  = "x2v:batches"
)

// RedisStore keeps one JSON value per batch in Redis. A SET of a single key
// is atomic with respect to concurrent readers, which satisfies the
// whole-record contract; write serialization per batch is a local mutex
// since the engine is single-process.
type RedisStore struct {
	rdb *redis.Client

	mu sync.Mutex
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) key(id string) string {
	return redisBatchPrefix + id
}

func (s *RedisStore) load(ctx context.Context, id string) (model.Batch, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Batch{}, ErrNotFound
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("load batch %s: %w", id, err)
	}
	var b model.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return model.Batch{}, fmt.Errorf("decode batch %s: %w", id, err)
	}
	return b, nil
}

func (s *RedisStore) save(ctx context.Context, b model.Batch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(b.ID), raw, 0)
	pipe.SAdd(ctx, redisBatchIndex, b.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist batch %s: %w", b.ID, err)
	}
	return nil
}

func (s *RedisStore) Create(batch model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := context.Background()
	if _, err := s.load(ctx, batch.ID); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.save(ctx, batch)
}

func (s *RedisStore) Get(id string) (model.Batch, error) {
	return s.load(context.Background(), id)
}

func (s *RedisStore) List() ([]model.Batch, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, redisBatchIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]model.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) ListByUser(userID string, limit, offset int) ([]model.Batch, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	return filterByUser(all, userID, limit, offset), nil
}

func (s *RedisStore) Mutate(id string, fn func(*model.Batch) error) (model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := context.Background()
	b, err := s.load(ctx, id)
	if err != nil {
		return model.Batch{}, err
	}
	if err := fn(&b); err != nil {
		return model.Batch{}, err
	}
	if err := s.save(ctx, b); err != nil {
		return model.Batch{}, err
	}
	return b, nil
}
