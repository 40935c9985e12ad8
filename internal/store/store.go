package store

import (
	"errors"

	"github.com/xinyiqin/x2v-batch/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// BatchStore is durable whole-record storage for batches. Mutate is the only
// write path after creation: it serializes all writers of one batch, so a
// mutation closure that checks an expected prior status gets compare-and-swap
// semantics for free. A closure error aborts the mutation; nothing is
// persisted and the in-memory record is left as it was.
type BatchStore interface {
	Create(batch model.Batch) error
	Get(id string) (model.Batch, error)
	List() ([]model.Batch, error)
	ListByUser(userID string, limit, offset int) ([]model.Batch, error)
	Mutate(id string, fn func(*model.Batch) error) (model.Batch, error)
}

func cloneBatch(b model.Batch) model.Batch {
	out := b
	out.Items = append([]model.VideoItem(nil), b.Items...)
	return out
}
