package indexer

import (
	"iter"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
)

// ErrInvalidBatchSize is returned for a batch size below one.
// Match it with errors.Is.
var ErrInvalidBatchSize = vecerrors.New(vecerrors.ErrCodeInvalidBatchSize, "batch size must be at least 1", nil)

// Batches groups seq into slices of size elements, the last one holding
// the remainder. Groups are produced as the consumer pulls them and each is
// a fresh slice. Stopping early stops pulling from seq.
//
// A one-shot seq is consumed by iteration; the result can only be iterated
// again if seq can.
func Batches[T any](seq iter.Seq[T], size int) (iter.Seq[[]T], error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}

	return func(yield func([]T) bool) {
		batch := make([]T, 0, size)
		for item := range seq {
			batch = append(batch, item)
			if len(batch) < size {
				continue
			}
			if !yield(batch) {
				return
			}
			batch = make([]T, 0, size)
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}, nil
}

// BatchSlice is Batches over a slice.
func BatchSlice[T any](items []T, size int) (iter.Seq[[]T], error) {
	return Batches(func(yield func(T) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}, size)
}
