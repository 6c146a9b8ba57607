package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/document"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// ErrNoIndexers is returned when creating a MultiIndexer without indexers.
var ErrNoIndexers = errors.New("at least one indexer is required")

// MultiIndexer fans one sync out to several destinations, for example a
// keyword index next to a vector index.
//
// Writes go to each indexer in order and stop at the first failure.
// MultiIndexer is safe for concurrent use.
type MultiIndexer struct {
	indexers []Indexer
	mu       sync.Mutex
	closed   bool
}

var _ Indexer = (*MultiIndexer)(nil)

// NewMultiIndexer composes indexers. Nil entries are skipped.
//
// Returns ErrNoIndexers if none remain.
func NewMultiIndexer(indexers ...Indexer) (*MultiIndexer, error) {
	m := &MultiIndexer{}
	for _, idx := range indexers {
		if idx != nil {
			m.indexers = append(m.indexers, idx)
		}
	}
	if len(m.indexers) == 0 {
		return nil, ErrNoIndexers
	}
	return m, nil
}

// Len returns the number of composed indexers.
func (m *MultiIndexer) Len() int {
	return len(m.indexers)
}

// PreSync runs every PreSync in order, failing fast.
func (m *MultiIndexer) PreSync(ctx context.Context, cat *catalog.Catalog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, idx := range m.indexers {
		if err := idx.PreSync(ctx, cat); err != nil {
			return fmt.Errorf("indexer %d pre-sync: %w", i, err)
		}
	}
	return nil
}

// Index writes to every indexer in order, failing fast. Indexers before
// the failing one keep the batch; a retried sync overwrites it.
func (m *MultiIndexer) Index(ctx context.Context, chunks []*document.Chunk, deleteIDs []string) error {
	if len(chunks) == 0 && len(deleteIDs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, idx := range m.indexers {
		if err := idx.Index(ctx, chunks, deleteIDs); err != nil {
			return fmt.Errorf("indexer %d: %w", i, err)
		}
	}
	return nil
}

// PostSync runs every PostSync, even after a failure, and merges their
// messages in indexer order. Failures are joined.
func (m *MultiIndexer) PostSync(ctx context.Context) ([]message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := []message.Message{}
	var errs []error
	for i, idx := range m.indexers {
		out, err := idx.PostSync(ctx)
		msgs = append(msgs, out...)
		if err != nil {
			errs = append(errs, fmt.Errorf("indexer %d post-sync: %w", i, err))
		}
	}
	return msgs, errors.Join(errs...)
}

// Check runs every Check concurrently and reports all failures. The group
// has no shared context, so one failure does not cancel the other checks.
func (m *MultiIndexer) Check(ctx context.Context) error {
	errs := make([]error, len(m.indexers))

	var g errgroup.Group
	for i, idx := range m.indexers {
		g.Go(func() error {
			if desc := Describe(ctx, idx); desc != "" {
				errs[i] = fmt.Errorf("indexer %d: %s", i, desc)
			}
			return errs[i]
		})
	}
	if g.Wait() == nil {
		return nil
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return vecerrors.ConfigError(
		fmt.Sprintf("%d of %d destinations failed check", failed, len(m.indexers)), errors.Join(errs...))
}

// Close closes every indexer that implements io.Closer. All are closed
// even if one fails; errors are joined. Close is idempotent.
func (m *MultiIndexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i, idx := range m.indexers {
		if c, ok := idx.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("indexer %d close: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}
