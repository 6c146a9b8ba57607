// Package store provides the destination stores that indexers write chunks
// into: SQLite (FTS5), bleve, HNSW, Elasticsearch and Redis.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aman-CERP/vecdest/pkg/document"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store is closed")

// ErrUnsupported is returned when a store cannot serve an optional query.
var ErrUnsupported = errors.New("operation not supported by this store")

// ChunkStore persists chunks keyed by chunk id and grouped by record and
// stream. Implementations are safe for concurrent use.
type ChunkStore interface {
	// Apply removes every chunk of deleteRecordIDs, then upserts chunks.
	// Both happen in one transaction or batch where the backend allows it,
	// so a record present in both ends up holding exactly the new chunks.
	Apply(ctx context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error

	// DeleteStreams removes every chunk whose stream is in streams.
	DeleteStreams(ctx context.Context, streams []string) error

	// RecordChunks returns the chunks stored for recordID, ordered by id.
	RecordChunks(ctx context.Context, recordID string) ([]*document.Chunk, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable and usable without mutating it.
	Ping(ctx context.Context) error

	// Flush makes all applied writes durable and visible.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// SearchResult is a chunk with its relevance score (higher is better).
type SearchResult struct {
	Chunk *document.Chunk
	Score float64
}

// TextSearcher is implemented by stores with keyword search.
type TextSearcher interface {
	SearchText(ctx context.Context, query string, limit int) ([]*SearchResult, error)
}

// VectorSearcher is implemented by stores with nearest-neighbour search.
type VectorSearcher interface {
	SearchVector(ctx context.Context, query []float32, limit int) ([]*SearchResult, error)
}

// Dimensioned is implemented by stores that require a fixed embedding size.
type Dimensioned interface {
	Dimensions() int
}

// ErrDimensionMismatch reports an embedding of the wrong size.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
