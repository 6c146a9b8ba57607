package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/Aman-CERP/vecdest/internal/config"
	"github.com/Aman-CERP/vecdest/internal/embed"
	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/internal/store"
	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/document"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// ErrNilStore is returned when a StoreIndexer is created without a store.
var ErrNilStore = errors.New("chunk store is required")

// StoreIndexer implements Indexer over a [store.ChunkStore].
//
// Chunks without an embedding are embedded first when an embedder is
// configured. Each Index call becomes one store Apply, so deletes and
// inserts land together.
//
// Chunks without an ID are numbered per record across the whole sync, so a
// record split over several Index calls keeps every chunk. Numbering
// restarts in PreSync and for records deleted in the same call.
//
// StoreIndexer is safe for concurrent use; Index calls are serialized.
type StoreIndexer struct {
	Base[*config.Config]

	store    store.ChunkStore
	embedder embed.Embedder
	retry    *vecerrors.RetryConfig
	logger   *slog.Logger

	// Per-sync counters, reported and reset by PostSync.
	indexed atomic.Int64
	deleted atomic.Int64

	// seq is the next chunk position per record in the current sync.
	seqMu sync.Mutex
	seq   map[string]int

	closeOnce sync.Once
	closeErr  error
}

var _ Indexer = (*StoreIndexer)(nil)

// StoreOption configures a StoreIndexer.
type StoreOption func(*StoreIndexer)

// WithEmbedder fills in missing chunk embeddings with e.
// Pass nil to require embedded chunks.
func WithEmbedder(e embed.Embedder) StoreOption {
	return func(s *StoreIndexer) {
		s.embedder = e
	}
}

// WithRetry retries store writes that fail with a retryable error.
func WithRetry(cfg vecerrors.RetryConfig) StoreOption {
	return func(s *StoreIndexer) {
		s.retry = &cfg
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *StoreIndexer) {
		s.logger = l
	}
}

// NewStoreIndexer creates an indexer writing through st. cfg describes
// the backend for Check output; nil means defaults.
//
// Returns ErrNilStore if st is nil.
func NewStoreIndexer(cfg *config.Config, st store.ChunkStore, opts ...StoreOption) (*StoreIndexer, error) {
	if st == nil {
		return nil, ErrNilStore
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	s := &StoreIndexer{
		Base:   NewBase(cfg),
		store:  st,
		logger: slog.Default(),
		seq:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store returns the underlying chunk store.
func (s *StoreIndexer) Store() store.ChunkStore {
	return s.store
}

// PreSync deletes every chunk of the catalog's overwrite streams.
func (s *StoreIndexer) PreSync(ctx context.Context, cat *catalog.Catalog) error {
	s.indexed.Store(0)
	s.deleted.Store(0)
	s.seqMu.Lock()
	clear(s.seq)
	s.seqMu.Unlock()

	streams := cat.OverwriteStreams()
	if len(streams) == 0 {
		return nil
	}

	err := s.withRetry(ctx, func() error { return s.store.DeleteStreams(ctx, streams) })
	if err != nil {
		return vecerrors.WriteError(fmt.Sprintf("failed to clear %d overwrite streams", len(streams)), err)
	}

	s.logger.Info("overwrite_streams_cleared",
		slog.String("backend", s.Config().Backend),
		slog.Any("streams", streams))
	return nil
}

// Index applies deleteIDs and chunks as one store write.
func (s *StoreIndexer) Index(ctx context.Context, chunks []*document.Chunk, deleteIDs []string) error {
	if len(chunks) == 0 && len(deleteIDs) == 0 {
		return nil
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	prepared, next, err := s.prepare(ctx, chunks, deleteIDs)
	if err != nil {
		return vecerrors.WriteError("failed to prepare chunks", err)
	}

	err = s.withRetry(ctx, func() error { return s.store.Apply(ctx, deleteIDs, prepared) })
	if err != nil {
		return vecerrors.WriteError(
			fmt.Sprintf("failed to index %d chunks and delete %d records", len(prepared), len(deleteIDs)), err)
	}

	for _, id := range deleteIDs {
		delete(s.seq, id)
	}
	maps.Copy(s.seq, next)

	s.indexed.Add(int64(len(prepared)))
	s.deleted.Add(int64(len(deleteIDs)))
	s.logger.Debug("batch_indexed",
		slog.Int("chunks", len(prepared)),
		slog.Int("deleted_records", len(deleteIDs)))
	return nil
}

// prepare validates chunks and returns copies with IDs and embeddings
// filled in, plus the per-record positions to commit once the write
// succeeds. The caller's chunks are not modified. Callers hold seqMu.
func (s *StoreIndexer) prepare(ctx context.Context, chunks []*document.Chunk, deleteIDs []string) ([]*document.Chunk, map[string]int, error) {
	if len(chunks) == 0 {
		return nil, nil, nil
	}

	// Records deleted in this call are rewritten from position 0.
	next := make(map[string]int, len(deleteIDs))
	for _, id := range deleteIDs {
		next[id] = 0
	}

	out := make([]*document.Chunk, len(chunks))
	var missing []int
	for i, c := range chunks {
		if err := c.Validate(); err != nil {
			return nil, nil, vecerrors.ValidationError(fmt.Sprintf("chunk %d is invalid", i), err)
		}
		cp := *c
		pos, ok := next[cp.RecordID]
		if !ok {
			pos = s.seq[cp.RecordID]
		}
		if cp.ID == "" {
			cp.ID = document.ChunkID(cp.RecordID, pos)
		}
		next[cp.RecordID] = pos + 1
		if len(cp.Embedding) == 0 {
			missing = append(missing, i)
		}
		out[i] = &cp
	}

	if s.embedder == nil || len(missing) == 0 {
		return out, next, nil
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = out[i].Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, vecerrors.New(vecerrors.ErrCodeEmbeddingFailed, "failed to embed chunks", err)
	}
	if len(vectors) != len(missing) {
		return nil, nil, vecerrors.InternalError(
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(missing)), nil)
	}
	for j, i := range missing {
		out[i].Embedding = vectors[j]
	}
	return out, next, nil
}

func (s *StoreIndexer) withRetry(ctx context.Context, fn func() error) error {
	if s.retry == nil {
		return fn()
	}
	return vecerrors.Retry(ctx, *s.retry, fn)
}

// PostSync flushes the store and reports the sync's counts.
func (s *StoreIndexer) PostSync(ctx context.Context) ([]message.Message, error) {
	indexed := s.indexed.Swap(0)
	deleted := s.deleted.Swap(0)

	if err := s.withRetry(ctx, func() error { return s.store.Flush(ctx) }); err != nil {
		return []message.Message{
			message.Error("flush failed after indexing %d chunks", indexed),
		}, vecerrors.WriteError("failed to flush destination", err)
	}

	msgs := []message.Message{message.Info("indexed %d chunks, deleted %d records", indexed, deleted)}
	if total, err := s.store.Count(ctx); err == nil {
		msgs = append(msgs, message.Info("destination holds %d chunks", total))
	}
	return msgs, nil
}

// Check pings the store and verifies that the embedder and the store agree
// on vector dimensions.
func (s *StoreIndexer) Check(ctx context.Context) error {
	cfg := s.Config()
	location := store.Location(cfg)

	if err := s.store.Ping(ctx); err != nil {
		ce := vecerrors.ConfigError(
			fmt.Sprintf("%s destination at %s is not usable", cfg.Backend, location), err)
		if ve, ok := vecerrors.As(err); ok && ve.Suggestion != "" {
			ce.WithSuggestion(ve.Suggestion)
		}
		return ce
	}

	if s.embedder == nil {
		return nil
	}
	if !s.embedder.Available(ctx) {
		return vecerrors.ConfigError(fmt.Sprintf("embedder %s is not available", s.embedder.ModelName()), nil)
	}
	if d, ok := s.store.(store.Dimensioned); ok && d.Dimensions() > 0 && d.Dimensions() != s.embedder.Dimensions() {
		return vecerrors.ConfigError(
			fmt.Sprintf("embedder %s does not fit the %s destination", s.embedder.ModelName(), cfg.Backend),
			store.ErrDimensionMismatch{Expected: d.Dimensions(), Got: s.embedder.Dimensions()}).
			WithSuggestion("Set embeddings.dimensions to the destination's vector size")
	}
	return nil
}

// Close closes the store and the embedder. Later calls return the first
// result.
func (s *StoreIndexer) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		if s.embedder != nil {
			if err := s.embedder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("embedder close: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
