package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vecdest/internal/config"
	"github.com/Aman-CERP/vecdest/internal/embed"
	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/internal/store"
	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/document"
)

const testDims = 16

// backendCase opens a fresh in-process destination.
type backendCase struct {
	name string
	open func(t *testing.T) *StoreIndexer
}

func newIndexer(t *testing.T, backend string, st store.ChunkStore, opts ...StoreOption) *StoreIndexer {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Backend = backend
	idx, err := NewStoreIndexer(cfg, st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func backends() []backendCase {
	return []backendCase{
		{"sqlite", func(t *testing.T) *StoreIndexer {
			st, err := store.NewSQLiteStore(store.SQLiteOptions{FullText: true})
			require.NoError(t, err)
			return newIndexer(t, config.BackendSQLite, st)
		}},
		{"sqlite3", func(t *testing.T) *StoreIndexer {
			st, err := store.NewSQLite3Store(store.SQLiteOptions{})
			require.NoError(t, err)
			return newIndexer(t, config.BackendSQLite3, st)
		}},
		{"bleve", func(t *testing.T) *StoreIndexer {
			st, err := store.NewBleveStore("")
			require.NoError(t, err)
			return newIndexer(t, config.BackendBleve, st)
		}},
		{"hnsw", func(t *testing.T) *StoreIndexer {
			st, err := store.NewHNSWStore(store.HNSWOptions{Dimensions: testDims})
			require.NoError(t, err)
			return newIndexer(t, config.BackendHNSW, st, WithEmbedder(embed.NewStaticEmbedder(testDims)))
		}},
		{"redis", func(t *testing.T) *StoreIndexer {
			mr := miniredis.RunT(t)
			st, err := store.NewRedisStore(store.RedisOptions{Address: mr.Addr()})
			require.NoError(t, err)
			return newIndexer(t, config.BackendRedis, st)
		}},
	}
}

// chunksFor builds n chunks of one record without ids or embeddings.
func chunksFor(stream, recordID string, n int) []*document.Chunk {
	chunks := make([]*document.Chunk, n)
	for i := range chunks {
		chunks[i] = &document.Chunk{
			RecordID: recordID,
			Stream:   stream,
			Content:  fmt.Sprintf("%s chunk %d about shipping orders", recordID, i),
			Metadata: map[string]any{"seq": float64(i)},
		}
	}
	return chunks
}

func recordChunks(t *testing.T, idx *StoreIndexer, recordID string) []*document.Chunk {
	t.Helper()
	got, err := idx.Store().RecordChunks(context.Background(), recordID)
	require.NoError(t, err)
	return got
}

func TestStoreIndexer_EmptyIndexIsNoop(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			idx := b.open(t)
			ctx := context.Background()

			require.NoError(t, idx.Index(ctx, nil, nil))
			require.NoError(t, idx.Index(ctx, []*document.Chunk{}, []string{}))

			n, err := idx.Store().Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStoreIndexer_DeleteAfterIndexLeavesNothing(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Given: chunks for record X and record Y
			idx := b.open(t)
			ctx := context.Background()
			require.NoError(t, idx.Index(ctx, chunksFor("orders", "orders_X", 3), nil))
			require.NoError(t, idx.Index(ctx, chunksFor("orders", "orders_Y", 2), nil))
			require.Len(t, recordChunks(t, idx, "orders_X"), 3)

			// When: X is deleted
			require.NoError(t, idx.Index(ctx, nil, []string{"orders_X"}))

			// Then: no chunk of X remains and Y is untouched
			assert.Empty(t, recordChunks(t, idx, "orders_X"))
			assert.Len(t, recordChunks(t, idx, "orders_Y"), 2)
		})
	}
}

func TestStoreIndexer_DeleteAndInsertReplaces(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Given: a record indexed with three chunks
			idx := b.open(t)
			ctx := context.Background()
			require.NoError(t, idx.Index(ctx, chunksFor("orders", "orders_1", 3), nil))

			// When: the record is deleted and re-sent with one chunk in the same call
			updated := []*document.Chunk{{RecordID: "orders_1", Stream: "orders", Content: "rewritten"}}
			require.NoError(t, idx.Index(ctx, updated, []string{"orders_1"}))

			// Then: the record holds exactly the new chunk
			got := recordChunks(t, idx, "orders_1")
			require.Len(t, got, 1)
			assert.Equal(t, "rewritten", got[0].Content)
		})
	}
}

func TestStoreIndexer_PreSyncClearsOverwriteStreams(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Given: data in an overwrite stream and an append stream
			idx := b.open(t)
			ctx := context.Background()
			require.NoError(t, idx.Index(ctx, chunksFor("public_users", "public_users_1", 2), nil))
			require.NoError(t, idx.Index(ctx, chunksFor("events", "events_1", 2), nil))

			cat := &catalog.Catalog{Streams: []catalog.ConfiguredStream{
				{
					Stream:              catalog.Stream{Name: "users", Namespace: "public"},
					DestinationSyncMode: catalog.DestinationSyncModeOverwrite,
				},
				{
					Stream:              catalog.Stream{Name: "events"},
					DestinationSyncMode: catalog.DestinationSyncModeAppend,
				},
			}}

			// When: a new sync starts
			require.NoError(t, idx.PreSync(ctx, cat))

			// Then: only the overwrite stream is empty
			assert.Empty(t, recordChunks(t, idx, "public_users_1"))
			assert.Len(t, recordChunks(t, idx, "events_1"), 2)
		})
	}
}

func TestStoreIndexer_PostSyncReportsCounts(t *testing.T) {
	// Given: one sync with five chunks and one delete
	idx := backends()[0].open(t)
	ctx := context.Background()
	require.NoError(t, idx.PreSync(ctx, nil))
	require.NoError(t, idx.Index(ctx, chunksFor("s", "s_1", 3), nil))
	require.NoError(t, idx.Index(ctx, chunksFor("s", "s_2", 2), []string{"s_0"}))

	// When: the sync ends
	msgs, err := idx.PostSync(ctx)
	require.NoError(t, err)

	// Then: the counts are reported and reset
	require.NotEmpty(t, msgs)
	assert.Equal(t, "INFO: indexed 5 chunks, deleted 1 records", msgs[0].String())
	assert.Equal(t, "INFO: destination holds 5 chunks", msgs[1].String())

	msgs, err = idx.PostSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INFO: indexed 0 chunks, deleted 0 records", msgs[0].String())
}

func TestStoreIndexer_AssignsDeterministicIDs(t *testing.T) {
	// Given: chunks without ids
	idx := backends()[0].open(t)
	ctx := context.Background()
	input := chunksFor("s", "s_1", 2)

	// When: indexing them in two consecutive syncs
	require.NoError(t, idx.PreSync(ctx, nil))
	require.NoError(t, idx.Index(ctx, input, nil))
	require.NoError(t, idx.PreSync(ctx, nil))
	require.NoError(t, idx.Index(ctx, chunksFor("s", "s_1", 2), nil))

	// Then: ids derive from the record and position, and the second sync overwrites
	got := recordChunks(t, idx, "s_1")
	require.Len(t, got, 2)
	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{document.ChunkID("s_1", 0), document.ChunkID("s_1", 1)}, ids)

	// The caller's chunks are left alone.
	assert.Empty(t, input[0].ID)
}

func TestStoreIndexer_RecordSplitAcrossCallsKeepsEveryChunk(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			// Given: one record's five chunks grouped two per Index call
			idx := b.open(t)
			ctx := context.Background()
			require.NoError(t, idx.PreSync(ctx, nil))
			groups, err := BatchSlice(chunksFor("users", "users_1", 5), 2)
			require.NoError(t, err)

			// When: every group is indexed
			for group := range groups {
				require.NoError(t, idx.Index(ctx, group, nil))
			}

			// Then: all five chunks survive with distinct positions
			got := recordChunks(t, idx, "users_1")
			require.Len(t, got, 5)
			want := make([]string, 5)
			for i := range want {
				want[i] = document.ChunkID("users_1", i)
			}
			ids := make([]string, len(got))
			for i, c := range got {
				ids[i] = c.ID
			}
			assert.ElementsMatch(t, want, ids)

			msgs, err := idx.PostSync(ctx)
			require.NoError(t, err)
			assert.Equal(t, "INFO: indexed 5 chunks, deleted 0 records", msgs[0].String())
		})
	}
}

func TestStoreIndexer_DeleteRestartsRecordNumbering(t *testing.T) {
	// Given: a record written with three chunks in this sync
	idx := backends()[0].open(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, chunksFor("s", "s_1", 3), nil))

	// When: it is deleted, then written again in a later call
	require.NoError(t, idx.Index(ctx, nil, []string{"s_1"}))
	require.NoError(t, idx.Index(ctx, chunksFor("s", "s_1", 1), nil))

	// Then: the rewrite starts at position 0
	got := recordChunks(t, idx, "s_1")
	require.Len(t, got, 1)
	assert.Equal(t, document.ChunkID("s_1", 0), got[0].ID)
}

func TestStoreIndexer_EmbedsMissingVectors(t *testing.T) {
	st, err := store.NewSQLiteStore(store.SQLiteOptions{})
	require.NoError(t, err)
	idx := newIndexer(t, config.BackendSQLite, st, WithEmbedder(embed.NewStaticEmbedder(testDims)))
	ctx := context.Background()

	chunks := chunksFor("s", "s_1", 2)
	chunks[1].Embedding = make([]float32, testDims)
	chunks[1].Embedding[0] = 1
	require.NoError(t, idx.Index(ctx, chunks, nil))

	for _, c := range recordChunks(t, idx, "s_1") {
		assert.Len(t, c.Embedding, testDims)
	}
	assert.Nil(t, chunks[0].Embedding)
}

func TestStoreIndexer_RejectsInvalidChunk(t *testing.T) {
	idx := backends()[0].open(t)
	err := idx.Index(context.Background(), []*document.Chunk{{Stream: "s", Content: "orphan"}}, nil)
	require.Error(t, err)
	assert.Equal(t, vecerrors.ErrCodeIndexFailed, vecerrors.GetCode(err))
}

func TestStoreIndexer_VectorStoreNeedsEmbeddings(t *testing.T) {
	// An HNSW destination without an embedder rejects unembedded chunks.
	st, err := store.NewHNSWStore(store.HNSWOptions{Dimensions: testDims})
	require.NoError(t, err)
	idx := newIndexer(t, config.BackendHNSW, st)

	err = idx.Index(context.Background(), chunksFor("s", "s_1", 1), nil)
	require.Error(t, err)
	assert.Equal(t, vecerrors.ErrCodeIndexFailed, vecerrors.GetCode(err))
}

// flakyStore fails the first failures Apply calls with err.
type flakyStore struct {
	store.ChunkStore
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Apply(ctx context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return f.ChunkStore.Apply(ctx, deleteRecordIDs, chunks)
}

func fastRetry() vecerrors.RetryConfig {
	return vecerrors.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestStoreIndexer_RetriesRetryableWrites(t *testing.T) {
	// Given: a store that drops the connection twice
	inner, err := store.NewSQLiteStore(store.SQLiteOptions{})
	require.NoError(t, err)
	flaky := &flakyStore{ChunkStore: inner, failures: 2, err: vecerrors.NetworkError("connection reset", nil)}
	idx := newIndexer(t, config.BackendSQLite, flaky, WithRetry(fastRetry()))

	// When: indexing
	require.NoError(t, idx.Index(context.Background(), chunksFor("s", "s_1", 1), nil))

	// Then: the third attempt landed
	assert.Equal(t, 3, flaky.calls)
	assert.Len(t, recordChunks(t, idx, "s_1"), 1)
}

func TestStoreIndexer_DoesNotRetryPermanentFailures(t *testing.T) {
	inner, err := store.NewSQLiteStore(store.SQLiteOptions{})
	require.NoError(t, err)
	flaky := &flakyStore{ChunkStore: inner, failures: 5, err: errors.New("mapping conflict")}
	idx := newIndexer(t, config.BackendSQLite, flaky, WithRetry(fastRetry()))

	err = idx.Index(context.Background(), chunksFor("s", "s_1", 1), nil)
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)
	assert.Contains(t, err.Error(), "mapping conflict")
}

func TestStoreIndexer_WithoutRetryFailsOnce(t *testing.T) {
	inner, err := store.NewSQLiteStore(store.SQLiteOptions{})
	require.NoError(t, err)
	flaky := &flakyStore{ChunkStore: inner, failures: 1, err: vecerrors.NetworkError("connection reset", nil)}
	idx := newIndexer(t, config.BackendSQLite, flaky)

	err = idx.Index(context.Background(), chunksFor("s", "s_1", 1), nil)
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)

	// A failed write does not use up chunk positions.
	require.NoError(t, idx.Index(context.Background(), chunksFor("s", "s_1", 1), nil))
	got := recordChunks(t, idx, "s_1")
	require.Len(t, got, 1)
	assert.Equal(t, document.ChunkID("s_1", 0), got[0].ID)
}

func TestStoreIndexer_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy destinations pass", func(t *testing.T) {
		for _, b := range backends() {
			assert.NoError(t, b.open(t).Check(ctx), b.name)
		}
	})

	t.Run("unreachable redis is described", func(t *testing.T) {
		mr := miniredis.RunT(t)
		st, err := store.NewRedisStore(store.RedisOptions{Address: mr.Addr(), Timeout: time.Second})
		require.NoError(t, err)
		idx := newIndexer(t, config.BackendRedis, st)
		mr.Close()

		err = idx.Check(ctx)
		require.Error(t, err)
		assert.Equal(t, vecerrors.ErrCodeConfigInvalid, vecerrors.GetCode(err))
		assert.NotEmpty(t, Describe(ctx, idx))
	})

	t.Run("embedder size must match the destination", func(t *testing.T) {
		st, err := store.NewHNSWStore(store.HNSWOptions{Dimensions: testDims})
		require.NoError(t, err)
		idx := newIndexer(t, config.BackendHNSW, st, WithEmbedder(embed.NewStaticEmbedder(testDims*2)))

		desc := Describe(ctx, idx)
		assert.Contains(t, desc, "dimension mismatch")
	})

	t.Run("closed store fails", func(t *testing.T) {
		st, err := store.NewBleveStore("")
		require.NoError(t, err)
		idx := newIndexer(t, config.BackendBleve, st)
		require.NoError(t, idx.Close())

		assert.NotEmpty(t, Describe(ctx, idx))
	})
}

func TestNewStoreIndexer_RequiresStore(t *testing.T) {
	_, err := NewStoreIndexer(nil, nil)
	assert.ErrorIs(t, err, ErrNilStore)
}
