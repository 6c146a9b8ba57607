package embed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vecdest/internal/config"
)

// countingEmbedder is a test double that counts calls.
type countingEmbedder struct {
	embedCalls atomic.Int64
	batchCalls atomic.Int64
	batchTexts atomic.Int64
	dims       int
	failBatch  error
	closed     atomic.Bool
}

func (m *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.embedCalls.Add(1)
	return m.vector(text), nil
}

func (m *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.batchCalls.Add(1)
	m.batchTexts.Add(int64(len(texts)))
	if m.failBatch != nil {
		return nil, m.failBatch
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = m.vector(text)
	}
	return out, nil
}

func (m *countingEmbedder) vector(text string) []float32 {
	v := make([]float32, m.dims)
	v[0] = float32(len(text))
	return v
}

func (m *countingEmbedder) Dimensions() int                  { return m.dims }
func (m *countingEmbedder) ModelName() string                { return "counting" }
func (m *countingEmbedder) Available(_ context.Context) bool { return !m.closed.Load() }
func (m *countingEmbedder) Close() error {
	m.closed.Store(true)
	return nil
}

func TestStaticEmbedder_DimensionsAndNormalization(t *testing.T) {
	// Given: a 64-dimension static embedder
	e := NewStaticEmbedder(64)
	defer func() { _ = e.Close() }()

	// When: embedding a sentence
	vec, err := e.Embed(context.Background(), "The quick brown fox jumps over the lazy dog")
	require.NoError(t, err)

	// Then: the vector has unit length
	assert.Len(t, vec, 64)
	assert.InDelta(t, 1.0, vectorMagnitude(vec), 0.001)
	assert.Equal(t, 64, e.Dimensions())
	assert.Equal(t, "static-64", e.ModelName())
}

func TestStaticEmbedder_DefaultDimensions(t *testing.T) {
	assert.Equal(t, DefaultDimensions, NewStaticEmbedder(0).Dimensions())
}

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(128)
	a, err := e.Embed(context.Background(), "customer order shipped")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "customer order shipped")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(context.Background(), "invoice refunded")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestStaticEmbedder_SharedTermsAreCloser(t *testing.T) {
	// Given: two texts about customer email and one unrelated text
	e := NewStaticEmbedder(256)
	ctx := context.Background()
	base, err := e.Embed(ctx, "customerEmail address updated")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "customer email changed")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "warehouse pallet inventory")
	require.NoError(t, err)

	// Then: shared tokens make the related text more similar
	assert.Greater(t, cosineSimilarity(base, near), cosineSimilarity(base, far))
}

func TestStaticEmbedder_BlankIsZeroVector(t *testing.T) {
	vec, err := NewStaticEmbedder(16).Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), vec)
}

func TestStaticEmbedder_Batch(t *testing.T) {
	e := NewStaticEmbedder(32)
	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	single, err := e.Embed(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])

	empty, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStaticEmbedder_Closed(t *testing.T) {
	e := NewStaticEmbedder(8)
	require.NoError(t, e.Close())

	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStaticEmbedder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStaticEmbedder(8).Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitCamelCase(t *testing.T) {
	assert.Equal(t, []string{"get", "User", "Name"}, splitCamelCase("getUserName"))
	assert.Equal(t, []string{"HTTP", "Server"}, splitCamelCase("HTTPServer"))
	assert.Nil(t, splitCamelCase(""))
}

func TestCachedEmbedder_HitsSkipInner(t *testing.T) {
	// Given: a cache over a counting embedder
	inner := &countingEmbedder{dims: 4}
	c := NewCachedEmbedder(inner, 10)

	// When: embedding the same text twice
	first, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)

	// Then: inner is called once
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embedCalls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCachedEmbedder_BatchEmbedsOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	c := NewCachedEmbedder(inner, 10)

	_, err := c.Embed(context.Background(), "cached")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(context.Background(), []string{"cached", "new-a", "new-bb"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(6), vecs[0][0])
	assert.Equal(t, float32(6), vecs[2][0])
	assert.Equal(t, int64(2), inner.batchTexts.Load())

	// All cached now: no further inner batch call.
	_, err = c.EmbedBatch(context.Background(), []string{"new-a", "new-bb"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	c := NewCachedEmbedder(&countingEmbedder{dims: 4, failBatch: boom}, 10)

	_, err := c.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestCachedEmbedder_Passthrough(t *testing.T) {
	inner := &countingEmbedder{dims: 12}
	c := NewCachedEmbedder(inner, 0)

	assert.Equal(t, 12, c.Dimensions())
	assert.Equal(t, "counting", c.ModelName())
	assert.Same(t, inner, c.Inner())
	require.NoError(t, c.Close())
	assert.False(t, c.Available(context.Background()))
}

func TestNew(t *testing.T) {
	e, err := New(config.EmbeddingsConfig{})
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = New(config.EmbeddingsConfig{Provider: "static", Dimensions: 48})
	require.NoError(t, err)
	assert.IsType(t, &StaticEmbedder{}, e)
	assert.Equal(t, 48, e.Dimensions())

	e, err = New(config.EmbeddingsConfig{Provider: "static", Dimensions: 48, CacheSize: 5})
	require.NoError(t, err)
	assert.IsType(t, &CachedEmbedder{}, e)

	_, err = New(config.EmbeddingsConfig{Provider: "ollama"})
	assert.Error(t, err)
}
