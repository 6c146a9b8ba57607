// Package embed fills in chunk embeddings that a source did not provide.
//
// Only deterministic, local embedders live here; model-backed embedding is
// the job of the upstream pipeline.
package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/Aman-CERP/vecdest/internal/config"
)

// DefaultDimensions is the StaticEmbedder dimension when none is configured.
const DefaultDimensions = 256

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// New builds the embedder described by cfg. An empty provider means chunks
// arrive embedded and New returns nil, nil.
func New(cfg config.EmbeddingsConfig) (Embedder, error) {
	var embedder Embedder
	switch cfg.Provider {
	case "":
		return nil, nil
	case "static":
		embedder = NewStaticEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	if cfg.CacheSize > 0 {
		embedder = NewCachedEmbedder(embedder, cfg.CacheSize)
	}
	return embedder, nil
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
