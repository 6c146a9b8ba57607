// Package document defines the chunk model written to destination indexes.
//
// Chunks are produced upstream by a document-processing step (text
// splitting, metadata extraction, optional embedding). This package only
// describes their shape and how their identifiers are derived.
package document

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Reserved metadata keys written alongside every chunk.
const (
	// MetaRecordID holds the source record identifier of a chunk.
	MetaRecordID = "_ab_record_id"

	// MetaStream holds the stream identifier the chunk's record belongs to.
	MetaStream = "_ab_stream"
)

// chunkNamespace seeds deterministic chunk IDs (UUIDv5).
var chunkNamespace = uuid.MustParse("6f1d9c3e-8a42-5b7d-9e31-0c4a2f6b8d17")

// Chunk is a retrievable unit of content derived from a source record.
type Chunk struct {
	ID        string         `json:"id"`                  // Stable chunk identifier
	RecordID  string         `json:"record_id"`           // Source record identifier
	Stream    string         `json:"stream"`              // Stream identifier (namespace_name)
	Content   string         `json:"content"`             // Text content
	Metadata  map[string]any `json:"metadata,omitempty"`  // Arbitrary record metadata
	Embedding []float32      `json:"embedding,omitempty"` // Optional precomputed vector
}

// Validate checks that the chunk carries the identifiers an index needs.
func (c *Chunk) Validate() error {
	if c == nil {
		return fmt.Errorf("chunk is nil")
	}
	if c.RecordID == "" {
		return fmt.Errorf("chunk %q has no record id", c.ID)
	}
	if c.Stream == "" {
		return fmt.Errorf("chunk %q has no stream", c.ID)
	}
	return nil
}

// MetadataWithIdentity returns a copy of the chunk metadata with the
// reserved record and stream keys set.
func (c *Chunk) MetadataWithIdentity() map[string]any {
	out := make(map[string]any, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		out[k] = v
	}
	out[MetaRecordID] = c.RecordID
	out[MetaStream] = c.Stream
	return out
}

// RecordID builds a record identifier from a stream identifier and the
// record's primary key values. A record without a primary key gets a random
// identifier, which means it can never be deleted or replaced later.
func RecordID(streamID string, primaryKey ...any) string {
	if len(primaryKey) == 0 {
		return streamID + "_" + uuid.NewString()
	}

	parts := make([]string, 0, len(primaryKey)+1)
	parts = append(parts, streamID)
	for _, pk := range primaryKey {
		parts = append(parts, fmt.Sprint(pk))
	}
	return strings.Join(parts, "_")
}

// ChunkID derives a deterministic identifier for the seq-th chunk of a
// record. Re-indexing the same record produces the same chunk IDs.
func ChunkID(recordID string, seq int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", recordID, seq))).String()
}
