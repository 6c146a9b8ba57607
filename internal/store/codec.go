package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Aman-CERP/vecdest/pkg/document"
)

// encodeEmbedding packs a vector as little-endian IEEE 754 float32 values.
// The length is implied by the byte count.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

// validateChunks rejects chunks that cannot be addressed by id, record
// or stream.
func validateChunks(chunks []*document.Chunk) error {
	for i, c := range chunks {
		if c == nil {
			return fmt.Errorf("chunk %d is nil", i)
		}
		if c.ID == "" || c.RecordID == "" || c.Stream == "" {
			return fmt.Errorf("chunk %d: id, record id and stream are required", i)
		}
	}
	return nil
}

func sortChunks(chunks []*document.Chunk) {
	slices.SortFunc(chunks, func(a, b *document.Chunk) int { return strings.Compare(a.ID, b.ID) })
}

// dedupe returns ids without empty strings or repeats, preserving order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
