package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/document"
)

// Distance names accepted by HNSWOptions.Distance.
const (
	DistanceCosine    = "cosine"
	DistanceEuclidean = "euclidean"
)

const hnswSnapshotVersion = 1

// HNSWOptions configures an HNSWStore.
type HNSWOptions struct {
	// Path is the graph snapshot. Empty keeps the store in memory only.
	Path       string
	Dimensions int
	Distance   string
	M          int
	EfSearch   int
}

// HNSWStore is a vector destination over coder/hnsw. Chunks live in memory
// and are written to Path on Flush. Deletes are lazy: a removed chunk's
// graph node stays until the next compaction, it only loses its id mapping.
type HNSWStore struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	opts  HNSWOptions
	lock  *FileLock

	// ID mapping (chunk id <-> graph key)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	chunks  map[string]*document.Chunk
	records map[string]map[string]struct{} // record id -> chunk ids
	streams map[string]map[string]struct{} // stream -> chunk ids

	dirty  bool
	closed bool
}

var (
	_ ChunkStore     = (*HNSWStore)(nil)
	_ VectorSearcher = (*HNSWStore)(nil)
	_ Dimensioned    = (*HNSWStore)(nil)
)

// hnswSnapshot is the gob sidecar written next to the exported graph.
type hnswSnapshot struct {
	Version    int
	Dimensions int
	Distance   string
	IDMap      map[string]uint64
	NextKey    uint64
	Chunks     []hnswChunk
}

type hnswChunk struct {
	ID        string
	RecordID  string
	Stream    string
	Content   string
	Metadata  string
	Embedding []float32
}

// HNSWStats describes graph occupancy. Orphans are lazily deleted nodes.
type HNSWStats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

// NewHNSWStore creates the store, loading the snapshot at opts.Path when
// present. A persistent store holds an exclusive file lock until Close.
func NewHNSWStore(opts HNSWOptions) (*HNSWStore, error) {
	if opts.Dimensions <= 0 {
		return nil, vecerrors.ConfigError(fmt.Sprintf("hnsw dimensions must be positive, got %d", opts.Dimensions), nil)
	}
	if opts.Distance == "" {
		opts.Distance = DistanceCosine
	}
	if opts.M == 0 {
		opts.M = 16
	}
	if opts.EfSearch == 0 {
		opts.EfSearch = 20
	}

	s := &HNSWStore{opts: opts}
	s.reset()

	if opts.Path == "" {
		return s, nil
	}

	s.lock = NewFileLock(opts.Path + ".lock")
	acquired, err := s.lock.TryLock()
	if err != nil {
		return nil, vecerrors.IOError("failed to lock hnsw snapshot", err)
	}
	if !acquired {
		return nil, vecerrors.New(vecerrors.ErrCodeLockHeld,
			fmt.Sprintf("hnsw snapshot %s is locked by another process", opts.Path), nil)
	}

	if err := s.load(); err != nil {
		_ = s.lock.Unlock()
		return nil, err
	}
	return s, nil
}

// reset replaces the graph and all mappings with empty ones.
func (s *HNSWStore) reset() {
	graph := hnsw.NewGraph[uint64]()
	switch s.opts.Distance {
	case DistanceEuclidean:
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = s.opts.M
	graph.EfSearch = s.opts.EfSearch
	graph.Ml = 0.25

	s.graph = graph
	s.idMap = make(map[string]uint64)
	s.keyMap = make(map[uint64]string)
	s.nextKey = 0
	s.chunks = make(map[string]*document.Chunk)
	s.records = make(map[string]map[string]struct{})
	s.streams = make(map[string]map[string]struct{})
}

// Dimensions returns the embedding size the store accepts.
func (s *HNSWStore) Dimensions() int {
	return s.opts.Dimensions
}

// Apply validates every embedding first, so a rejected batch leaves the
// store untouched, then removes the deleted records and adds chunks.
func (s *HNSWStore) Apply(_ context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error {
	deleteRecordIDs = dedupe(deleteRecordIDs)
	if len(deleteRecordIDs) == 0 && len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return vecerrors.ValidationError("invalid chunk batch", err)
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return vecerrors.ValidationError(fmt.Sprintf("chunk %s has no embedding", c.ID), nil).
				WithSuggestion("Configure an embeddings provider or send embedded chunks")
		}
		if len(c.Embedding) != s.opts.Dimensions {
			return vecerrors.New(vecerrors.ErrCodeDimensionMismatch, fmt.Sprintf("chunk %s", c.ID),
				ErrDimensionMismatch{Expected: s.opts.Dimensions, Got: len(c.Embedding)})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, rid := range deleteRecordIDs {
		for id := range s.records[rid] {
			s.removeChunk(id)
		}
	}
	for _, c := range chunks {
		s.removeChunk(c.ID)
		s.addChunk(c)
	}
	s.dirty = true
	return nil
}

// addChunk inserts a graph node and indexes the chunk. Caller holds s.mu.
func (s *HNSWStore) addChunk(c *document.Chunk) {
	stored := *c
	stored.Embedding = append([]float32(nil), c.Embedding...)

	vec := append([]float32(nil), c.Embedding...)
	if s.opts.Distance == DistanceCosine {
		normalizeVectorInPlace(vec)
	}

	key := s.nextKey
	s.nextKey++
	s.graph.Add(hnsw.MakeNode(key, vec))

	s.idMap[c.ID] = key
	s.keyMap[key] = c.ID
	s.chunks[c.ID] = &stored
	addToSet(s.records, c.RecordID, c.ID)
	addToSet(s.streams, c.Stream, c.ID)
}

// removeChunk unmaps a chunk. The graph node is orphaned rather than
// deleted: coder/hnsw breaks when its last node is removed.
// Caller holds s.mu.
func (s *HNSWStore) removeChunk(id string) {
	c, ok := s.chunks[id]
	if !ok {
		return
	}
	if key, exists := s.idMap[id]; exists {
		delete(s.keyMap, key)
		delete(s.idMap, id)
	}
	delete(s.chunks, id)
	removeFromSet(s.records, c.RecordID, id)
	removeFromSet(s.streams, c.Stream, id)
}

func addToSet(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, id string) {
	set := m[key]
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// DeleteStreams removes every chunk of the given streams.
func (s *HNSWStore) DeleteStreams(_ context.Context, streams []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, stream := range dedupe(streams) {
		for id := range s.streams[stream] {
			s.removeChunk(id)
			s.dirty = true
		}
	}
	return nil
}

// RecordChunks returns the chunks of recordID ordered by id.
func (s *HNSWStore) RecordChunks(_ context.Context, recordID string) ([]*document.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	ids := s.records[recordID]
	chunks := make([]*document.Chunk, 0, len(ids))
	for id := range ids {
		c := *s.chunks[id]
		c.Embedding = append([]float32(nil), c.Embedding...)
		chunks = append(chunks, &c)
	}
	sortChunks(chunks)
	return chunks, nil
}

// Count returns the number of live chunks.
func (s *HNSWStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	return len(s.chunks), nil
}

// Stats returns graph occupancy.
func (s *HNSWStore) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HNSWStats{}
	}
	valid := len(s.idMap)
	nodes := s.graph.Len()
	return HNSWStats{ValidIDs: valid, GraphNodes: nodes, Orphans: nodes - valid}
}

// Ping reports whether the store is open and its snapshot directory is
// writable.
func (s *HNSWStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	if s.opts.Path == "" {
		return nil
	}

	probe, err := os.CreateTemp(filepath.Dir(s.opts.Path), ".vecdest-probe-*")
	if err != nil {
		return vecerrors.New(vecerrors.ErrCodeFilePermission,
			fmt.Sprintf("hnsw snapshot directory %s is not writable", filepath.Dir(s.opts.Path)), err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// Flush compacts the graph when orphans outnumber live nodes and writes
// the snapshot if anything changed since the last flush.
func (s *HNSWStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if orphans := s.graph.Len() - len(s.idMap); orphans > len(s.idMap) {
		s.compact()
		s.dirty = true
	}

	if s.opts.Path == "" || !s.dirty {
		return nil
	}
	if err := s.save(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// compact rebuilds the graph from live chunks. Caller holds s.mu.
func (s *HNSWStore) compact() {
	live := make([]*document.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		live = append(live, c)
	}
	sortChunks(live)

	before := s.graph.Len()
	s.reset()
	for _, c := range live {
		s.addChunk(c)
	}
	slog.Debug("hnsw_compacted",
		slog.Int("nodes_before", before),
		slog.Int("nodes_after", s.graph.Len()))
}

// save writes the graph and sidecar via temp file + rename.
// Caller holds s.mu.
func (s *HNSWStore) save() error {
	path := s.opts.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := writeAtomic(path, func(f *os.File) error { return s.graph.Export(f) }); err != nil {
		return fmt.Errorf("failed to export graph: %w", err)
	}

	snap := hnswSnapshot{
		Version:    hnswSnapshotVersion,
		Dimensions: s.opts.Dimensions,
		Distance:   s.opts.Distance,
		IDMap:      s.idMap,
		NextKey:    s.nextKey,
		Chunks:     make([]hnswChunk, 0, len(s.chunks)),
	}
	for _, c := range s.chunks {
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return err
		}
		snap.Chunks = append(snap.Chunks, hnswChunk{
			ID: c.ID, RecordID: c.RecordID, Stream: c.Stream,
			Content: c.Content, Metadata: meta, Embedding: c.Embedding,
		})
	}

	if err := writeAtomic(path+".meta", func(f *os.File) error { return gob.NewEncoder(f).Encode(snap) }); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// load restores the snapshot at opts.Path. A missing snapshot is a fresh
// start.
func (s *HNSWStore) load() error {
	path := s.opts.Path
	metaFile, err := os.Open(path + ".meta")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return vecerrors.IOError("failed to open hnsw metadata", err)
	}
	defer metaFile.Close()

	var snap hnswSnapshot
	if err := gob.NewDecoder(metaFile).Decode(&snap); err != nil {
		return vecerrors.New(vecerrors.ErrCodeCorruptIndex, "failed to decode hnsw metadata", err)
	}
	if snap.Dimensions != s.opts.Dimensions {
		return vecerrors.New(vecerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("hnsw snapshot %s", path),
			ErrDimensionMismatch{Expected: s.opts.Dimensions, Got: snap.Dimensions}).
			WithSuggestion("Match hnsw.dimensions to the snapshot or remove it and run a full refresh sync")
	}

	graphFile, err := os.Open(path)
	if err != nil {
		return vecerrors.IOError("failed to open hnsw graph", err)
	}
	defer graphFile.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(graphFile)); err != nil {
		return vecerrors.New(vecerrors.ErrCodeCorruptIndex, "failed to import hnsw graph", err)
	}

	s.idMap = snap.IDMap
	s.nextKey = snap.NextKey
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	for _, hc := range snap.Chunks {
		meta, err := decodeMetadata(hc.Metadata)
		if err != nil {
			return vecerrors.New(vecerrors.ErrCodeCorruptIndex, "failed to decode hnsw chunk", err)
		}
		c := &document.Chunk{
			ID: hc.ID, RecordID: hc.RecordID, Stream: hc.Stream,
			Content: hc.Content, Metadata: meta, Embedding: hc.Embedding,
		}
		s.chunks[c.ID] = c
		addToSet(s.records, c.RecordID, c.ID)
		addToSet(s.streams, c.Stream, c.ID)
	}
	return nil
}

// SearchVector returns the limit nearest live chunks to query.
func (s *HNSWStore) SearchVector(_ context.Context, query []float32, limit int) ([]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if len(query) != s.opts.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.opts.Dimensions, Got: len(query)}
	}
	if len(s.idMap) == 0 || limit <= 0 {
		return []*SearchResult{}, nil
	}

	q := append([]float32(nil), query...)
	if s.opts.Distance == DistanceCosine {
		normalizeVectorInPlace(q)
	}

	// Over-fetch by the orphan count so lazily deleted nodes don't crowd
	// out live ones.
	k := min(limit+s.graph.Len()-len(s.idMap), s.graph.Len())
	nodes := s.graph.Search(q, k)

	results := make([]*SearchResult, 0, limit)
	for _, node := range nodes {
		id, ok := s.keyMap[node.Key]
		if !ok {
			continue
		}
		c := *s.chunks[id]
		results = append(results, &SearchResult{
			Chunk: &c,
			Score: float64(distanceToScore(s.graph.Distance(q, node.Value), s.opts.Distance)),
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// Close releases the snapshot lock. Unflushed changes are discarded.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	if s.lock != nil {
		return s.lock.Unlock()
	}
	return nil
}

func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore maps a distance to a similarity in (0, 1].
// Cosine distance ranges 0-2; euclidean 0-inf.
func distanceToScore(distance float32, metric string) float32 {
	if metric == DistanceEuclidean {
		return 1.0 / (1.0 + distance)
	}
	return 1.0 - distance/2.0
}
