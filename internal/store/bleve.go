package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/document"
)

const (
	// TextTokenizerName is the registered name of the identifier-aware tokenizer.
	TextTokenizerName = "vecdest_text_tokenizer"

	// TextStopFilterName is the registered name of the stop word filter.
	TextStopFilterName = "vecdest_text_stop"

	// TextAnalyzerName is the analyzer applied to chunk content.
	TextAnalyzerName = "vecdest_text"

	// bleveFieldRaw stores the JSON-encoded chunk; it is not indexed.
	bleveFieldRaw = "raw"

	blevePageSize = 1000
)

func init() {
	_ = registry.RegisterTokenizer(TextTokenizerName, textTokenizerConstructor)
	_ = registry.RegisterTokenFilter(TextStopFilterName, textStopFilterConstructor)
}

// BleveStore keeps chunks in a bleve index: content is analyzed for
// keyword search, record and stream ids are keyword fields.
// A disk index holds an exclusive lock, so only one process may open it.
type BleveStore struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var (
	_ ChunkStore   = (*BleveStore)(nil)
	_ TextSearcher = (*BleveStore)(nil)
)

// validateBleveIntegrity checks an existing index directory before opening.
// A missing directory is valid.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// NewBleveStore opens or creates the index at path. An empty path creates
// an in-memory index.
func NewBleveStore(path string) (*BleveStore, error) {
	indexMapping, err := createChunkMapping()
	if err != nil {
		return nil, vecerrors.InternalError("failed to create index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, vecerrors.New(vecerrors.ErrCodeFilePermission,
				fmt.Sprintf("failed to create directory for %s", path), mkErr)
		}
		if validErr := validateBleveIntegrity(path); validErr != nil {
			return nil, vecerrors.New(vecerrors.ErrCodeCorruptIndex,
				fmt.Sprintf("bleve destination at %s is corrupted", path), validErr).
				WithSuggestion("Remove the index directory and run a full refresh sync")
		}

		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, vecerrors.IOError(fmt.Sprintf("failed to create/open bleve index %s", path), err)
	}

	return &BleveStore{index: idx, path: path}, nil
}

// createChunkMapping maps content through the text analyzer, record_id and
// stream as exact keywords and raw as a stored-only field.
func createChunkMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(TextAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": TextTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			TextStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = TextAnalyzerName
	content.Store = false

	recordID := bleve.NewKeywordFieldMapping()
	stream := bleve.NewKeywordFieldMapping()

	raw := bleve.NewTextFieldMapping()
	raw.Index = false
	raw.Store = true
	raw.IncludeInAll = false
	raw.IncludeTermVectors = false
	raw.DocValues = false

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("record_id", recordID)
	doc.AddFieldMappingsAt("stream", stream)
	doc.AddFieldMappingsAt(bleveFieldRaw, raw)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = TextAnalyzerName
	return indexMapping, nil
}

// Apply stages deletes and upserts in one bleve batch. Within a batch the
// last operation on an id wins, so a deleted and re-sent chunk is kept.
func (b *BleveStore) Apply(ctx context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error {
	deleteRecordIDs = dedupe(deleteRecordIDs)
	if len(deleteRecordIDs) == 0 && len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return vecerrors.ValidationError("invalid chunk batch", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	ids, err := b.idsWhere(ctx, "record_id", deleteRecordIDs)
	if err != nil {
		return err
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	for _, c := range chunks {
		doc, err := bleveDocument(c)
		if err != nil {
			return err
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

func bleveDocument(c *document.Chunk) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk %s: %w", c.ID, err)
	}
	return map[string]any{
		"content":     c.Content,
		"record_id":   c.RecordID,
		"stream":      c.Stream,
		bleveFieldRaw: string(raw),
	}, nil
}

// idsWhere returns the ids of documents whose keyword field matches one of
// values. Caller holds b.mu.
func (b *BleveStore) idsWhere(ctx context.Context, field string, values []string) ([]string, error) {
	var ids []string
	for part := range slices.Chunk(values, blevePageSize) {
		terms := make([]query.Query, len(part))
		for i, v := range part {
			tq := bleve.NewTermQuery(v)
			tq.SetField(field)
			terms[i] = tq
		}
		q := bleve.NewDisjunctionQuery(terms...)

		for from := 0; ; from += blevePageSize {
			req := bleve.NewSearchRequestOptions(q, blevePageSize, from, false)
			req.SortBy([]string{"_id"})
			res, err := b.index.SearchInContext(ctx, req)
			if err != nil {
				return nil, fmt.Errorf("failed to look up %s: %w", field, err)
			}
			for _, hit := range res.Hits {
				ids = append(ids, hit.ID)
			}
			if len(res.Hits) < blevePageSize {
				break
			}
		}
	}
	return ids, nil
}

// DeleteStreams removes every chunk of the given streams.
func (b *BleveStore) DeleteStreams(ctx context.Context, streams []string) error {
	streams = dedupe(streams)
	if len(streams) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	ids, err := b.idsWhere(ctx, "stream", streams)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete streams: %w", err)
	}
	return nil
}

// RecordChunks returns the chunks of recordID ordered by id.
func (b *BleveStore) RecordChunks(ctx context.Context, recordID string) ([]*document.Chunk, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	q := bleve.NewTermQuery(recordID)
	q.SetField("record_id")

	var chunks []*document.Chunk
	for from := 0; ; from += blevePageSize {
		req := bleve.NewSearchRequestOptions(q, blevePageSize, from, false)
		req.Fields = []string{bleveFieldRaw}
		req.SortBy([]string{"_id"})

		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to query record %s: %w", recordID, err)
		}
		for _, hit := range res.Hits {
			c, err := decodeBleveHit(hit.ID, hit.Fields)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, c)
		}
		if len(res.Hits) < blevePageSize {
			break
		}
	}
	return chunks, nil
}

func decodeBleveHit(id string, fields map[string]any) (*document.Chunk, error) {
	raw, ok := fields[bleveFieldRaw].(string)
	if !ok {
		return nil, fmt.Errorf("chunk %s has no stored source", id)
	}
	var c document.Chunk
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", id, err)
	}
	return &c, nil
}

// Count returns the number of stored chunks.
func (b *BleveStore) Count(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}

	n, err := b.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return int(n), nil
}

// Ping checks the index can be read.
func (b *BleveStore) Ping(ctx context.Context) error {
	if _, err := b.Count(ctx); err != nil {
		return vecerrors.UnreachableError("bleve index is not readable", err)
	}
	return nil
}

// Flush is a no-op: bleve persists each batch as it is applied.
func (b *BleveStore) Flush(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	return nil
}

// SearchText returns chunks matching query, scored by bleve's BM25.
func (b *BleveStore) SearchText(ctx context.Context, queryStr string, limit int) ([]*SearchResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*SearchResult{}, nil
	}

	q := bleve.NewMatchQuery(queryStr)
	q.SetField("content")

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{bleveFieldRaw}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		c, err := decodeBleveHit(hit.ID, hit.Fields)
		if err != nil {
			return nil, err
		}
		results = append(results, &SearchResult{Chunk: c, Score: hit.Score})
	}
	return results, nil
}

// Close closes the index.
func (b *BleveStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func textTokenizerConstructor(_ map[string]any, _ *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveTextTokenizer{}, nil
}

// bleveTextTokenizer adapts Tokenize to analysis.Tokenizer.
type bleveTextTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *bleveTextTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	lowerText := strings.ToLower(text)
	tokens := Tokenize(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for pos, token := range tokens {
		start := strings.Index(lowerText[offset:], token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := min(start+len(token), len(text))

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos + 1,
			Type:     analysis.AlphaNumeric,
		})
		offset = end
	}
	return result
}

func textStopFilterConstructor(_ map[string]any, _ *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveStopFilter{stopWords: BuildStopWordMap(DefaultStopWords)}, nil
}

type bleveStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *bleveStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, isStop := f.stopWords[strings.ToLower(string(token.Term))]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
