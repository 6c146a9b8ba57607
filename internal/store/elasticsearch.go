package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/document"
	"github.com/Aman-CERP/vecdest/pkg/version"
)

const (
	// esMaxResultWindow is Elasticsearch's default index.max_result_window.
	esMaxResultWindow = 10000
	esTermsPerQuery   = 1000
)

// esPageSize is the page size of searchAll; pages past the result window
// are reached with search_after.
var esPageSize = esMaxResultWindow

// ElasticsearchOptions configures an ElasticsearchStore.
type ElasticsearchOptions struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	Timeout   time.Duration
	// Dimensions maps the embedding field as dense_vector when positive.
	Dimensions int
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// ElasticsearchStore writes chunks to one Elasticsearch index. Apply uses
// a single _bulk request with refresh=wait_for so the next Apply can find
// the chunks it has to delete.
type ElasticsearchStore struct {
	client    *es.Client
	transport http.RoundTripper
	opts      ElasticsearchOptions

	mu    sync.Mutex
	ready bool // index known to exist
}

var (
	_ ChunkStore     = (*ElasticsearchStore)(nil)
	_ TextSearcher   = (*ElasticsearchStore)(nil)
	_ VectorSearcher = (*ElasticsearchStore)(nil)
	_ Dimensioned    = (*ElasticsearchStore)(nil)
)

// esChunk is the indexed document shape.
type esChunk struct {
	ChunkID   string         `json:"chunk_id"`
	RecordID  string         `json:"record_id"`
	Stream    string         `json:"stream"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}

func (d esChunk) chunk() *document.Chunk {
	return &document.Chunk{
		ID: d.ChunkID, RecordID: d.RecordID, Stream: d.Stream,
		Content: d.Content, Metadata: d.Metadata, Embedding: d.Embedding,
	}
}

// NewElasticsearchStore creates the client. It does not contact the
// cluster; EnsureIndex and Ping do.
func NewElasticsearchStore(opts ElasticsearchOptions) (*ElasticsearchStore, error) {
	if opts.Index == "" {
		return nil, vecerrors.ConfigError("elasticsearch index name is required", nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	cfg := es.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: opts.Transport,
		Header:    http.Header{"User-Agent": []string{version.UserAgent()}},
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Transport{ResponseHeaderTimeout: opts.Timeout}
	}

	client, err := es.NewClient(cfg)
	if err != nil {
		return nil, vecerrors.ConfigError("failed to create Elasticsearch client", err)
	}
	return &ElasticsearchStore{client: client, transport: cfg.Transport, opts: opts}, nil
}

// Dimensions returns the mapped embedding size, zero when unmapped.
func (s *ElasticsearchStore) Dimensions() int {
	return s.opts.Dimensions
}

// EnsureIndex creates the index with the chunk mapping if it is missing.
// Writes call it once before their first request.
func (s *ElasticsearchStore) EnsureIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}
	if err := s.createIndex(ctx); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func (s *ElasticsearchStore) createIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.opts.Index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return transportError("index exists check failed", err)
	}
	closeBody(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return responseError("index exists check failed", res)
	}

	body, err := json.Marshal(s.indexMapping())
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}
	res, err = s.client.Indices.Create(s.opts.Index,
		s.client.Indices.Create.WithBody(bytes.NewReader(body)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return transportError("index create failed", err)
	}
	defer closeBody(res)

	// A concurrent writer may have created it first.
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return responseError("index create failed", res)
	}
	return nil
}

func (s *ElasticsearchStore) indexMapping() map[string]any {
	props := map[string]any{
		"chunk_id":  map[string]any{"type": "keyword"},
		"record_id": map[string]any{"type": "keyword"},
		"stream":    map[string]any{"type": "keyword"},
		"content":   map[string]any{"type": "text"},
		"metadata":  map[string]any{"type": "object", "enabled": false},
	}
	if s.opts.Dimensions > 0 {
		props["embedding"] = map[string]any{
			"type":       "dense_vector",
			"dims":       s.opts.Dimensions,
			"index":      true,
			"similarity": "cosine",
		}
	}
	return map[string]any{
		"mappings": map[string]any{
			"dynamic":    false,
			"properties": props,
		},
	}
}

// Apply sends one _bulk request: delete actions for every chunk of the
// deleted records, then index actions for chunks.
func (s *ElasticsearchStore) Apply(ctx context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error {
	deleteRecordIDs = dedupe(deleteRecordIDs)
	if len(deleteRecordIDs) == 0 && len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return vecerrors.ValidationError("invalid chunk batch", err)
	}

	if err := s.EnsureIndex(ctx); err != nil {
		return err
	}

	staleIDs, err := s.idsWhere(ctx, "record_id", deleteRecordIDs)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range staleIDs {
		if err := enc.Encode(map[string]any{"delete": map[string]any{"_id": id}}); err != nil {
			return fmt.Errorf("failed to encode meta: %w", err)
		}
	}
	for _, c := range chunks {
		if err := enc.Encode(map[string]any{"index": map[string]any{"_id": c.ID}}); err != nil {
			return fmt.Errorf("failed to encode meta: %w", err)
		}
		doc := esChunk{
			ChunkID: c.ID, RecordID: c.RecordID, Stream: c.Stream,
			Content: c.Content, Metadata: c.Metadata, Embedding: c.Embedding,
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode chunk %s: %w", c.ID, err)
		}
	}
	if buf.Len() == 0 {
		return nil
	}

	res, err := s.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.opts.Index),
		s.client.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return transportError("bulk request failed", err)
	}
	defer closeBody(res)

	if res.IsError() {
		return responseError("bulk indexing error", res)
	}
	return bulkItemsError(res.Body)
}

// bulkItemsError returns the first failed item of a bulk response.
// A delete of a missing document (404) is not a failure.
func bulkItemsError(body io.Reader) error {
	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	for _, item := range parsed.Items {
		for action, result := range item {
			if result.Error == nil || (action == "delete" && result.Status == http.StatusNotFound) {
				continue
			}
			err := fmt.Errorf("%s %s: %s: %s", action, result.ID, result.Error.Type, result.Error.Reason)
			if result.Status == http.StatusTooManyRequests || result.Status >= 500 {
				return vecerrors.NetworkError("bulk item rejected", err)
			}
			return fmt.Errorf("bulk item failed: %w", err)
		}
	}
	return nil
}

// idsWhere returns the ids of chunks whose keyword field is one of values.
func (s *ElasticsearchStore) idsWhere(ctx context.Context, field string, values []string) ([]string, error) {
	var ids []string
	for part := range slices.Chunk(values, esTermsPerQuery) {
		hits, err := s.searchAll(ctx, map[string]any{"terms": map[string]any{field: part}}, false)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
	}
	return ids, nil
}

// searchAll returns every hit of query, paging on chunk_id with
// search_after.
func (s *ElasticsearchStore) searchAll(ctx context.Context, query map[string]any, source bool) ([]esHit, error) {
	var all []esHit
	var after []any
	for {
		body := map[string]any{
			"query": query,
			"sort":  []any{map[string]any{"chunk_id": "asc"}},
			"size":  esPageSize,
		}
		if !source {
			body["_source"] = false
		}
		if after != nil {
			body["search_after"] = after
		}

		hits, err := s.search(ctx, body)
		if err != nil {
			return nil, err
		}
		all = append(all, hits...)
		if len(hits) < esPageSize {
			return all, nil
		}

		after = hits[len(hits)-1].Sort
		if len(after) == 0 {
			return nil, fmt.Errorf("search page of %d hits has no sort values", len(hits))
		}
	}
}

type esHit struct {
	ID     string   `json:"_id"`
	Score  *float64 `json:"_score"`
	Source esChunk  `json:"_source"`
	Sort   []any    `json:"sort"`
}

func (s *ElasticsearchStore) search(ctx context.Context, body map[string]any) ([]esHit, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.opts.Index),
		s.client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, transportError("search request failed", err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, responseError("search failed", res)
	}

	var parsed struct {
		Hits struct {
			Hits []esHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return parsed.Hits.Hits, nil
}

// DeleteStreams removes every chunk of the given streams with
// _delete_by_query.
func (s *ElasticsearchStore) DeleteStreams(ctx context.Context, streams []string) error {
	streams = dedupe(streams)
	if len(streams) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"query": map[string]any{"terms": map[string]any{"stream": streams}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := s.client.DeleteByQuery(
		[]string{s.opts.Index},
		bytes.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true),
		s.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return transportError("delete by query failed", err)
	}
	defer closeBody(res)

	// Nothing to delete from an index that was never created.
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return responseError("delete by query failed", res)
	}
	return nil
}

// RecordChunks returns the chunks of recordID ordered by chunk id.
func (s *ElasticsearchStore) RecordChunks(ctx context.Context, recordID string) ([]*document.Chunk, error) {
	hits, err := s.searchAll(ctx, map[string]any{"term": map[string]any{"record_id": recordID}}, true)
	if err != nil {
		return nil, err
	}

	chunks := make([]*document.Chunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, h.Source.chunk())
	}
	sortChunks(chunks)
	return chunks, nil
}

// Count returns the number of indexed chunks.
func (s *ElasticsearchStore) Count(ctx context.Context) (int, error) {
	res, err := s.client.Count(
		s.client.Count.WithContext(ctx),
		s.client.Count.WithIndex(s.opts.Index),
	)
	if err != nil {
		return 0, transportError("count request failed", err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, responseError("count failed", res)
	}

	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("error decoding response: %w", err)
	}
	return parsed.Count, nil
}

// Ping checks the cluster answers and the credentials are accepted.
func (s *ElasticsearchStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return vecerrors.UnreachableError(
			fmt.Sprintf("elasticsearch at %s is not reachable", strings.Join(s.opts.Addresses, ",")), err)
	}
	defer closeBody(res)

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return vecerrors.New(vecerrors.ErrCodeBackendAuth, "elasticsearch rejected the credentials",
			fmt.Errorf("ping returned %s", res.Status())).
			WithSuggestion("Check elasticsearch.username and VECDEST_ES_PASSWORD")
	case res.IsError():
		return vecerrors.UnreachableError("elasticsearch ping failed", fmt.Errorf("ping returned %s", res.Status()))
	}
	return nil
}

// Flush refreshes the index so every write is searchable.
func (s *ElasticsearchStore) Flush(ctx context.Context) error {
	res, err := s.client.Indices.Refresh(
		s.client.Indices.Refresh.WithIndex(s.opts.Index),
		s.client.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return transportError("refresh failed", err)
	}
	defer closeBody(res)

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return responseError("refresh failed", res)
	}
	return nil
}

// SearchText runs a match query on content.
func (s *ElasticsearchStore) SearchText(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return []*SearchResult{}, nil
	}
	hits, err := s.search(ctx, map[string]any{
		"query": map[string]any{"match": map[string]any{"content": query}},
		"size":  limit,
	})
	if err != nil {
		return nil, err
	}
	return esResults(hits), nil
}

// SearchVector runs a kNN query on the embedding field.
func (s *ElasticsearchStore) SearchVector(ctx context.Context, query []float32, limit int) ([]*SearchResult, error) {
	if s.opts.Dimensions <= 0 {
		return nil, ErrUnsupported
	}
	if len(query) != s.opts.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.opts.Dimensions, Got: len(query)}
	}
	hits, err := s.search(ctx, map[string]any{
		"knn": map[string]any{
			"field":          "embedding",
			"query_vector":   query,
			"k":              limit,
			"num_candidates": max(limit*10, 100),
		},
		"size": limit,
	})
	if err != nil {
		return nil, err
	}
	return esResults(hits), nil
}

func esResults(hits []esHit) []*SearchResult {
	results := make([]*SearchResult, 0, len(hits))
	for _, h := range hits {
		r := &SearchResult{Chunk: h.Source.chunk()}
		if h.Score != nil {
			r.Score = *h.Score
		}
		results = append(results, r)
	}
	return results
}

// Close releases idle connections.
func (s *ElasticsearchStore) Close() error {
	if t, ok := s.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}

// transportError marks a failed round trip as retryable.
func transportError(op string, err error) error {
	return vecerrors.NetworkError(op, err)
}

// responseError classifies an error response: throttling and server
// errors are retryable, auth failures are config errors.
func responseError(op string, res *esapi.Response) error {
	cause := fmt.Errorf("[%s] %s", res.Status(), readBody(res))
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return vecerrors.NetworkError(op, cause)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return vecerrors.New(vecerrors.ErrCodeBackendAuth, op, cause)
	default:
		return fmt.Errorf("%s: %w", op, cause)
	}
}

func readBody(res *esapi.Response) string {
	if res.Body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return fmt.Sprintf("error reading response body: %v", err)
	}
	return strings.TrimSpace(string(data))
}
