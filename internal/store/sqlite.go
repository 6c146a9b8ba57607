package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/document"
)

// SQLite driver names registered by the two driver packages.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// sqliteMaxVars bounds the ids bound into one IN (...) clause.
const sqliteMaxVars = 500

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	Path        string
	FullText    bool
	CacheMB     int
	BusyTimeout time.Duration
}

// SQLiteStore keeps chunks in a SQLite table with an optional FTS5 table
// for keyword search. WAL mode lets readers in other processes observe the
// destination while a sync writes to it.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	driver   string
	opts     SQLiteOptions
	fullText bool
	closed   bool

	stopWords map[string]struct{}
}

var (
	_ ChunkStore   = (*SQLiteStore)(nil)
	_ TextSearcher = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens a store on the pure Go modernc.org/sqlite driver.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	return openSQLite(DriverModernc, opts)
}

// validateSQLiteIntegrity checks an existing database file before it is
// opened for writing. A missing file is valid.
func validateSQLiteIntegrity(driver, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open(driver, "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func openSQLite(driver string, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Path == "" {
		opts.Path = MemoryPath
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.CacheMB <= 0 {
		opts.CacheMB = 64
	}

	if opts.Path != MemoryPath {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, vecerrors.New(vecerrors.ErrCodeFilePermission,
				fmt.Sprintf("failed to create directory %s", dir), err)
		}
		if err := validateSQLiteIntegrity(driver, opts.Path); err != nil {
			return nil, vecerrors.New(vecerrors.ErrCodeCorruptIndex,
				fmt.Sprintf("sqlite destination at %s is corrupted", opts.Path), err).
				WithSuggestion("Remove the database file and run a full refresh sync")
		}
	}

	db, err := sql.Open(driver, opts.Path)
	if err != nil {
		return nil, vecerrors.IOError("failed to open database", err)
	}

	// One connection: a single writer avoids lock contention and keeps
	// :memory: databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, vecerrors.IOError("failed to set pragma", err)
		}
	}

	s := &SQLiteStore{
		db:        db,
		driver:    driver,
		opts:      opts,
		stopWords: BuildStopWordMap(DefaultStopWords),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, vecerrors.IOError("failed to initialize schema", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id         TEXT PRIMARY KEY,
		record_id  TEXT NOT NULL,
		stream     TEXT NOT NULL,
		content    TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		embedding  BLOB,
		indexed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_record ON chunks(record_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_stream ON chunks(stream);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if !s.opts.FullText {
		return nil
	}

	// chunk_id is UNINDEXED (stored, not searchable); content holds the
	// pre-tokenized text.
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='unicode61'
	)`)
	if err != nil {
		if strings.Contains(err.Error(), "no such module") {
			slog.Warn("sqlite_fts5_unavailable",
				slog.String("driver", s.driver),
				slog.String("path", s.opts.Path),
				slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	s.fullText = true
	return nil
}

// FullText reports whether keyword search is available.
func (s *SQLiteStore) FullText() bool {
	return s.fullText
}

// Apply deletes the chunks of deleteRecordIDs and upserts chunks in one
// transaction.
func (s *SQLiteStore) Apply(ctx context.Context, deleteRecordIDs []string, chunks []*document.Chunk) error {
	deleteRecordIDs = dedupe(deleteRecordIDs)
	if len(deleteRecordIDs) == 0 && len(chunks) == 0 {
		return nil
	}
	if err := validateChunks(chunks); err != nil {
		return vecerrors.ValidationError("invalid chunk batch", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deleteWhere(ctx, tx, "record_id", deleteRecordIDs); err != nil {
		return err
	}
	if err := s.upsert(ctx, tx, chunks); err != nil {
		return err
	}

	return tx.Commit()
}

// deleteWhere removes chunks whose column value is in values.
func (s *SQLiteStore) deleteWhere(ctx context.Context, tx *sql.Tx, column string, values []string) error {
	for part := range slices.Chunk(values, sqliteMaxVars) {
		inClause, args := inArgs(part)

		if s.fullText {
			q := fmt.Sprintf(`DELETE FROM chunks_fts WHERE chunk_id IN
				(SELECT id FROM chunks WHERE %s IN (%s))`, column, inClause)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("failed to delete from FTS: %w", err)
			}
		}

		q := fmt.Sprintf("DELETE FROM chunks WHERE %s IN (%s)", column, inClause)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, tx *sql.Tx, chunks []*document.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, record_id, stream, content, metadata, embedding, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record_id = excluded.record_id,
			stream = excluded.stream,
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			indexed_at = excluded.indexed_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer insertStmt.Close()

	var ftsDelete, ftsInsert *sql.Stmt
	if s.fullText {
		// FTS5 virtual tables don't support REPLACE, so delete first.
		if ftsDelete, err = tx.PrepareContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`); err != nil {
			return fmt.Errorf("failed to prepare FTS delete statement: %w", err)
		}
		defer ftsDelete.Close()
		if ftsInsert, err = tx.PrepareContext(ctx, `INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`); err != nil {
			return fmt.Errorf("failed to prepare FTS insert statement: %w", err)
		}
		defer ftsInsert.Close()
	}

	now := time.Now().Unix()
	for _, c := range chunks {
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, c.ID, c.RecordID, c.Stream, c.Content, meta,
			encodeEmbedding(c.Embedding), now); err != nil {
			return fmt.Errorf("failed to write chunk %s: %w", c.ID, err)
		}

		if !s.fullText {
			continue
		}
		if _, err := ftsDelete.ExecContext(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to replace FTS entry %s: %w", c.ID, err)
		}
		tokens := FilterStopWords(Tokenize(c.Content), s.stopWords)
		if _, err := ftsInsert.ExecContext(ctx, c.ID, strings.Join(tokens, " ")); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// DeleteStreams removes every chunk of the given streams.
func (s *SQLiteStore) DeleteStreams(ctx context.Context, streams []string) error {
	streams = dedupe(streams)
	if len(streams) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deleteWhere(ctx, tx, "stream", streams); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordChunks returns the chunks of recordID ordered by id.
func (s *SQLiteStore) RecordChunks(ctx context.Context, recordID string) ([]*document.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, stream, content, metadata, embedding
		FROM chunks WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*document.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanChunk(rows *sql.Rows) (*document.Chunk, error) {
	var (
		c    document.Chunk
		meta string
		emb  []byte
	)
	if err := rows.Scan(&c.ID, &c.RecordID, &c.Stream, &c.Content, &meta, &emb); err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}

	var err error
	if c.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	if c.Embedding, err = decodeEmbedding(emb); err != nil {
		return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	return &c, nil
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Ping checks the connection and that the schema is readable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if err := s.db.PingContext(ctx); err != nil {
		return vecerrors.UnreachableError("sqlite database is not reachable", err)
	}
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return vecerrors.New(vecerrors.ErrCodeSchemaMismatch, "sqlite schema is not readable", err)
	}
	return nil
}

// Flush checkpoints the WAL into the main database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.opts.Path == MemoryPath {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// SearchText returns chunks matching query, scored by FTS5 bm25.
func (s *SQLiteStore) SearchText(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if !s.fullText {
		return nil, ErrUnsupported
	}

	tokens := FilterStopWords(Tokenize(query), s.stopWords)
	if len(tokens) == 0 {
		return []*SearchResult{}, nil
	}

	// bm25() is negative, lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.record_id, c.stream, c.content, c.metadata, c.embedding, bm25(chunks_fts) AS score
		FROM chunks_fts JOIN chunks c ON c.id = chunks_fts.chunk_id
		WHERE chunks_fts.content MATCH ?
		ORDER BY score
		LIMIT ?`, strings.Join(tokens, " "), limit)
	if err != nil {
		// FTS5 rejects some match expressions; treat as no results.
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*SearchResult{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var (
			c     document.Chunk
			meta  string
			emb   []byte
			score float64
		)
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Stream, &c.Content, &meta, &emb, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if c.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		if c.Embedding, err = decodeEmbedding(emb); err != nil {
			return nil, err
		}
		results = append(results, &SearchResult{Chunk: &c, Score: -score})
	}
	return results, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func inArgs(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}
