package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vecdest/internal/config"
	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/internal/store"
	"github.com/Aman-CERP/vecdest/pkg/document"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// runRoot executes the root command with args and stdin, returning stdout.
func runRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// sqliteConfig writes a config for a file-backed sqlite destination and
// returns the config path and the database path.
func sqliteConfig(t *testing.T, batchSize int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chunks.db")
	cfgPath := writeFile(t, dir, "vecdest.yaml", "backend: sqlite\n"+
		"batch_size: "+strconv.Itoa(batchSize)+"\n"+
		"sqlite:\n  path: "+dbPath+"\n")
	return cfgPath, dbPath
}

func writeCatalog(t *testing.T, mode string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "catalog.json", `{"streams":[{"stream":{"name":"users"},`+
		`"sync_mode":"incremental","destination_sync_mode":"`+mode+`"}]}`)
}

func chunkLine(recordID, content string) string {
	return `{"type":"chunk","chunk":{"record_id":"` + recordID + `","stream":"users","content":"` + content + `"}}`
}

func deleteLine(recordID string) string {
	return `{"type":"delete","record_id":"` + recordID + `"}`
}

func countChunks(t *testing.T, dbPath string) int {
	t.Helper()
	st, err := store.NewSQLiteStore(store.SQLiteOptions{Path: dbPath, FullText: true})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	return n
}

func decodeMessages(t *testing.T, out string) []message.Message {
	t.Helper()
	var msgs []message.Message
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var m message.Message
		require.NoError(t, dec.Decode(&m))
		msgs = append(msgs, m)
	}
	return msgs
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"check", "index", "config", "version"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRootCmd_InvalidLogLevel(t *testing.T) {
	_, err := runRoot(t, "", "version", "--log-level", "loud")

	require.Error(t, err)
	assert.Equal(t, vecerrors.ErrCodeConfigInvalid, vecerrors.GetCode(err))
}

func TestCheckCmd_JSONSucceeded(t *testing.T) {
	// Given: a writable sqlite destination
	cfgPath, _ := sqliteConfig(t, 8)

	// When: checking with --json
	out, err := runRoot(t, "", "check", "--config", cfgPath, "--json")

	// Then: the status is SUCCEEDED without a message
	require.NoError(t, err)
	var status connectionStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, statusSucceeded, status.Status)
	assert.Empty(t, status.Message)
}

func TestCheckCmd_JSONFailedWhenUnreachable(t *testing.T) {
	// Given: a redis destination nothing listens on
	cfgPath := writeFile(t, t.TempDir(), "vecdest.yaml", `
backend: redis
redis:
  address: 127.0.0.1:1
  timeout: 200ms
`)

	// When: checking with --json
	out, err := runRoot(t, "", "check", "--config", cfgPath, "--json")

	// Then: the command fails after printing a FAILED status
	require.Error(t, err)
	assert.True(t, errors.Is(err, errReported))
	var status connectionStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, statusFailed, status.Status)
	assert.Contains(t, status.Message, "redis destination")
}

func TestCheckCmd_InvalidConfigIsReportedAsFailure(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "vecdest.yaml", "backend: cassandra\n")

	out, err := runRoot(t, "", "check", "--config", cfgPath, "--json")

	require.Error(t, err)
	var status connectionStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, statusFailed, status.Status)
	assert.Contains(t, status.Message, "backend must be one of")
}

func TestCheckCmd_StyledOutput(t *testing.T) {
	cfgPath, dbPath := sqliteConfig(t, 8)

	out, err := runRoot(t, "", "check", "--config", cfgPath)

	require.NoError(t, err)
	assert.Contains(t, out, "Destination is usable")
	assert.Contains(t, out, "sqlite")
	assert.Contains(t, out, dbPath)
}

func TestIndexCmd_RunsLifecycle(t *testing.T) {
	// Given: a destination indexing two operations per group
	cfgPath, dbPath := sqliteConfig(t, 2)
	catPath := writeCatalog(t, "append")
	input := strings.Join([]string{
		chunkLine("users_1", "alice"),
		chunkLine("users_2", "bob"),
		"",
		deleteLine("users_1"),
	}, "\n")

	// When: running one sync from stdin
	out, err := runRoot(t, input, "index", "--config", cfgPath, "--catalog", catPath)

	// Then: the later delete removed users_1 and the counts are reported
	require.NoError(t, err)
	msgs := decodeMessages(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "indexed 2 chunks, deleted 1 records", msgs[0].Log.Message)
	assert.Equal(t, "destination holds 1 chunks", msgs[1].Log.Message)
	assert.Equal(t, 1, countChunks(t, dbPath))
}

func TestIndexCmd_DeleteAfterChunkInSameGroup(t *testing.T) {
	// Given: a record chunked and then deleted within one group
	cfgPath, dbPath := sqliteConfig(t, 32)
	catPath := writeCatalog(t, "append")
	input := chunkLine("users_1", "alice") + "\n" + deleteLine("users_1")

	// When: running one sync
	out, err := runRoot(t, input, "index", "--config", cfgPath, "--catalog", catPath)

	// Then: the delete wins because it came later
	require.NoError(t, err)
	msgs := decodeMessages(t, out)
	assert.Equal(t, "indexed 1 chunks, deleted 1 records", msgs[0].Log.Message)
	assert.Equal(t, 0, countChunks(t, dbPath))
}

func TestIndexCmd_ChunkAfterDeleteInSameGroup(t *testing.T) {
	// Given: a record chunked, deleted and chunked again within one group
	cfgPath, dbPath := sqliteConfig(t, 32)
	catPath := writeCatalog(t, "append")
	input := strings.Join([]string{
		chunkLine("users_1", "old"),
		deleteLine("users_1"),
		chunkLine("users_1", "new"),
	}, "\n")

	// When: running one sync
	_, err := runRoot(t, input, "index", "--config", cfgPath, "--catalog", catPath)

	// Then: only the last write remains
	require.NoError(t, err)
	assert.Equal(t, 1, countChunks(t, dbPath))
}

func TestSplit_KeepsInputOrder(t *testing.T) {
	chunk := func(id string) operation {
		return operation{Type: opChunk, Chunk: &document.Chunk{RecordID: id, Stream: "users"}}
	}
	del := func(id string) operation { return operation{Type: opDelete, RecordID: id} }

	tests := []struct {
		name  string
		ops   []operation
		calls int
	}{
		{name: "empty", ops: nil, calls: 0},
		{name: "chunks and unrelated delete", ops: []operation{chunk("a"), del("b"), chunk("c")}, calls: 1},
		{name: "delete before chunk", ops: []operation{del("a"), chunk("a")}, calls: 1},
		{name: "delete after chunk", ops: []operation{chunk("a"), chunk("b"), del("a")}, calls: 2},
		{name: "chunk delete chunk delete", ops: []operation{chunk("a"), del("a"), chunk("a"), del("a")}, calls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := split(tt.ops)
			require.Len(t, segs, tt.calls)

			total := 0
			for _, seg := range segs {
				total += len(seg.chunks) + len(seg.deleteIDs)
			}
			assert.Equal(t, len(tt.ops), total)
		})
	}
}

func TestIndexCmd_ReadsInputFile(t *testing.T) {
	cfgPath, dbPath := sqliteConfig(t, 32)
	catPath := writeCatalog(t, "append")
	inPath := writeFile(t, t.TempDir(), "ops.jsonl", chunkLine("users_1", "a")+"\n"+chunkLine("users_1", "b")+"\n")

	_, err := runRoot(t, "", "index", "--config", cfgPath, "--catalog", catPath, "--input", inPath)

	require.NoError(t, err)
	assert.Equal(t, 2, countChunks(t, dbPath))
}

func TestIndexCmd_OverwriteStreamIsCleared(t *testing.T) {
	// Given: a first sync that wrote two records
	cfgPath, dbPath := sqliteConfig(t, 32)
	catPath := writeCatalog(t, "overwrite")
	_, err := runRoot(t, chunkLine("users_1", "a")+"\n"+chunkLine("users_2", "b"),
		"index", "--config", cfgPath, "--catalog", catPath)
	require.NoError(t, err)
	require.Equal(t, 2, countChunks(t, dbPath))

	// When: a second sync of the overwrite stream writes one record
	_, err = runRoot(t, chunkLine("users_3", "c"), "index", "--config", cfgPath, "--catalog", catPath)

	// Then: only the second sync's record remains
	require.NoError(t, err)
	assert.Equal(t, 1, countChunks(t, dbPath))
}

func TestIndexCmd_InputErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"malformed json", "{not json"},
		{"unknown type", `{"type":"upsert"}`},
		{"chunk missing", `{"type":"chunk"}`},
		{"delete without record", `{"type":"delete"}`},
		{"stream not in catalog", `{"type":"chunk","chunk":{"record_id":"orders_1","stream":"orders","content":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath, _ := sqliteConfig(t, 32)
			catPath := writeCatalog(t, "append")

			_, err := runRoot(t, chunkLine("users_1", "a")+"\n"+tt.input,
				"index", "--config", cfgPath, "--catalog", catPath)

			require.Error(t, err)
			assert.Equal(t, vecerrors.ErrCodeInvalidInput, vecerrors.GetCode(err))
			assert.Contains(t, err.Error(), "input line 2")
		})
	}
}

func TestIndexCmd_InvalidChunkFailsGroup(t *testing.T) {
	cfgPath, _ := sqliteConfig(t, 32)
	catPath := writeCatalog(t, "append")
	input := `{"type":"chunk","chunk":{"stream":"users","content":"no record id"}}`

	_, err := runRoot(t, input, "index", "--config", cfgPath, "--catalog", catPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "group 1")
	assert.Equal(t, vecerrors.ErrCodeIndexFailed, vecerrors.GetCode(err))
}

func TestIndexCmd_RequiresCatalog(t *testing.T) {
	cfgPath, _ := sqliteConfig(t, 32)

	_, err := runRoot(t, "", "index", "--config", cfgPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")
}

func TestIndexCmd_MissingCatalogFile(t *testing.T) {
	cfgPath, _ := sqliteConfig(t, 32)

	_, err := runRoot(t, "", "index", "--config", cfgPath, "--catalog", filepath.Join(t.TempDir(), "none.json"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open catalog")
}

func TestIndexCmd_WritesMetricsFile(t *testing.T) {
	// Given: a metrics file path
	cfgPath, _ := sqliteConfig(t, 1)
	catPath := writeCatalog(t, "append")
	metricsPath := filepath.Join(t.TempDir(), "vecdest.prom")

	// When: indexing two chunks in two groups
	_, err := runRoot(t, chunkLine("users_1", "a")+"\n"+chunkLine("users_2", "b"),
		"index", "--config", cfgPath, "--catalog", catPath, "--metrics-file", metricsPath)

	// Then: the textfile holds the indexer counters
	require.NoError(t, err)
	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "vecdest_chunks_indexed_total 2")
	assert.Contains(t, text, `vecdest_operation_duration_seconds_count{operation="index"} 2`)
}

func TestConfigInitCmd_WritesDefaults(t *testing.T) {
	// Given: no config file yet
	path := filepath.Join(t.TempDir(), "vecdest.yaml")

	// When: running config init
	out, err := runRoot(t, "", "config", "init", "--config", path)

	// Then: the file loads back as the defaults
	require.NoError(t, err)
	assert.Contains(t, out, "Created configuration")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.NewConfig().Backend, cfg.Backend)
}

func TestConfigInitCmd_ExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "vecdest.yaml", "backend: bleve\nbatch_size: 7\n")

	t.Run("without force leaves the file alone", func(t *testing.T) {
		out, err := runRoot(t, "", "config", "init", "--config", path)

		require.NoError(t, err)
		assert.Contains(t, out, "already exists")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "backend: bleve\nbatch_size: 7\n", string(data))
	})

	t.Run("with force backs up and keeps settings", func(t *testing.T) {
		out, err := runRoot(t, "", "config", "init", "--config", path, "--force")

		require.NoError(t, err)
		assert.Contains(t, out, "Configuration upgraded")

		backups, err := config.ListBackups(path)
		require.NoError(t, err)
		assert.Len(t, backups, 1)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.BackendBleve, cfg.Backend)
		assert.Equal(t, 7, cfg.BatchSize)
		assert.Equal(t, config.NewConfig().Redis.KeyPrefix, cfg.Redis.KeyPrefix)
	})
}

func TestConfigShowCmd_RedactsPasswords(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vecdest.yaml", `
backend: redis
redis:
  address: localhost:6379
  password: hunter2
`)

	t.Run("yaml", func(t *testing.T) {
		out, err := runRoot(t, "", "config", "show", "--config", path)

		require.NoError(t, err)
		assert.Contains(t, out, "backend: redis")
		assert.Contains(t, out, redacted)
		assert.NotContains(t, out, "hunter2")
	})

	t.Run("json", func(t *testing.T) {
		out, err := runRoot(t, "", "config", "show", "--config", path, "--json")

		require.NoError(t, err)
		var shown map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &shown))
		assert.Equal(t, "redis", shown["backend"])
		assert.NotContains(t, out, "hunter2")
	})
}
