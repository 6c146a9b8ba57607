package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/vecdest/internal/config"
	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
)

// New opens the ChunkStore selected by cfg.Backend:
//   - "sqlite" (default): modernc.org/sqlite, FTS5 keyword search
//   - "sqlite3": the same schema on mattn/go-sqlite3 (cgo)
//   - "bleve": bleve v2 keyword index, single process only
//   - "hnsw": coder/hnsw vector index persisted on flush
//   - "elasticsearch": one index on an Elasticsearch cluster
//   - "redis": hashes and sets on a Redis server
//
// Network backends are not contacted until first use.
func New(cfg *config.Config) (ChunkStore, error) {
	switch cfg.Backend {
	case config.BackendSQLite, "":
		return NewSQLiteStore(sqliteOptions(cfg.SQLite))

	case config.BackendSQLite3:
		return NewSQLite3Store(sqliteOptions(cfg.SQLite))

	case config.BackendBleve:
		return NewBleveStore(cfg.Bleve.Path)

	case config.BackendHNSW:
		return NewHNSWStore(HNSWOptions{
			Path:       cfg.HNSW.Path,
			Dimensions: cfg.HNSW.Dimensions,
			Distance:   cfg.HNSW.Distance,
			M:          cfg.HNSW.M,
			EfSearch:   cfg.HNSW.EfSearch,
		})

	case config.BackendElasticsearch:
		dims := 0
		if cfg.Embeddings.Provider != "" {
			dims = cfg.Embeddings.Dimensions
		}
		return NewElasticsearchStore(ElasticsearchOptions{
			Addresses:  cfg.Elasticsearch.Addresses,
			Username:   cfg.Elasticsearch.Username,
			Password:   cfg.Elasticsearch.Password,
			Index:      cfg.Elasticsearch.Index,
			Timeout:    config.Duration(cfg.Elasticsearch.Timeout, 30*time.Second),
			Dimensions: dims,
		})

	case config.BackendRedis:
		return NewRedisStore(RedisOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Timeout:   config.Duration(cfg.Redis.Timeout, 5*time.Second),
		})

	default:
		return nil, vecerrors.ConfigError(fmt.Sprintf("unknown backend: %s (valid options: %s)",
			cfg.Backend, strings.Join(config.Backends, ", ")), nil)
	}
}

func sqliteOptions(c config.SQLiteConfig) SQLiteOptions {
	return SQLiteOptions{
		Path:        c.Path,
		FullText:    c.FullText,
		CacheMB:     c.CacheMB,
		BusyTimeout: config.Duration(c.BusyTimeout, 5*time.Second),
	}
}

// Location describes where a backend keeps its data, for status output.
func Location(cfg *config.Config) string {
	switch cfg.Backend {
	case config.BackendSQLite, config.BackendSQLite3, "":
		return cfg.SQLite.Path
	case config.BackendBleve:
		if cfg.Bleve.Path == "" {
			return "memory"
		}
		return cfg.Bleve.Path
	case config.BackendHNSW:
		if cfg.HNSW.Path == "" {
			return "memory"
		}
		return cfg.HNSW.Path
	case config.BackendElasticsearch:
		return strings.Join(cfg.Elasticsearch.Addresses, ",") + "/" + cfg.Elasticsearch.Index
	case config.BackendRedis:
		return fmt.Sprintf("redis://%s/%d", cfg.Redis.Address, cfg.Redis.DB)
	default:
		return ""
	}
}
