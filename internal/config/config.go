// Package config loads vecdest destination configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults (NewConfig)
//  2. YAML file (Load)
//  3. Environment variables (VECDEST_*)
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/internal/logging"
)

// Backend names accepted by Config.Backend.
const (
	BackendSQLite        = "sqlite"
	BackendSQLite3       = "sqlite3"
	BackendBleve         = "bleve"
	BackendHNSW          = "hnsw"
	BackendElasticsearch = "elasticsearch"
	BackendRedis         = "redis"
)

// Backends lists every supported backend in display order.
var Backends = []string{
	BackendSQLite, BackendSQLite3, BackendBleve, BackendHNSW, BackendElasticsearch, BackendRedis,
}

// DefaultBatchSize is the number of chunks handed to one Index call.
const DefaultBatchSize = 32

// Config represents the complete vecdest configuration.
type Config struct {
	Version   int    `yaml:"version" json:"version"`
	Backend   string `yaml:"backend" json:"backend"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`

	SQLite        SQLiteConfig        `yaml:"sqlite" json:"sqlite"`
	Bleve         BleveConfig         `yaml:"bleve" json:"bleve"`
	HNSW          HNSWConfig          `yaml:"hnsw" json:"hnsw"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch" json:"elasticsearch"`
	Redis         RedisConfig         `yaml:"redis" json:"redis"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings" json:"embeddings"`
	Logging       logging.Config      `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
}

// SQLiteConfig configures the sqlite and sqlite3 backends.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path string `yaml:"path" json:"path"`
	// FullText maintains an FTS5 table for keyword search.
	// On the sqlite3 (cgo) driver it is dropped with a warning when the
	// driver was built without FTS5.
	FullText bool `yaml:"full_text" json:"full_text"`
	// CacheMB sets PRAGMA cache_size.
	CacheMB int `yaml:"cache_mb" json:"cache_mb"`
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout string `yaml:"busy_timeout" json:"busy_timeout"`
}

// BleveConfig configures the bleve backend.
type BleveConfig struct {
	// Path is the index directory. Empty means an in-memory index.
	Path string `yaml:"path" json:"path"`
}

// HNSWConfig configures the hnsw backend.
type HNSWConfig struct {
	// Path is the gob snapshot written on flush. Empty disables persistence.
	Path       string `yaml:"path" json:"path"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	// Distance is "cosine" or "euclidean".
	Distance string `yaml:"distance" json:"distance"`
	M        int    `yaml:"m" json:"m"`
	EfSearch int    `yaml:"ef_search" json:"ef_search"`
}

// ElasticsearchConfig configures the elasticsearch backend.
type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Username  string   `yaml:"username" json:"username"`
	Password  string   `yaml:"password" json:"-"`
	Index     string   `yaml:"index" json:"index"`
	Timeout   string   `yaml:"timeout" json:"timeout"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	Timeout   string `yaml:"timeout" json:"timeout"`
}

// EmbeddingsConfig configures how missing chunk embeddings are filled in.
type EmbeddingsConfig struct {
	// Provider is "" (chunks arrive embedded) or "static".
	Provider   string `yaml:"provider" json:"provider"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	// CacheSize bounds the LRU embedding cache. Zero disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// MetricsConfig configures Prometheus instrumentation of the indexer.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version:   1,
		Backend:   BackendSQLite,
		BatchSize: DefaultBatchSize,
		SQLite: SQLiteConfig{
			Path:        filepath.Join(DefaultDataDir(), "chunks.db"),
			FullText:    true,
			CacheMB:     64,
			BusyTimeout: "5s",
		},
		HNSW: HNSWConfig{
			Dimensions: 256,
			Distance:   "cosine",
			M:          16,
			EfSearch:   20,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses: []string{"http://localhost:9200"},
			Index:     "vecdest_chunks",
			Timeout:   "30s",
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			KeyPrefix: "vecdest",
			Timeout:   "5s",
		},
		Embeddings: EmbeddingsConfig{
			Dimensions: 256,
			CacheSize:  1024,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Namespace: "vecdest",
		},
	}
}

// DefaultDataDir returns ~/.vecdest/data, falling back to the temp directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vecdest", "data")
	}
	return filepath.Join(home, ".vecdest", "data")
}

// Load reads path over the defaults, applies VECDEST_* overrides and
// validates the result. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, vecerrors.New(vecerrors.ErrCodeConfigNotFound,
					fmt.Sprintf("config file %s not found", path), err).
					WithSuggestion("Run 'vecdest config init' to create one")
			}
			return nil, vecerrors.ConfigError(fmt.Sprintf("failed to read config file %s", path), err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, vecerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals YAML over the current values, so keys absent from the
// document keep their defaults. Unknown keys are rejected.
func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyEnvOverrides applies VECDEST_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VECDEST_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("VECDEST_BATCH_SIZE"); v != "" {
		// Unparseable values are kept visible to Validate as zero.
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			n = 0
		}
		c.BatchSize = n
	}
	if v := os.Getenv("VECDEST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VECDEST_ES_URL"); v != "" {
		c.Elasticsearch.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("VECDEST_ES_PASSWORD"); v != "" {
		c.Elasticsearch.Password = v
	}
	if v := os.Getenv("VECDEST_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("VECDEST_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Validate checks the configuration and returns a config error describing
// the first problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return vecerrors.ConfigError(fmt.Sprintf(format, args...), nil)
	}

	if !slices.Contains(Backends, c.Backend) {
		return invalid("backend must be one of %s, got %q", strings.Join(Backends, ", "), c.Backend)
	}
	if c.BatchSize <= 0 {
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return invalid("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	switch c.Embeddings.Provider {
	case "", "static":
	default:
		return invalid("embeddings.provider must be 'static' or empty, got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider != "" && c.Embeddings.Dimensions <= 0 {
		return invalid("embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Embeddings.CacheSize < 0 {
		return invalid("embeddings.cache_size must be non-negative, got %d", c.Embeddings.CacheSize)
	}

	switch c.Backend {
	case BackendSQLite, BackendSQLite3:
		if c.SQLite.Path == "" {
			return invalid("sqlite.path is required")
		}
		if _, err := parseDuration("sqlite.busy_timeout", c.SQLite.BusyTimeout); err != nil {
			return err
		}
	case BackendHNSW:
		if c.HNSW.Dimensions <= 0 {
			return invalid("hnsw.dimensions must be positive, got %d", c.HNSW.Dimensions)
		}
		if c.HNSW.Distance != "cosine" && c.HNSW.Distance != "euclidean" {
			return invalid("hnsw.distance must be 'cosine' or 'euclidean', got %s", c.HNSW.Distance)
		}
		if c.Embeddings.Provider != "" && c.Embeddings.Dimensions != c.HNSW.Dimensions {
			return invalid("embeddings.dimensions (%d) must match hnsw.dimensions (%d)",
				c.Embeddings.Dimensions, c.HNSW.Dimensions)
		}
	case BackendElasticsearch:
		if len(c.Elasticsearch.Addresses) == 0 {
			return invalid("elasticsearch.addresses must not be empty")
		}
		for _, addr := range c.Elasticsearch.Addresses {
			u, err := url.Parse(addr)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return invalid("elasticsearch.addresses contains an invalid URL: %q", addr)
			}
		}
		if c.Elasticsearch.Index == "" || c.Elasticsearch.Index != strings.ToLower(c.Elasticsearch.Index) {
			return invalid("elasticsearch.index must be a non-empty lowercase name, got %q", c.Elasticsearch.Index)
		}
		if _, err := parseDuration("elasticsearch.timeout", c.Elasticsearch.Timeout); err != nil {
			return err
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return invalid("redis.address is required")
		}
		if c.Redis.DB < 0 {
			return invalid("redis.db must be non-negative, got %d", c.Redis.DB)
		}
		if _, err := parseDuration("redis.timeout", c.Redis.Timeout); err != nil {
			return err
		}
	}

	return nil
}

// Duration parses a duration field, returning fallback when it is empty.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || s == "" {
		return fallback
	}
	return d
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, vecerrors.ConfigError(fmt.Sprintf("%s must be a duration like 5s, got %q", field, s), err)
	}
	return d, nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
