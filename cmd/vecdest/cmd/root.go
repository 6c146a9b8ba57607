// Package cmd provides the CLI commands for vecdest.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/vecdest/internal/config"
	"github.com/Aman-CERP/vecdest/internal/embed"
	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/internal/logging"
	"github.com/Aman-CERP/vecdest/internal/store"
	"github.com/Aman-CERP/vecdest/pkg/indexer"
	"github.com/Aman-CERP/vecdest/pkg/version"
)

// errReported marks failures the command already printed.
var errReported = errors.New("reported")

// rootOptions holds the global flags and the logger they produce.
type rootOptions struct {
	configPath string
	logLevel   string
	debug      bool

	logger  *slog.Logger
	cleanup []func()
}

// NewRootCmd creates the root command for the vecdest CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "vecdest",
		Short: "Write chunked records into search and vector indexes",
		Long: `vecdest is the destination side of a sync: it takes chunks of source
records and writes them into a keyword or vector index, keeping each
record's chunks replaceable and deletable by record id.

Backends: sqlite, sqlite3, bleve, hnsw, elasticsearch, redis.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("vecdest version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.vecdest/logs/")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.startLogging(cmd.ErrOrStderr())
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		opts.stopLogging()
		return nil
	}

	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newIndexCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints unreported errors to stderr.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil && !errors.Is(err, errReported) {
		slog.Debug("command_failed", vecerrors.LogAttrs(err)...)
		fmt.Fprintln(root.ErrOrStderr(), "Error: "+vecerrors.FormatForUser(err))
	}
	return err
}

// startLogging installs the stderr logger, or the debug file logger when
// --debug is set.
func (o *rootOptions) startLogging(stderr io.Writer) error {
	if !logging.ValidLevel(o.logLevel) {
		return vecerrors.ConfigError(fmt.Sprintf("invalid log level %q", o.logLevel), nil).
			WithSuggestion("Use one of: debug, info, warn, error")
	}

	if o.debug {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("failed to setup debug logging: %w", err)
		}
		o.cleanup = append(o.cleanup, cleanup)
		o.setLogger(logger)
		slog.Info("debug_logging_enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
		return nil
	}

	cfg := logging.DefaultConfig()
	cfg.Level = o.logLevel
	o.setLogger(logging.New(stderr, cfg))
	return nil
}

func (o *rootOptions) setLogger(logger *slog.Logger) {
	o.logger = logger
	slog.SetDefault(logger)
}

func (o *rootOptions) stopLogging() {
	for i := len(o.cleanup) - 1; i >= 0; i-- {
		o.cleanup[i]()
	}
	o.cleanup = nil
}

// loadConfig reads --config. A logging.file_path in the file adds file
// logging unless --debug already did.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if cfg.Logging.FilePath != "" && !o.debug {
		logCfg := cfg.Logging
		logCfg.Level = o.logLevel
		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return nil, vecerrors.ConfigError("failed to open log file "+logCfg.FilePath, err)
		}
		o.cleanup = append(o.cleanup, cleanup)
		o.setLogger(logger)
	}
	return cfg, nil
}

// destination is a ready-to-use indexer and the function releasing it.
type destination struct {
	indexer.Indexer
	close func() error
}

// openDestination builds the store, the optional embedder and the indexer
// described by cfg. With a non-nil reg and metrics enabled the indexer is
// instrumented.
func (o *rootOptions) openDestination(cfg *config.Config, reg prometheus.Registerer) (*destination, error) {
	st, err := store.New(cfg)
	if err != nil {
		return nil, err
	}

	embedder, err := embed.New(cfg.Embeddings)
	if err != nil {
		_ = st.Close()
		return nil, vecerrors.ConfigError("failed to create embedder", err)
	}

	storeOpts := []indexer.StoreOption{
		indexer.WithLogger(o.logger),
		indexer.WithRetry(vecerrors.DefaultRetryConfig()),
	}
	if embedder != nil {
		storeOpts = append(storeOpts, indexer.WithEmbedder(embedder))
	}

	si, err := indexer.NewStoreIndexer(cfg, st, storeOpts...)
	if err != nil {
		_ = st.Close()
		if embedder != nil {
			_ = embedder.Close()
		}
		return nil, err
	}

	o.logger.Debug("destination_opened",
		slog.String("backend", cfg.Backend),
		slog.String("location", store.Location(cfg)),
		slog.Bool("metrics", cfg.Metrics.Enabled && reg != nil))

	if cfg.Metrics.Enabled && reg != nil {
		return &destination{
			Indexer: indexer.NewInstrumented(si, indexer.NewMetrics(reg, cfg.Metrics.Namespace)),
			close:   si.Close,
		}, nil
	}
	return &destination{Indexer: si, close: si.Close}, nil
}
