package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/pkg/catalog"
	"github.com/Aman-CERP/vecdest/pkg/indexer"
	"github.com/Aman-CERP/vecdest/pkg/message"
)

// indexOptions are the flags of the index command.
type indexOptions struct {
	catalogPath string
	inputPath   string
	metricsFile string
}

func newIndexCmd(opts *rootOptions) *cobra.Command {
	iopts := &indexOptions{}

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Run one sync against the destination",
		Long: `Run the indexer lifecycle once: pre-sync for the catalog, index the
operations read from --input in groups of batch_size, then post-sync.

Input is JSON lines, one operation per line:
  {"type":"chunk","chunk":{"record_id":"users_1","stream":"users","content":"..."}}
  {"type":"delete","record_id":"users_2"}

Post-sync messages are printed to stdout as JSON lines.`,
		Example: `  # Index operations from a file
  vecdest index --config vecdest.yaml --catalog catalog.json --input ops.jsonl

  # Read stdin and write Prometheus metrics
  cat ops.jsonl | vecdest index -c vecdest.yaml --catalog catalog.json --metrics-file vecdest.prom`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd.Context(), cmd, opts, iopts)
		},
	}

	cmd.Flags().StringVar(&iopts.catalogPath, "catalog", "", "Path to the configured catalog (JSON)")
	cmd.Flags().StringVar(&iopts.inputPath, "input", "-", "Operations file (JSON lines), - for stdin")
	cmd.Flags().StringVar(&iopts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the sync")
	_ = cmd.MarkFlagRequired("catalog")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, opts *rootOptions, iopts *indexOptions) error {
	start := time.Now()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	cat, err := readCatalog(iopts.catalogPath)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if iopts.metricsFile != "" {
		reg = prometheus.NewRegistry()
		cfg.Metrics.Enabled = true
	}

	dest, err := opts.openDestination(cfg, registerer(reg))
	if err != nil {
		return err
	}
	defer func() {
		if err := dest.close(); err != nil {
			opts.logger.Warn("close_failed", slog.String("error", err.Error()))
		}
	}()

	in, closeInput, err := openInput(cmd.InOrStdin(), iopts.inputPath)
	if err != nil {
		return err
	}
	defer closeInput()

	if err := dest.PreSync(ctx, cat); err != nil {
		return err
	}

	groups, chunks, deletes, err := indexOperations(ctx, dest, newOpReader(in, cat), cfg.BatchSize)
	if err != nil {
		return err
	}

	msgs, postErr := dest.PostSync(ctx)
	message.Emit(ctx, opts.logger, msgs)
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}

	if reg != nil {
		if err := prometheus.WriteToTextfile(iopts.metricsFile, reg); err != nil {
			opts.logger.Warn("metrics_write_failed",
				slog.String("path", iopts.metricsFile),
				slog.String("error", err.Error()))
		}
	}
	if postErr != nil {
		return postErr
	}

	opts.logger.Info("sync_completed",
		slog.String("backend", cfg.Backend),
		slog.Int("groups", groups),
		slog.Int("chunks", chunks),
		slog.Int("deletes", deletes),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// indexOperations feeds the operations to idx in groups of batchSize and
// returns how many groups, chunks and deletes were written. A group may take
// more than one Index call to keep a chunk-then-delete in input order.
func indexOperations(ctx context.Context, idx indexer.Indexer, ops *opReader, batchSize int) (groups, chunks, deletes int, err error) {
	batches, err := indexer.Batches(ops.All(), batchSize)
	if err != nil {
		return 0, 0, 0, err
	}

	for group := range batches {
		for _, seg := range split(group) {
			if err := idx.Index(ctx, seg.chunks, seg.deleteIDs); err != nil {
				return groups, chunks, deletes, fmt.Errorf("group %d: %w", groups+1, err)
			}
			chunks += len(seg.chunks)
			deletes += len(seg.deleteIDs)
		}
		groups++
	}
	if err := ops.Err(); err != nil {
		return groups, chunks, deletes, err
	}
	return groups, chunks, deletes, nil
}

// registerer avoids handing a typed nil registry to the indexer.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func readCatalog(path string) (*catalog.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, vecerrors.IOError("failed to open catalog "+path, err)
	}
	defer func() { _ = f.Close() }()

	cat, err := catalog.Decode(f)
	if err != nil {
		return nil, vecerrors.ValidationError("failed to read catalog "+path, err)
	}
	return cat, nil
}

// openInput returns stdin for "-" and the named file otherwise.
func openInput(stdin io.Reader, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, vecerrors.IOError("failed to open input "+path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
