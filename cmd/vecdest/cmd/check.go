package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	vecerrors "github.com/Aman-CERP/vecdest/internal/errors"
	"github.com/Aman-CERP/vecdest/internal/output"
	"github.com/Aman-CERP/vecdest/internal/store"
	"github.com/Aman-CERP/vecdest/pkg/indexer"
)

// Connection status values reported by check --json.
const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
)

// connectionStatus is the JSON result of check --json.
type connectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the destination is reachable and usable",
		Long: `Open the configured backend and run the indexer's check: the backend
must answer, and a configured embedder must match the index dimensions.

Exits non-zero when the destination is not usable.`,
		Example: `  vecdest check --config vecdest.yaml
  vecdest check --config vecdest.yaml --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), cmd, opts, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the connection status as JSON")

	return cmd
}

func runCheck(ctx context.Context, cmd *cobra.Command, opts *rootOptions, jsonOutput bool) error {
	description, backend, location := checkDestination(ctx, opts)

	status := connectionStatus{Status: statusSucceeded}
	if description != "" {
		status = connectionStatus{Status: statusFailed, Message: description}
	}

	if jsonOutput {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(status); err != nil {
			return err
		}
	} else {
		out := output.New(cmd.OutOrStdout())
		out.Header("Destination check")
		if backend != "" {
			out.KeyValue("Backend", backend)
			out.KeyValue("Location", location)
		}
		if description == "" {
			out.Success("Destination is usable")
		} else {
			out.Error("Destination is not usable")
			out.Panel(description)
		}
	}

	if description != "" {
		return fmt.Errorf("check failed: %w", errReported)
	}
	return nil
}

// checkDestination returns an empty description when the configured
// destination is usable. Config and construction failures are described
// like check failures.
func checkDestination(ctx context.Context, opts *rootOptions) (description, backend, location string) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return vecerrors.FormatForUser(err), "", ""
	}
	backend, location = cfg.Backend, store.Location(cfg)

	dest, err := opts.openDestination(cfg, nil)
	if err != nil {
		return vecerrors.FormatForUser(err), backend, location
	}
	defer func() {
		if err := dest.close(); err != nil {
			opts.logger.Warn("close_failed", slog.String("error", err.Error()))
		}
	}()

	return indexer.Describe(ctx, dest), backend, location
}
