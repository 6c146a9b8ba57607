package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/vecdest/configs"
	"github.com/Aman-CERP/vecdest/internal/config"
	"github.com/Aman-CERP/vecdest/internal/output"
)

// defaultConfigFile is where config init writes without --config.
const defaultConfigFile = "vecdest.yaml"

// redacted replaces secrets in config show output.
const redacted = "********"

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Manage the vecdest configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. The file given with --config
  3. Environment variables (VECDEST_*)`,
		Example: `  # Create vecdest.yaml from defaults
  vecdest config init

  # Show effective configuration
  vecdest config show --config vecdest.yaml`,
	}

	cmd.AddCommand(newConfigInitCmd(opts))
	cmd.AddCommand(newConfigShowCmd(opts))

	return cmd
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Write the commented configuration template to --config (default
vecdest.yaml).

With --force an existing file is backed up, then rewritten with its settings
kept and any new defaults added.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, opts, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Upgrade an existing configuration file")

	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  `Show the configuration after defaults, the file and environment overrides are merged. Passwords are redacted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, opts, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runConfigInit(cmd *cobra.Command, opts *rootOptions, force bool) error {
	out := output.New(cmd.OutOrStdout())

	path := opts.configPath
	if path == "" {
		path = defaultConfigFile
	}

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.KeyValue("Location", path)
			out.Status("💡", "Use --force to upgrade with new defaults (keeps your settings)")
			return nil
		}
		return runConfigUpgrade(out, path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration")
	out.KeyValue("Location", path)
	out.Newline()
	out.Status("📋", "Next steps:")
	out.Status("", "  1. Pick a backend and edit its section")
	out.Status("", "  2. Run 'vecdest check --config "+path+"' to verify")
	return nil
}

// runConfigUpgrade backs up path, then rewrites it loaded over the current
// defaults.
func runConfigUpgrade(out *output.Writer, path string) error {
	existing, err := config.Load(path)
	if err != nil {
		return err
	}

	backupPath, err := config.Backup(path)
	if err != nil {
		return err
	}

	if err := existing.WriteYAML(path); err != nil {
		return err
	}

	out.Success("Configuration upgraded")
	out.KeyValue("Location", path)
	out.KeyValue("Backup", backupPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, opts *rootOptions, jsonOutput bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	shown := *cfg
	if shown.Elasticsearch.Password != "" {
		shown.Elasticsearch.Password = redacted
	}
	if shown.Redis.Password != "" {
		shown.Redis.Password = redacted
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(shown)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(shown); err != nil {
		return err
	}
	return enc.Close()
}
