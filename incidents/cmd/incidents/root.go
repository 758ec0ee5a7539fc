package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "incidents",
	Short: "TelHawk incident catalog service",
	Long: `incidents maintains the incident-type catalog of every datasource:
it folds classified log batches into incidents, remaps incident types when
the classifier model changes, evaluates incident rules and rolls up
connectivity status.

Run "incidents serve" for the HTTP API and bus workers, or one of the
maintenance commands to run a job once.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env INCIDENTS_* overrides it)")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	l := logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(l)
	logger = l.With(logging.Service("incidents")).Logger
	return nil
}

// printJSON writes v to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
