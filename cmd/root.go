package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-warehouse/internal/config"
	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
	"github.com/telhawk-systems/telhawk-warehouse/internal/output"
)

var (
	cfgFile      string
	outputFormat string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "warehouse",
	Short: "TelHawk event warehouse",
	Long: `warehouse relays client telemetry to a TelHawk collection endpoint.

It enriches events with the current user and session before sending them,
and accepts raw payloads from local processes into a bounded cache.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/warehouse/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", output.FormatTable, "output format: table, json, yaml")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	outputFormat = format

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = newLogger(cmd.ErrOrStderr(), cfg.Logging)
	logging.SetDefault(logger)
	return nil
}

// CLI logs go to stderr so table and json output on stdout stays clean.
func newLogger(w io.Writer, lc config.LoggingConfig) *logging.Logger {
	return logging.NewWithWriter(w, logging.ParseLevel(lc.Level), lc.Format).
		With(logging.Service("warehouse"))
}
