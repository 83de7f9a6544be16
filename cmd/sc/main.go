// Command sc runs build pipelines described by a flow graph and a manifest.
//
//	sc run --flows flows.hcl --flow asicflow --manifest top.json
//	sc nodes --flows flows.hcl --flow asicflow
//	sc status build/top/job0/top.pkg.json
//	sc worker --queue default
//	sc keys tool
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ciprian167/siliconcompiler/internal/config"
	"github.com/Ciprian167/siliconcompiler/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfg    *config.Config
	logger *zap.Logger

	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:           "sc",
	Short:         "Build pipeline orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-json") {
			cfg.LogJSON = logJSON
		}
		logger, err = logging.New(cfg.LogLevel, cfg.LogJSON)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sc version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "sc", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error); overrides SC_LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON; overrides SC_LOG_JSON")
	rootCmd.AddCommand(runCmd, nodesCmd, statusCmd, workerCmd, keysCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sc:", err)
		os.Exit(exitCode(err))
	}
}
