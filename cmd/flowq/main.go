// Package main implements the flowq binary: an HTTP API server with an
// embedded worker, a standalone worker, schema migrations and a submission
// CLI for the flowq task queue and workflow scheduler.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flowq/flowq/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "flowq",
	Short: "Durable task queue and DAG workflow scheduler",
	Long: `flowq executes tasks from durable queues and advances DAG workflows.

Configuration is read from flowq.yaml (searched in . and /etc/flowq) and
FLOWQ_* environment variables; --config points at an explicit file.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to an explicit config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration, honoring the --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
