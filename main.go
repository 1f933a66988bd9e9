package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "xandindexer",
		Short: "Indexer and analytics API for Xandeum pNodes",
		Long: `xandindexer polls the pNode registry on a fixed interval, normalizes and
scores every node, stores node and network snapshots, and raises events,
anomalies and alerts. The HTTP API serves the latest cycle and its history.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(newServeCmd(&cfgFile), newIndexOnceCmd(&cfgFile))
	return root
}
