package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newIndexOnceCmd(cfgFile *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "index-once",
		Short: "Run a single indexing cycle and print the network snapshot as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			report, err := a.indexer.RunCycle(ctx)
			if err != nil {
				return fmt.Errorf("indexing cycle: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report.Snapshot)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "abort the cycle after this long (0 disables)")
	return cmd
}
