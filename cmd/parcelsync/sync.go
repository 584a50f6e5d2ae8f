package main

import (
	"log"
	"time"

	"github.com/spf13/cobra"
)

var (
	syncSource     string
	daemonInterval time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run an incremental sync for one source or all enabled sources",
	Long: `Run one incremental sync cycle.

With --source, only that source is synced; otherwise every enabled source
runs in turn. Each run pages records above the stored watermark, skips
unchanged content, merges the rest, and advances the watermark only past
durably written records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		svc := a.syncService()

		if syncSource != "" {
			source, err := a.sources.GetByName(ctx, syncSource)
			if err != nil {
				return err
			}
			run, err := svc.RunIncremental(ctx, source)
			printRun(run)
			return err
		}

		runs, err := svc.SyncAll(ctx)
		for _, run := range runs {
			printRun(run)
		}
		return err
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run periodic syncs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		every := daemonInterval
		if every <= 0 {
			every = a.cfg.Pipeline.DaemonInterval
		}

		log.Printf("Starting sync daemon, interval %s", every)
		return a.syncService().RunDaemon(ctx, every)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncSource, "source", "", "Source name; empty syncs all enabled sources")
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Sync interval; 0 uses the configured value")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
}
