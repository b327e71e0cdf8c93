package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running watch to re-read its config and refetch everything",
		Long: `Sends SIGHUP to the watcher recorded in the PID file. The watcher must
serve the same project URL as the resolved config.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			rec, err := signalWatcher(resolvedCfg.PIDPath(), resolvedCfg.Supabase.URL, syscall.SIGHUP)
			if err != nil {
				return err
			}

			statusf(flagQuiet, "Reload signal sent to watcher (PID %d, running since %s).\n",
				rec.PID, formatTime(rec.Started))

			return nil
		},
	}
}
