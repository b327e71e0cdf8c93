package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/crewplan/crewplan-sync/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "List the cached last-known-good collections",
		Args:  cobra.NoArgs,
		RunE:  runSnapshot,
	}
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := snapshot.Open(cmd.Context(), resolvedCfg.SnapshotPath(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	if flagJSON {
		if infos == nil {
			infos = []snapshot.Info{}
		}

		return printJSON(os.Stdout, infos)
	}

	if len(infos) == 0 {
		statusf(flagQuiet, "No snapshots saved yet.\n")
		return nil
	}

	rows := make([][]string, len(infos))
	for i, info := range infos {
		rows[i] = []string{
			info.Kind.String(),
			strconv.Itoa(info.Rows),
			formatSize(info.Bytes),
			formatTime(info.SavedAt),
		}
	}

	printTable(os.Stdout, []string{"KIND", "ROWS", "SIZE", "SAVED"}, rows)

	return nil
}
