package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/reconcile"
	"github.com/crewplan/crewplan-sync/internal/snapshot"
)

// fetchOutput is the JSON shape of the fetch command.
type fetchOutput struct {
	Kind    entity.Kind  `json:"kind"`
	Stale   bool         `json:"stale"`
	SavedAt time.Time    `json:"saved_at,omitzero"`
	Rows    []entity.Row `json:"rows"`
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <kind>",
		Short: "Fetch one collection and print it",
		Long: `Fetches every row of one collection (statuses, employees or
schedule_entries) and refreshes its snapshot. When the backend is
unreachable the last snapshot is printed instead and marked stale.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: kindNames(),
		RunE:      runFetch,
	}
}

func kindNames() []string {
	kinds := entity.AllKinds()
	names := make([]string, len(kinds))

	for i, k := range kinds {
		names[i] = k.String()
	}

	return names
}

func runFetch(cmd *cobra.Command, args []string) error {
	kind, err := entity.ParseKind(args[0])
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := resolvedCfg

	client, _, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	var cache reconcile.SnapshotCache

	store, err := snapshot.Open(ctx, cfg.SnapshotPath(), logger)
	if err != nil {
		logger.Warn("snapshot cache unavailable", slog.String("error", err.Error()))
	} else {
		defer store.Close()

		cache = store
	}

	out, err := fetchOrSnapshot(ctx, client, cache, kind, logger)
	if err != nil {
		return err
	}

	if out.Stale {
		statusf(flagQuiet, "Backend unreachable; showing snapshot from %s\n", formatTime(out.SavedAt))
	}

	if flagJSON {
		return printJSON(os.Stdout, out)
	}

	printRows(out.Rows)

	return nil
}

// fetcher is the slice of the backend client fetch needs.
type fetcher interface {
	FetchAll(ctx context.Context, kind entity.Kind) ([]entity.Row, error)
}

// fetchOrSnapshot fetches kind and saves the result to store. A transient
// failure falls back to the stored snapshot; any other failure, or a
// transient one with nothing cached, is returned. store may be nil.
func fetchOrSnapshot(
	ctx context.Context, client fetcher, store reconcile.SnapshotCache, kind entity.Kind, logger *slog.Logger,
) (*fetchOutput, error) {
	rows, err := client.FetchAll(ctx, kind)
	if err == nil {
		if store != nil {
			if saveErr := store.Save(ctx, kind, rows); saveErr != nil {
				logger.Warn("saving snapshot failed",
					slog.String("kind", kind.String()),
					slog.String("error", saveErr.Error()),
				)
			}
		}

		return &fetchOutput{Kind: kind, Rows: rows}, nil
	}

	if store == nil || !reconcile.IsTransient(err) {
		return nil, fmt.Errorf("fetching %s: %w", kind, err)
	}

	cached, savedAt, ok, loadErr := store.Load(ctx, kind)
	if loadErr != nil || !ok {
		return nil, fmt.Errorf("fetching %s (no snapshot to fall back to): %w", kind, err)
	}

	logger.Info("serving snapshot",
		slog.String("kind", kind.String()),
		slog.Time("saved_at", savedAt),
		slog.String("cause", err.Error()),
	)

	return &fetchOutput{Kind: kind, Stale: true, SavedAt: savedAt, Rows: cached}, nil
}

// rowColumns returns the union of row keys, "id" first and the rest sorted.
func rowColumns(rows []entity.Row) []string {
	seen := make(map[string]bool)

	var cols []string

	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}

	slices.SortFunc(cols, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == "id":
			return -1
		case b == "id":
			return 1
		case a < b:
			return -1
		default:
			return 1
		}
	})

	return cols
}

func printRows(rows []entity.Row) {
	if len(rows) == 0 {
		statusf(flagQuiet, "No rows.\n")
		return
	}

	cols := rowColumns(rows)
	cells := make([][]string, len(rows))

	for i, r := range rows {
		line := make([]string, len(cols))
		for j, c := range cols {
			line[j] = formatCell(r[c])
		}

		cells[i] = line
	}

	printTable(os.Stdout, cols, cells)
}
