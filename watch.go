package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crewplan/crewplan-sync/internal/appstate"
	"github.com/crewplan/crewplan-sync/internal/config"
	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/lookup"
	"github.com/crewplan/crewplan-sync/internal/reconcile"
	"github.com/crewplan/crewplan-sync/internal/snapshot"
	"github.com/crewplan/crewplan-sync/internal/supabase"
)

// stopTimeout bounds the graceful release of channels and timers.
const stopTimeout = 10 * time.Second

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the local copy in step with the backend until interrupted",
		Long: `Loads every collection, subscribes to change notifications and refetches
collections as they change. Bursts are collapsed, edits in progress are
never disturbed, and connectivity loss is recovered automatically.

Send SIGHUP (or run "crewplan-sync reload") to re-read the config file and
refetch everything. SIGINT or SIGTERM stops gracefully; a second signal
forces exit.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

// watchRuntime is the wired reconciliation stack for one watch session.
type watchRuntime struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   *supabase.Client
	realtime *supabase.Realtime
	store    *snapshot.Store
	bus      *reconcile.Bus
	lookup   *lookup.Service
	state    *appstate.Store
	health   *reconcile.HealthMonitor
	orch     *reconcile.Orchestrator
}

// newWatchRuntime wires the collaborators around an orchestrator. The
// caller owns the returned runtime and must call close.
func newWatchRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*watchRuntime, error) {
	client, tokens, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := snapshot.Open(ctx, cfg.SnapshotPath(), logger)
	if err != nil {
		return nil, err
	}

	rtOpts := cfg.RealtimeOptions()
	rtOpts.HTTPClient = realtimeHTTPClient(cfg)

	w := &watchRuntime{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		realtime: supabase.NewRealtime(cfg.Supabase.URL, cfg.Supabase.AnonKey, tokens, logger, rtOpts),
		store:    store,
		bus:      reconcile.NewBus(logger),
	}

	w.lookup = lookup.New(w.bus, logger)
	w.state = appstate.New(w.lookup, logger)
	w.health = reconcile.NewHealthMonitor(
		reconcile.StandardProbes(client, entity.KindStatus), cfg.ProbeTimeout(), w.bus, w.state, logger,
	)
	w.orch = reconcile.NewOrchestrator(cfg.Reconcile(), reconcile.Deps{
		Data:      client,
		Transport: w.realtime,
		Sink:      w.state,
		Cache:     store,
		Health:    w.health,
		Bus:       w.bus,
		Logger:    logger,
	})

	w.realtime.OnDisconnect(w.orch.ConnectionLost)

	return w, nil
}

// observe logs state changes and bus notices an operator cares about.
// The returned function removes every listener.
func (w *watchRuntime) observe() func() {
	cancels := []func(){
		w.state.OnChange(func(ch appstate.Change) {
			if ch.Indicator {
				w.logger.Info("collection indicators changed",
					slog.String("kind", ch.Kind.String()),
					slog.Bool("stale", w.state.Stale(ch.Kind)),
					slog.Bool("offline", w.state.Offline()),
				)

				return
			}

			w.logger.Info("collection updated",
				slog.String("kind", ch.Kind.String()),
				slog.Uint64("version", ch.Version),
				slog.Int("rows", len(w.state.Records(ch.Kind))),
			)
		}),
		w.bus.Subscribe(reconcile.TopicPermission, func(n reconcile.Notice) {
			w.logger.Warn("permission denied",
				slog.String("kind", n.Kind.String()),
				slog.String("hint", n.Message),
			)
		}),
		w.bus.Subscribe(reconcile.TopicLookupUpdated, func(reconcile.Notice) {
			w.logger.Debug("status lookup refreshed", slog.Int("statuses", len(w.lookup.Statuses())))
		}),
	}

	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// refreshAll refetches every kind. A kind whose refresh is already
// running is left to it.
func (w *watchRuntime) refreshAll(ctx context.Context) {
	for _, kind := range entity.AllKinds() {
		err := w.orch.Refresh(ctx, kind)
		if err != nil && !errors.Is(err, reconcile.ErrRefreshInFlight) && !errors.Is(err, context.Canceled) {
			w.logger.Warn("refresh failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *watchRuntime) close() {
	if err := w.realtime.Close(); err != nil {
		w.logger.Debug("closing realtime", slog.String("error", err.Error()))
	}

	if err := w.store.Close(); err != nil {
		w.logger.Warn("closing snapshot store", slog.String("error", err.Error()))
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := resolvedCfg

	cleanup, err := claimWatcher(cfg.PIDPath(), currentWatcher(cfg.Supabase.URL))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	w, err := newWatchRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer w.close()

	defer w.observe()()

	if err := w.orch.Start(ctx); err != nil {
		return fmt.Errorf("starting reconciliation: %w", err)
	}

	statusf(flagQuiet, "Watching %s (%d channels open)\n", cfg.Supabase.URL, w.orch.OpenChannels())

	holder := config.NewHolder(cfg, resolvedPath)
	cli := cliOverrides(cmd)
	load := func() (*config.Config, error) {
		next, _, err := config.Resolve(config.ReadEnvOverrides(), cli)
		return next, err
	}

	retune := func(next *config.Config) {
		w.orch.Retune(next.Reconcile())
		logger.Info("timing reconfigured")
	}

	g, gctx := errgroup.WithContext(ctx)

	if interval := cfg.CheckInterval(); interval > 0 {
		g.Go(func() error {
			w.health.Watch(gctx, interval)
			return nil
		})
	}

	g.Go(func() error {
		if err := config.Watch(gctx, holder, load, logger, retune); err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}

		return nil
	})

	g.Go(func() error {
		hup := reloadSignals(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("SIGHUP received, reloading")

				if next, err := load(); err != nil {
					logger.Warn("config reload failed, keeping previous", slog.String("error", err.Error()))
				} else {
					holder.Update(next)
					retune(next)
				}

				w.refreshAll(gctx)
			}
		}
	})

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	w.orch.Stop(stopCtx)

	if err := g.Wait(); err != nil {
		return err
	}

	statusf(flagQuiet, "Stopped\n")

	return nil
}
