package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Gate defaults.
const (
	DefaultDelay        = 300 * time.Millisecond
	DefaultCooldown     = 500 * time.Millisecond
	DefaultStuckTimeout = 10 * time.Second
	DefaultWindow       = 2 * time.Second

	cacheSaveTimeout = 5 * time.Second
)

// Config holds the orchestrator's tunables.
type Config struct {
	Kinds []entity.Kind

	// Windows sets the debounce window per kind; kinds without an entry use
	// DefaultWindow.
	Windows      map[entity.Kind]time.Duration
	Delay        time.Duration
	Cooldown     time.Duration
	StuckTimeout time.Duration

	Edit EditTiming

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	Retry RetryPolicy

	// Defaults is served, stale-flagged, when a kind cannot be loaded and no
	// snapshot is cached.
	Defaults map[entity.Kind][]entity.Row
}

// DefaultConfig returns the stock tunables for every kind.
func DefaultConfig() Config {
	return Config{
		Kinds: entity.AllKinds(),
		Windows: map[entity.Kind]time.Duration{
			entity.KindStatus:        2 * time.Second,
			entity.KindEmployee:      3 * time.Second,
			entity.KindScheduleEntry: time.Second,
		},
		Delay:        DefaultDelay,
		Cooldown:     DefaultCooldown,
		StuckTimeout: DefaultStuckTimeout,
		Edit: EditTiming{
			SettleDelay:      DefaultSettleDelay,
			PropagationDelay: DefaultPropagationDelay,
		},
		ReconnectDelay:       DefaultReconnectDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		Retry: RetryPolicy{
			MaxAttempts: DefaultRetryAttempts,
			Backoff:     DefaultRetryBackoff,
		},
		Defaults: entity.DefaultDataset(),
	}
}

func (c *Config) gateTiming(kind entity.Kind) GateTiming {
	window, ok := c.Windows[kind]
	if !ok {
		window = DefaultWindow
	}

	return GateTiming{
		Window:       window,
		Delay:        c.Delay,
		Cooldown:     c.Cooldown,
		StuckTimeout: c.StuckTimeout,
	}
}

// Deps are the orchestrator's collaborators. Cache and Health may be nil.
type Deps struct {
	Data      DataAccess
	Transport Transport
	Sink      Sink
	Cache     SnapshotCache
	Health    *HealthMonitor
	Bus       *Bus
	Logger    *slog.Logger
}

// kindRuntime is the per-kind machinery created on Start.
type kindRuntime struct {
	state *CoordinationState
	gate  *Gate
	edit  *EditTracker
}

// Orchestrator keeps application state in step with the backend. It routes
// change events through edit suppression and the debounce gate, refetches
// whole collections, and announces applied refreshes with a suppress
// marker so they are not consumed again.
type Orchestrator struct {
	data      DataAccess
	transport Transport
	sink      Sink
	cache     SnapshotCache
	health    *HealthMonitor
	bus       *Bus
	logger    *slog.Logger
	origin    string

	// sleepFunc waits between initial-load attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error

	mu              sync.Mutex
	cfg             Config
	started         bool
	kinds           map[entity.Kind]*kindRuntime
	subs            *Subscriptions
	unsubscribe     []func()
	wasDisconnected bool
	resuming        bool
	lifecycle       context.Context
	stopLifecycle   context.CancelFunc
	wg              sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. Nothing runs until Start.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := deps.Bus
	if bus == nil {
		bus = NewBus(logger)
	}

	if len(cfg.Kinds) == 0 {
		cfg.Kinds = entity.AllKinds()
	}

	return &Orchestrator{
		data:      deps.Data,
		transport: deps.Transport,
		sink:      deps.Sink,
		cache:     deps.Cache,
		health:    deps.Health,
		bus:       bus,
		logger:    logger,
		origin:    uuid.NewString(),
		sleepFunc: timeSleep,
		cfg:       cfg,
	}
}

// Origin is the id stamped on this orchestrator's own announcements.
func (o *Orchestrator) Origin() string { return o.origin }

// Bus returns the signaling bus the orchestrator publishes on.
func (o *Orchestrator) Bus() *Bus { return o.bus }

// Start creates fresh coordination state, opens the change stream and
// loads every kind. A kind that cannot be loaded falls back to its cached
// snapshot, then to the default dataset, and is marked stale. Start fails
// only when ctx ends or the orchestrator is already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}

	kinds := append([]entity.Kind(nil), o.cfg.Kinds...)
	o.kinds = make(map[entity.Kind]*kindRuntime, len(kinds))

	for _, kind := range kinds {
		o.kinds[kind] = o.newRuntimeLocked(kind)
	}

	o.subs = NewSubscriptions(o.transport, o.OnChangeEvent, o.cfg.ReconnectDelay, o.cfg.MaxReconnectAttempts, o.logger)
	o.lifecycle, o.stopLifecycle = context.WithCancel(context.Background())
	o.wasDisconnected = false
	o.resuming = false
	o.started = true
	o.unsubscribe = []func(){
		o.bus.Subscribe(TopicEntityUpdated, o.onEntityUpdated),
		o.bus.Subscribe(TopicConnection, o.onConnection),
		o.bus.Subscribe(TopicHealthCheck, o.onHealthCheck),
	}
	subs := o.subs
	o.mu.Unlock()

	o.logger.Info("reconciliation starting",
		slog.String("origin", o.origin),
		slog.Int("kinds", len(kinds)),
	)

	// Subscribe before loading so changes made during the load are not missed.
	if err := subs.Start(ctx, kinds); err != nil {
		o.logger.Warn("starting without live updates", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		g.Go(func() error {
			return o.initialLoad(gctx, kind)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("reconcile: initial load: %w", err)
	}

	return nil
}

// Stop releases every channel, cancels every timer and resets all
// coordination state. In-flight fetches complete but are not applied.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}

	o.started = false
	kinds := o.kinds
	o.kinds = nil
	subs := o.subs
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	stopLifecycle := o.stopLifecycle
	o.mu.Unlock()

	for _, cancel := range unsubscribe {
		cancel()
	}

	stopLifecycle()
	o.wg.Wait()

	subs.Stop(ctx)

	for _, rt := range kinds {
		rt.edit.Close()
		rt.gate.Close()
		rt.state.Reset()
	}

	o.logger.Info("reconciliation stopped")
}

// Retune applies new timing to a running orchestrator. Kinds and defaults
// are not changed.
func (o *Orchestrator) Retune(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cfg.Windows = cfg.Windows
	o.cfg.Delay = cfg.Delay
	o.cfg.Cooldown = cfg.Cooldown
	o.cfg.StuckTimeout = cfg.StuckTimeout
	o.cfg.Edit = cfg.Edit
	o.cfg.Retry = cfg.Retry

	for kind, rt := range o.kinds {
		rt.gate.Retune(o.cfg.gateTiming(kind))
		rt.edit.Retune(o.cfg.Edit)
	}

	o.logger.Info("reconciliation tunables updated")
}

// OnChangeEvent applies the routing policy, in order: suppressed or own
// events are ignored; while editing the refresh is deferred; a delete
// refreshes immediately; inserts and updates go through the debounce gate.
func (o *Orchestrator) OnChangeEvent(ev ChangeEvent) {
	if ev.Suppress || (ev.Origin != "" && ev.Origin == o.origin) {
		o.logger.Debug("ignoring self-announced change", slog.String("kind", ev.Kind.String()))
		return
	}

	rt := o.runtime(ev.Kind)
	if rt == nil {
		return
	}

	if rt.state.deferIfEditing() {
		o.logger.Debug("change held for edit mode",
			slog.String("kind", ev.Kind.String()),
			slog.String("op", ev.Op.String()),
		)

		return
	}

	if ev.Op == OpDelete {
		rt.gate.Flush()
		return
	}

	rt.gate.Notify(ev.Op)
}

// EnterEdit opens edit mode for kind.
func (o *Orchestrator) EnterEdit(kind entity.Kind) error {
	rt := o.runtime(kind)
	if rt == nil {
		return o.unknown(kind)
	}

	rt.edit.EnterEdit()

	return nil
}

// ExitEdit closes edit mode for kind after the settle delay.
func (o *Orchestrator) ExitEdit(kind entity.Kind) error {
	rt := o.runtime(kind)
	if rt == nil {
		return o.unknown(kind)
	}

	rt.edit.ExitEdit()

	return nil
}

// Refresh refetches kind now on the caller's goroutine. It honors the
// single-flight slot and the stuck timeout but not the debounce window.
func (o *Orchestrator) Refresh(ctx context.Context, kind entity.Kind) error {
	rt := o.runtime(kind)
	if rt == nil {
		return o.unknown(kind)
	}

	err := rt.gate.Run(ctx)
	if !errors.Is(err, ErrRefreshInFlight) {
		o.noteResult(kind, err)
	}

	return err
}

// State returns a snapshot of kind's coordination flags.
func (o *Orchestrator) State(kind entity.Kind) (StateSnapshot, error) {
	rt := o.runtime(kind)
	if rt == nil {
		return StateSnapshot{}, o.unknown(kind)
	}

	return rt.state.Snapshot(), nil
}

// Listening reports whether every change channel is open.
func (o *Orchestrator) Listening() bool {
	o.mu.Lock()
	subs := o.subs
	o.mu.Unlock()

	return subs != nil && subs.Listening()
}

// OpenChannels returns the number of change channels held.
func (o *Orchestrator) OpenChannels() int {
	o.mu.Lock()
	subs := o.subs
	o.mu.Unlock()

	if subs == nil {
		return 0
	}

	return subs.OpenCount()
}

// ConnectionLost is the transport's disconnect callback.
func (o *Orchestrator) ConnectionLost(err error) {
	o.mu.Lock()
	subs := o.subs
	started := o.started
	o.mu.Unlock()

	if !started {
		return
	}

	subs.ConnectionLost(err)

	if o.health != nil {
		o.health.ReportFailure(err)
	}
}

// Save writes row and schedules a refresh of kind. Writes are refused
// while the backend is known to be offline.
func (o *Orchestrator) Save(ctx context.Context, kind entity.Kind, row entity.Row) (entity.Row, error) {
	if o.health != nil && !o.health.Online() {
		return nil, ErrOffline
	}

	stored, err := o.data.Save(ctx, kind, row)
	if err != nil {
		o.noteResult(kind, err)
		return nil, err
	}

	o.OnChangeEvent(ChangeEvent{Kind: kind, Op: OpUpdate, Record: stored, ReceivedAt: time.Now()})

	return stored, nil
}

// Delete removes the row with id and refreshes kind immediately. Writes are
// refused while the backend is known to be offline.
func (o *Orchestrator) Delete(ctx context.Context, kind entity.Kind, id string) (bool, error) {
	if o.health != nil && !o.health.Online() {
		return false, ErrOffline
	}

	ok, err := o.data.Delete(ctx, kind, id)
	if err != nil {
		o.noteResult(kind, err)
		return false, err
	}

	o.OnChangeEvent(ChangeEvent{Kind: kind, Op: OpDelete, OldRecord: entity.Row{"id": id}, ReceivedAt: time.Now()})

	return ok, nil
}

func (o *Orchestrator) newRuntimeLocked(kind entity.Kind) *kindRuntime {
	st := &CoordinationState{}
	rt := &kindRuntime{state: st}

	rt.gate = NewGate(kind, st, o.cfg.gateTiming(kind), func(ctx context.Context) error {
		return o.refresh(ctx, kind, rt)
	}, o.logger)
	rt.gate.OnResult(func(err error) { o.noteResult(kind, err) })

	rt.edit = NewEditTracker(kind, st, rt.gate, o.bus, o.cfg.Edit, func() { rt.gate.Flush() }, o.logger)

	return rt
}

func (o *Orchestrator) runtime(kind entity.Kind) *kindRuntime {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil
	}

	return o.kinds[kind]
}

func (o *Orchestrator) unknown(kind entity.Kind) error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

func (o *Orchestrator) retryPolicy() (RetryPolicy, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cfg.Retry, o.cfg.StuckTimeout
}

// refresh is the gate action for rt: refetch the whole collection and
// apply it unless rt was retired by Stop, the execution timed out, or the
// user started editing meanwhile.
func (o *Orchestrator) refresh(ctx context.Context, kind entity.Kind, rt *kindRuntime) error {
	rows, err := o.data.FetchAll(ctx, kind)
	if err != nil {
		return fmt.Errorf("reconcile: refreshing %s: %w", kind, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("reconcile: discarding late %s result: %w", kind, ctx.Err())
	}

	if o.runtime(kind) != rt {
		o.logger.Debug("discarding result from a stopped session", slog.String("kind", kind.String()))
		return ErrNotStarted
	}

	if !rt.state.commitRefresh() {
		o.logger.Info("refresh result held back, edit started during fetch", slog.String("kind", kind.String()))
		return ErrDeferred
	}

	o.apply(kind, rows, false)

	return nil
}

func (o *Orchestrator) initialLoad(ctx context.Context, kind entity.Kind) error {
	rt := o.runtime(kind)
	if rt == nil {
		return ErrNotStarted
	}

	if release, ok := rt.gate.Hold(); ok {
		defer release()
	}

	rows, err := o.fetchWithRetry(ctx, kind, rt.state)
	if err == nil {
		o.apply(kind, rows, false)
		return nil
	}

	if Classify(err) == ClassCanceled {
		return err
	}

	o.noteResult(kind, err)
	o.fallback(ctx, kind)

	return nil
}

// fallback serves the last-known-good snapshot, or the default dataset,
// marked stale.
func (o *Orchestrator) fallback(ctx context.Context, kind entity.Kind) {
	if o.cache != nil {
		rows, savedAt, ok, err := o.cache.Load(ctx, kind)

		switch {
		case err != nil:
			o.logger.Warn("reading snapshot failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
		case ok:
			o.logger.Warn("serving cached snapshot",
				slog.String("kind", kind.String()),
				slog.Time("saved_at", savedAt),
				slog.Int("rows", len(rows)),
			)
			o.apply(kind, rows, true)

			return
		}
	}

	o.mu.Lock()
	rows := entity.CloneRows(o.cfg.Defaults[kind])
	o.mu.Unlock()

	if rows == nil {
		rows = []entity.Row{}
	}

	o.logger.Warn("serving default dataset",
		slog.String("kind", kind.String()),
		slog.Int("rows", len(rows)),
	)
	o.apply(kind, rows, true)
}

// apply hands rows to the sink, caches fresh data, and announces the
// update with the suppress marker.
func (o *Orchestrator) apply(kind entity.Kind, rows []entity.Row, stale bool) {
	if o.sink != nil {
		o.sink.Apply(kind, rows)
		o.sink.MarkStale(kind, stale)
	}

	if !stale && o.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheSaveTimeout)
		if err := o.cache.Save(ctx, kind, rows); err != nil {
			o.logger.Warn("saving snapshot failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	o.logger.Debug("refresh applied",
		slog.String("kind", kind.String()),
		slog.Int("rows", len(rows)),
		slog.Bool("stale", stale),
	)

	o.bus.Publish(Notice{Topic: TopicEntityUpdated, Kind: kind, Suppress: true, Origin: o.origin})
}

// noteResult converts a refresh or write outcome into state transitions
// and log lines. Nothing propagates further.
func (o *Orchestrator) noteResult(kind entity.Kind, err error) {
	if err == nil || errors.Is(err, ErrDeferred) || errors.Is(err, ErrNotStarted) {
		return
	}

	class := Classify(err)

	switch class {
	case ClassPermission:
		o.logger.Error("permission denied",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		o.bus.Publish(Notice{Topic: TopicPermission, Kind: kind, Message: permissionHint(err)})
	case ClassTransient, ClassTimeout:
		o.logger.Warn("refresh failed, keeping previous data",
			slog.String("kind", kind.String()),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)

		if o.health != nil {
			o.health.ReportFailure(err)
		}
	case ClassLogic:
		o.logger.Error("refresh rejected",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
	case ClassCanceled:
		o.logger.Debug("refresh canceled", slog.String("kind", kind.String()))
	}
}

func (o *Orchestrator) onEntityUpdated(n Notice) {
	if n.Suppress || n.Origin == o.origin {
		return
	}

	o.OnChangeEvent(ChangeEvent{Kind: n.Kind, Op: OpUpdate, Origin: n.Origin, ReceivedAt: time.Now()})
}

// onConnection re-opens the change stream and refetches everything when
// connectivity returns after an outage. Events missed while offline are
// recovered by the refetch.
func (o *Orchestrator) onConnection(n Notice) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}

	if !n.Connected {
		o.wasDisconnected = true
		o.mu.Unlock()

		return
	}

	if !o.wasDisconnected {
		o.mu.Unlock()
		return
	}

	o.wasDisconnected = false
	o.resumeLocked("connectivity restored")
	o.mu.Unlock()
}

// onHealthCheck restarts a change stream that gave up reconnecting while
// the backend stayed reachable. Without it live updates would stay off
// until the next outage ends.
func (o *Orchestrator) onHealthCheck(n Notice) {
	if !n.Connected {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started || o.subs.Listening() || o.subs.ReconnectPending() {
		return
	}

	o.resumeLocked("backend reachable but change stream down")
}

// resumeLocked resubscribes every kind and flushes each one not being
// edited, on a goroutine tied to the lifecycle. At most one resume runs at
// a time. Caller holds o.mu.
func (o *Orchestrator) resumeLocked(reason string) {
	if o.resuming {
		return
	}

	o.resuming = true
	ctx := o.lifecycle
	kinds := append([]entity.Kind(nil), o.cfg.Kinds...)
	subs := o.subs
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			o.resuming = false
			o.mu.Unlock()
		}()

		o.logger.Info("resubscribing and refetching", slog.String("reason", reason))

		if err := subs.Start(ctx, kinds); err != nil {
			o.logger.Warn("resubscribe failed", slog.String("error", err.Error()))
		}

		for _, kind := range kinds {
			rt := o.runtime(kind)
			if rt == nil {
				return
			}

			if rt.state.deferIfEditing() {
				continue
			}

			rt.gate.Flush()
		}
	}()
}
