package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Default edit-mode delays.
const (
	DefaultSettleDelay      = 500 * time.Millisecond
	DefaultPropagationDelay = 500 * time.Millisecond
)

// EditTiming holds the edit tracker's tunables.
type EditTiming struct {
	// SettleDelay is the wait between ExitEdit and clearing the flag.
	SettleDelay time.Duration
	// PropagationDelay is the extra wait before a deferred refresh so the
	// user's own writes reach the backend first.
	PropagationDelay time.Duration
}

// EditTracker tracks whether an edit surface is open for one kind, holds
// refreshes back while it is, and replays one deferred refresh afterwards.
type EditTracker struct {
	kind     entity.Kind
	state    *CoordinationState
	gate     *Gate
	bus      *Bus
	deferred func()
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu     sync.Mutex
	timing EditTiming
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewEditTracker creates a tracker sharing state with gate. deferred runs
// after exit when a refresh was held back.
func NewEditTracker(kind entity.Kind, state *CoordinationState, gate *Gate, bus *Bus,
	timing EditTiming, deferred func(), logger *slog.Logger,
) *EditTracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &EditTracker{
		kind:     kind,
		state:    state,
		gate:     gate,
		bus:      bus,
		deferred: deferred,
		logger:   logger,
		nowFunc:  time.Now,
		timing:   timing,
	}
}

// Retune replaces the delays used by later exits.
func (t *EditTracker) Retune(timing EditTiming) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timing = timing
}

// Editing reports whether the edit surface is open.
func (t *EditTracker) Editing() bool { return t.state.Editing() }

// PendingRefresh reports whether a refresh is waiting for the edit to end.
func (t *EditTracker) PendingRefresh() bool { return t.state.PendingRefresh() }

// EnterEdit opens edit mode. A pending exit or deferred replay is
// cancelled, and a scheduled gate timer is cancelled with its work carried
// over as a pending refresh. Calling it while editing only refreshes the
// interaction time.
func (t *EditTracker) EnterEdit() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	t.stopTimerLocked()
	t.mu.Unlock()

	if t.gate != nil && t.gate.Cancel() {
		t.state.markPending()
	}

	if !t.state.beginEdit(t.nowFunc()) {
		return
	}

	t.logger.Debug("edit started", slog.String("kind", t.kind.String()))

	if t.bus != nil {
		t.bus.Publish(Notice{Topic: TopicEditStart, Kind: t.kind})
	}
}

// ExitEdit closes edit mode after the settle delay. An exit already
// scheduled is left alone; EnterEdit during the delay cancels it.
func (t *EditTracker) ExitEdit() {
	if !t.state.Editing() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.timer != nil {
		return
	}

	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.timing.SettleDelay, func() { t.settled(gen) })
}

// Close stops any scheduled exit or replay.
func (t *EditTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.stopTimerLocked()
}

func (t *EditTracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	t.gen++
}

func (t *EditTracker) settled(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}

	t.timer = nil

	// Clearing the flag under t.mu keeps a concurrent EnterEdit ordered
	// either fully before or fully after this exit.
	ended := t.state.endEdit()
	if ended && t.state.PendingRefresh() {
		t.gen++
		replayGen := t.gen
		t.timer = time.AfterFunc(t.timing.PropagationDelay, func() { t.replay(replayGen) })
	}
	t.mu.Unlock()

	if !ended {
		return
	}

	t.logger.Debug("edit ended", slog.String("kind", t.kind.String()))

	if t.bus != nil {
		t.bus.Publish(Notice{Topic: TopicEditEnd, Kind: t.kind})
	}
}

func (t *EditTracker) replay(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}

	t.timer = nil
	t.mu.Unlock()

	if t.state.Editing() || !t.state.PendingRefresh() {
		return
	}

	t.logger.Info("running refresh deferred by edit mode", slog.String("kind", t.kind.String()))

	if t.deferred != nil {
		t.deferred()
	}
}
