package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// GateTiming holds the gate's tunables.
type GateTiming struct {
	// Window is the minimum spacing between executions started by Notify.
	Window time.Duration
	// Delay is the trailing timer: bursts inside it collapse into one run.
	Delay time.Duration
	// Cooldown holds the single-flight slot after an execution completes.
	Cooldown time.Duration
	// StuckTimeout bounds one execution.
	StuckTimeout time.Duration
}

// Gate coalesces change notifications for one kind into single executions
// of its action. At most one execution runs at a time.
type Gate struct {
	kind   entity.Kind
	state  *CoordinationState
	action func(ctx context.Context) error
	logger *slog.Logger

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time

	mu       sync.Mutex
	timing   GateTiming
	timer    *time.Timer
	timerGen uint64
	trailing bool
	closed   bool
	onResult func(error)
}

// NewGate creates a gate that runs action for kind. state is shared with the
// kind's edit tracker.
func NewGate(kind entity.Kind, state *CoordinationState, timing GateTiming,
	action func(ctx context.Context) error, logger *slog.Logger,
) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		kind:    kind,
		state:   state,
		action:  action,
		logger:  logger,
		nowFunc: time.Now,
		timing:  timing,
	}
}

// Retune replaces the gate's timing. A timer already armed keeps its
// original deadline.
func (g *Gate) Retune(timing GateTiming) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.timing = timing
}

// Timing returns the current tunables.
func (g *Gate) Timing() GateTiming {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.timing
}

// OnResult registers fn to observe the outcome of every asynchronous
// execution (timer or Flush driven). Errors never escape the gate otherwise.
func (g *Gate) OnResult(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.onResult = fn
}

// Notify reports one Insert/Update notification. Inside the window it is
// dropped, whether or not an execution is running. Past the window, while an
// execution holds the gate, it only marks the state dirty; otherwise it
// (re)arms the single trailing timer. Returns true when a timer was armed.
func (g *Gate) Notify(op Operation) bool {
	g.mu.Lock()
	closed := g.closed
	window := g.timing.Window
	delay := g.timing.Delay
	g.mu.Unlock()

	if closed {
		return false
	}

	switch g.state.admit(g.nowFunc(), window) {
	case admitDropped:
		g.logger.Debug("change dropped inside debounce window",
			slog.String("kind", g.kind.String()),
			slog.String("op", op.String()),
		)

		return false
	case admitBusy:
		g.logger.Debug("change noted while refresh in flight",
			slog.String("kind", g.kind.String()),
			slog.String("op", op.String()),
		)

		return false
	}

	g.arm(delay)

	return true
}

// Flush starts an execution immediately, bypassing window and delay. While
// an execution is in flight, exactly one trailing execution is queued and
// starts once the slot is released. Returns true when an execution started
// now.
func (g *Gate) Flush() bool {
	g.Cancel()

	// The claim and the queueing happen under g.mu, which release also
	// takes before reading trailing, so a concurrent release either frees
	// the slot before the claim or sees the queued run.
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}

	token, ok := g.claimLocked(true)
	if !ok {
		g.trailing = true
		g.mu.Unlock()

		g.logger.Debug("flush queued behind in-flight refresh", slog.String("kind", g.kind.String()))

		return false
	}
	g.mu.Unlock()

	go g.runAsync(token)

	return true
}

// Run executes the action synchronously on the caller's goroutine, honoring
// the single-flight slot and the stuck timeout. Returns ErrRefreshInFlight
// when another execution holds the slot.
func (g *Gate) Run(ctx context.Context) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()

	if closed {
		return fmt.Errorf("reconcile: %s gate closed: %w", g.kind, ErrNotStarted)
	}

	token, ok := g.claim(true)
	if !ok {
		return fmt.Errorf("reconcile: %s: %w", g.kind, ErrRefreshInFlight)
	}

	return g.execute(ctx, token)
}

// Hold claims the single-flight slot for work done outside the gate, such
// as the initial load. Changes arriving meanwhile mark the state dirty. The
// returned release follows the normal cooldown and follow-up rules.
func (g *Gate) Hold() (release func(), ok bool) {
	token, ok := g.claim(false)
	if !ok {
		return nil, false
	}

	var once sync.Once

	return func() { once.Do(func() { g.finish(token) }) }, true
}

// Cancel stops the armed timer. Returns true if one was armed.
func (g *Gate) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer == nil {
		return false
	}

	g.timer.Stop()
	g.timer = nil
	g.timerGen++

	return true
}

// Pending reports whether a timer is armed.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.timer != nil
}

// Close stops the timer and drops any queued trailing execution. An
// in-flight execution completes; later notifications are rejected.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	g.trailing = false

	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
		g.timerGen++
	}
}

func (g *Gate) arm(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}

	if g.timer != nil {
		g.timer.Stop()
	}

	g.timerGen++
	gen := g.timerGen
	g.timer = time.AfterFunc(d, func() { g.fire(gen) })
}

func (g *Gate) fire(gen uint64) {
	g.mu.Lock()
	if g.closed || gen != g.timerGen {
		g.mu.Unlock()
		return
	}

	g.timer = nil
	g.mu.Unlock()

	token, ok := g.claim(true)
	if !ok {
		// An execution claimed the slot after this change was admitted, so
		// its fetch already covers it.
		g.logger.Debug("timer superseded by running refresh", slog.String("kind", g.kind.String()))
		return
	}

	g.runAsync(token)
}

// claim takes the single-flight slot; stamp starts a new debounce window.
// The slot is reclaimed if it has been
// held past stuck timeout plus cooldown, which only happens if a release
// was lost.
func (g *Gate) claim(stamp bool) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.claimLocked(stamp)
}

// claimLocked is claim for callers holding g.mu.
func (g *Gate) claimLocked(stamp bool) (uint64, bool) {
	var maxHold time.Duration
	if g.timing.StuckTimeout > 0 {
		maxHold = g.timing.StuckTimeout + g.timing.Cooldown
	}

	return g.state.beginProcessing(g.nowFunc(), maxHold, stamp)
}

func (g *Gate) runAsync(token uint64) {
	err := g.execute(context.Background(), token)

	g.mu.Lock()
	fn := g.onResult
	g.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// execute races the action against the stuck timeout. A result arriving
// after the timeout is discarded. The slot is always released, cooldown
// after the execution ends.
func (g *Gate) execute(parent context.Context, token uint64) error {
	g.mu.Lock()
	stuck := g.timing.StuckTimeout
	g.mu.Unlock()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	if stuck > 0 {
		ctx, cancel = context.WithTimeout(parent, stuck)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	defer g.finish(token)

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrRefreshPanicked, r)
			}
		}()

		done <- g.action(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if parent.Err() != nil {
			return fmt.Errorf("reconcile: %s refresh: %w", g.kind, parent.Err())
		}

		g.logger.Warn("refresh exceeded stuck timeout, releasing",
			slog.String("kind", g.kind.String()),
			slog.Duration("timeout", stuck),
		)

		return fmt.Errorf("reconcile: %s: %w", g.kind, ErrStuck)
	}
}

// finish schedules the slot release after the cooldown.
func (g *Gate) finish(token uint64) {
	g.mu.Lock()
	cooldown := g.timing.Cooldown
	g.mu.Unlock()

	if cooldown <= 0 {
		g.release(token)
		return
	}

	time.AfterFunc(cooldown, func() { g.release(token) })
}

// release frees the slot, then starts the queued trailing execution, or
// arms a timer for changes admitted past the window while processing (or
// during a Hold, which opens no window). Changes inside the window were
// already dropped by admit and never reach this point.
func (g *Gate) release(token uint64) {
	if !g.state.endProcessing(token) {
		return
	}

	dirty := g.state.takeDirty()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}

	trailing := g.trailing
	g.trailing = false
	timing := g.timing
	g.mu.Unlock()

	switch {
	case trailing:
		g.Flush()
	case dirty:
		wait := timing.Delay
		if since := g.state.sinceRefresh(g.nowFunc()); since >= 0 && timing.Window-since > wait {
			wait = timing.Window - since
		}

		g.logger.Debug("changes arrived after the window during refresh, scheduling follow-up",
			slog.String("kind", g.kind.String()),
			slog.Duration("wait", wait),
		)

		g.arm(wait)
	}
}
