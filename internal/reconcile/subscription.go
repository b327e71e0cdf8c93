package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Reconnect defaults.
const (
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Subscriptions owns one transport channel per watched kind. Every handle
// it opens is released on Stop, on connection loss, and before every
// (re)start.
type Subscriptions struct {
	transport      Transport
	onEvent        func(ChangeEvent)
	logger         *slog.Logger
	reconnectDelay time.Duration
	maxAttempts    int
	nowFunc        func() time.Time

	// opMu serializes Start, Stop and teardown so handle sets never overlap.
	opMu sync.Mutex

	mu        sync.Mutex
	handles   map[entity.Kind]entity.Handle
	kinds     []entity.Kind
	wanted    bool
	listening bool
	attempts  int
	timer     *time.Timer
	timerGen  uint64
	lastErr   error
}

// NewSubscriptions creates a manager that forwards validated events to
// onEvent. maxAttempts bounds consecutive automatic reconnects; zero means
// DefaultMaxReconnectAttempts.
func NewSubscriptions(transport Transport, onEvent func(ChangeEvent), reconnectDelay time.Duration,
	maxAttempts int, logger *slog.Logger,
) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}

	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}

	return &Subscriptions{
		transport:      transport,
		onEvent:        onEvent,
		logger:         logger,
		reconnectDelay: reconnectDelay,
		maxAttempts:    maxAttempts,
		nowFunc:        time.Now,
		handles:        make(map[entity.Kind]entity.Handle),
	}
}

// Start (re)opens one channel per kind for all operations. Existing
// channels are released first. Channels open concurrently; if any fails,
// the ones that opened are released, Listening reports false, and one
// reconnect is scheduled.
func (s *Subscriptions) Start(ctx context.Context, kinds []entity.Kind) error {
	if len(kinds) == 0 {
		return errNoKinds
	}

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	return s.start(ctx, kinds)
}

func (s *Subscriptions) start(ctx context.Context, kinds []entity.Kind) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.teardownLocked(ctx)

	s.mu.Lock()
	s.kinds = append([]entity.Kind(nil), kinds...)
	s.wanted = true
	s.mu.Unlock()

	opened := make([]entity.Handle, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			h, err := s.transport.Subscribe(gctx, kind, s.handlerFor(kind))
			if err != nil {
				return fmt.Errorf("subscribing to %s: %w", kind, err)
			}

			opened[i] = h

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, h := range opened {
			s.release(ctx, h)
		}

		s.mu.Lock()
		s.listening = false
		s.lastErr = err
		s.mu.Unlock()

		s.logger.Error("subscription start failed", slog.String("error", err.Error()))
		s.scheduleReconnect()

		return fmt.Errorf("reconcile: %w", err)
	}

	s.mu.Lock()
	for i, kind := range kinds {
		s.handles[kind] = opened[i]
	}

	s.listening = true
	s.lastErr = nil
	s.attempts = 0
	s.mu.Unlock()

	s.logger.Info("listening for changes", slog.Int("channels", len(kinds)))

	return nil
}

// Stop cancels any scheduled reconnect and releases every channel.
func (s *Subscriptions) Stop(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.wanted = false
	s.mu.Unlock()

	s.teardownLocked(ctx)
}

// ConnectionLost is the transport's disconnect callback. It releases every
// channel and schedules a reconnect. It returns immediately; teardown runs
// on its own goroutine so the transport is never blocked.
func (s *Subscriptions) ConnectionLost(cause error) {
	s.mu.Lock()
	if !s.wanted {
		s.mu.Unlock()
		return
	}

	s.listening = false
	s.lastErr = cause
	s.mu.Unlock()

	s.logger.Warn("change stream lost", slog.String("error", errString(cause)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.reconnectDelay)
		defer cancel()

		s.opMu.Lock()
		s.teardownLocked(ctx)
		s.opMu.Unlock()

		s.scheduleReconnect()
	}()
}

// Listening reports whether every requested channel is open.
func (s *Subscriptions) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listening
}

// OpenCount returns the number of channels currently held.
func (s *Subscriptions) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

// LastError returns the most recent start or stream failure, if any.
func (s *Subscriptions) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

// ReconnectPending reports whether an automatic reconnect is scheduled.
func (s *Subscriptions) ReconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.timer != nil
}

// teardownLocked cancels the reconnect timer and releases every handle,
// then clears the references. Caller holds opMu.
func (s *Subscriptions) teardownLocked(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	s.timerGen++

	handles := make([]entity.Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.release(ctx, h)
	}

	s.mu.Lock()
	clear(s.handles)
	s.listening = false
	s.mu.Unlock()
}

func (s *Subscriptions) release(ctx context.Context, h entity.Handle) {
	if h == nil {
		return
	}

	if err := s.transport.Unsubscribe(ctx, h); err != nil {
		s.logger.Warn("unsubscribe failed",
			slog.String("kind", h.Kind().String()),
			slog.String("error", err.Error()),
		)
	}
}

// scheduleReconnect arms one reconnect after the fixed delay, unless the
// attempt budget is spent or Stop was called.
func (s *Subscriptions) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wanted {
		return
	}

	if s.attempts >= s.maxAttempts {
		s.logger.Error("giving up automatic reconnects until connectivity returns",
			slog.Int("attempts", s.attempts),
		)

		return
	}

	s.attempts++

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timerGen++
	gen := s.timerGen
	attempt := s.attempts

	s.logger.Info("reconnect scheduled",
		slog.Duration("delay", s.reconnectDelay),
		slog.Int("attempt", attempt),
	)

	s.timer = time.AfterFunc(s.reconnectDelay, func() { s.reconnect(gen) })
}

func (s *Subscriptions) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || !s.wanted {
		s.mu.Unlock()
		return
	}

	s.timer = nil
	kinds := append([]entity.Kind(nil), s.kinds...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.reconnectDelay+30*time.Second)
	defer cancel()

	if err := s.start(ctx, kinds); err == nil {
		s.logger.Info("change stream re-established")
	}
}

// handlerFor converts transport changes into ChangeEvents. Malformed
// changes are logged and dropped.
func (s *Subscriptions) handlerFor(kind entity.Kind) func(entity.Change) {
	return func(c entity.Change) {
		c.Kind = kind

		ev, err := decodeChange(c, s.nowFunc())
		if err != nil {
			s.logger.Warn("dropping malformed change",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)

			return
		}

		s.onEvent(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}

	return err.Error()
}

// errNoKinds is returned by Start when asked to watch nothing.
var errNoKinds = errors.New("reconcile: no kinds to watch")
