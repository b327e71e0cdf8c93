package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// DefaultProbeTimeout bounds each connectivity probe.
const DefaultProbeTimeout = 3 * time.Second

// ConnectionState is the health monitor's view of the backend.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Probe is one connectivity strategy.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// StandardProbes returns the three strategies in order: transport
// reachability without credentials, a one-row query against the smallest
// collection, and a session check.
func StandardProbes(p Prober, smallest entity.Kind) []Probe {
	return []Probe{
		{Name: "reachability", Check: p.Health},
		{Name: "query", Check: func(ctx context.Context) error {
			_, err := p.Count(ctx, smallest)
			return err
		}},
		{Name: "session", Check: func(ctx context.Context) error {
			_, err := p.CurrentUser(ctx)
			return err
		}},
	}
}

// ProbeResult records one probe outcome from the last check.
type ProbeResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// HealthMonitor decides whether the backend is reachable. Transitions
// happen only on explicit checks and reported failures; each transition is
// published on the bus and pushed to the sink. Every completed check is
// also published as a health-check notice, transition or not.
type HealthMonitor struct {
	probes  []Probe
	timeout time.Duration
	bus     *Bus
	sink    Sink
	logger  *slog.Logger
	nowFunc func() time.Time

	mu          sync.Mutex
	state       ConnectionState
	lastResults []ProbeResult
	lastCheck   time.Time
}

// NewHealthMonitor creates a monitor running probes in order. bus and sink
// may be nil.
func NewHealthMonitor(probes []Probe, timeout time.Duration, bus *Bus, sink Sink, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}

	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &HealthMonitor{
		probes:  probes,
		timeout: timeout,
		bus:     bus,
		sink:    sink,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// State returns the current connection state.
func (h *HealthMonitor) State() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Online reports whether the last verdict was Connected. Unknown counts as
// online so writes are not blocked before the first check.
func (h *HealthMonitor) Online() bool {
	return h.State() != StateDisconnected
}

// LastResults returns the per-probe outcomes of the last check.
func (h *HealthMonitor) LastResults() []ProbeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]ProbeResult(nil), h.lastResults...)
}

// LastCheck returns when CheckConnection last completed.
func (h *HealthMonitor) LastCheck() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastCheck
}

// CheckConnection runs the probes in order, each under its own timeout,
// and stops at the first success.
func (h *HealthMonitor) CheckConnection(ctx context.Context) bool {
	results := make([]ProbeResult, 0, len(h.probes))

	for _, p := range h.probes {
		start := h.nowFunc()
		err := h.runProbe(ctx, p)
		res := ProbeResult{Name: p.Name, OK: err == nil, Elapsed: h.nowFunc().Sub(start)}

		if err != nil {
			res.Error = err.Error()
			h.logger.Debug("probe failed",
				slog.String("probe", p.Name),
				slog.Duration("elapsed", res.Elapsed),
				slog.String("error", err.Error()),
			)
		}

		results = append(results, res)

		if err == nil {
			h.record(results)
			h.transition(StateConnected, "probe "+p.Name+" succeeded")
			h.publishVerdict(true, p.Name)

			return true
		}

		if ctx.Err() != nil {
			break
		}
	}

	h.record(results)
	h.transition(StateDisconnected, "all probes failed")
	h.publishVerdict(false, "")

	return false
}

func (h *HealthMonitor) publishVerdict(connected bool, probe string) {
	if h.bus != nil {
		h.bus.Publish(Notice{Topic: TopicHealthCheck, Connected: connected, Message: probe})
	}
}

// ReportFailure feeds a failed data operation into the state machine.
// Transient failures and timeouts mean Disconnected; other classes say
// nothing about reachability.
func (h *HealthMonitor) ReportFailure(err error) {
	if !IsTransient(err) {
		return
	}

	h.transition(StateDisconnected, err.Error())
}

// Watch checks connectivity every interval until ctx is done.
func (h *HealthMonitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckConnection(ctx)
		}
	}
}

// runProbe races one probe against its timeout so a probe that ignores its
// context still cannot delay the verdict.
func (h *HealthMonitor) runProbe(ctx context.Context, p Probe) error {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe %s panicked: %v", p.Name, r)
			}
		}()

		done <- p.Check(pctx)
	}()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		return fmt.Errorf("probe %s: %w", p.Name, pctx.Err())
	}
}

func (h *HealthMonitor) record(results []ProbeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastResults = results
	h.lastCheck = h.nowFunc()
}

func (h *HealthMonitor) transition(next ConnectionState, reason string) {
	h.mu.Lock()
	prev := h.state
	h.state = next
	h.mu.Unlock()

	if prev == next {
		return
	}

	h.logger.Info("connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
		slog.String("reason", reason),
	)

	if h.sink != nil {
		h.sink.SetOffline(next == StateDisconnected)
	}

	if h.bus != nil {
		h.bus.Publish(Notice{
			Topic:     TopicConnection,
			Connected: next == StateConnected,
			Message:   reason,
		})
	}
}
