package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// fakeData is a DataAccess that counts fetches. Each FetchAll first waits
// on gate (when set) and then returns the configured rows or error.
type fakeData struct {
	mu      sync.Mutex
	rows    map[entity.Kind][]entity.Row
	errs    map[entity.Kind][]error // consumed one per call; nil entry = success
	delay   time.Duration
	gate    chan struct{}
	panics  map[entity.Kind]bool
	fetches map[entity.Kind]int
	saved   []entity.Row
	deleted []string
}

func newFakeData() *fakeData {
	return &fakeData{
		rows: map[entity.Kind][]entity.Row{
			entity.KindStatus:        {{"id": float64(1), "code": "V"}},
			entity.KindEmployee:      {{"id": float64(1), "first_name": "Ada"}},
			entity.KindScheduleEntry: {{"id": float64(1), "status_code": "V"}},
		},
		errs:    make(map[entity.Kind][]error),
		fetches: make(map[entity.Kind]int),
	}
}

func (d *fakeData) FetchAll(ctx context.Context, kind entity.Kind) ([]entity.Row, error) {
	d.mu.Lock()
	d.fetches[kind]++

	var err error
	if q := d.errs[kind]; len(q) > 0 {
		err = q[0]
		d.errs[kind] = q[1:]
	}

	rows := entity.CloneRows(d.rows[kind])
	delay := d.delay
	gate := d.gate
	explode := d.panics[kind]
	d.mu.Unlock()

	if explode {
		panic("fetch " + kind.String() + " exploded")
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	return rows, nil
}

func (d *fakeData) Save(_ context.Context, _ entity.Kind, row entity.Row) (entity.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.saved = append(d.saved, row)

	return row.Clone(), nil
}

func (d *fakeData) Delete(_ context.Context, _ entity.Kind, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deleted = append(d.deleted, id)

	return true, nil
}

func (d *fakeData) count(kind entity.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.fetches[kind]
}

func (d *fakeData) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.fetches)
}

func (d *fakeData) failNext(kind entity.Kind, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.errs[kind] = append(d.errs[kind], errs...)
}

func (d *fakeData) setRows(kind entity.Kind, rows []entity.Row) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rows[kind] = rows
}

func (d *fakeData) block() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate = make(chan struct{})

	return d.gate
}

// detach leaves fetches already waiting on the current gate blocked while
// later fetches run freely.
func (d *fakeData) detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate = nil
}

func (d *fakeData) panicOn(kind entity.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.panics == nil {
		d.panics = make(map[entity.Kind]bool)
	}

	d.panics[kind] = true
}

func (d *fakeData) unblock() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// fakeHandle is the Handle returned by fakeTransport.
type fakeHandle struct {
	kind  entity.Kind
	topic string
}

func (h *fakeHandle) Kind() entity.Kind { return h.kind }
func (h *fakeHandle) Topic() string     { return h.topic }

// fakeTransport counts open and closed channels so tests can check for
// leaks, and lets tests push changes into open channels.
type fakeTransport struct {
	mu       sync.Mutex
	seq      int
	open     map[string]*fakeHandle
	handlers map[entity.Kind]func(entity.Change)
	failing  map[entity.Kind]int // remaining failures per kind
	opened   atomic.Int32
	closed   atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		open:     make(map[string]*fakeHandle),
		handlers: make(map[entity.Kind]func(entity.Change)),
		failing:  make(map[entity.Kind]int),
	}
}

var errSubscribe = errors.New("subscribe failed")

func (t *fakeTransport) Subscribe(_ context.Context, kind entity.Kind, handler func(entity.Change)) (entity.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failing[kind] > 0 {
		t.failing[kind]--
		return nil, fmt.Errorf("%s: %w", kind, errSubscribe)
	}

	t.seq++
	h := &fakeHandle{kind: kind, topic: fmt.Sprintf("%s:%d", kind, t.seq)}
	t.open[h.topic] = h
	t.handlers[kind] = handler
	t.opened.Add(1)

	return h, nil
}

func (t *fakeTransport) Unsubscribe(_ context.Context, h entity.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.open[h.Topic()]; !ok {
		return nil
	}

	delete(t.open, h.Topic())
	delete(t.handlers, h.Kind())
	t.closed.Add(1)

	return nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.open)
}

func (t *fakeTransport) fail(kind entity.Kind, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failing[kind] = times
}

// push delivers a change to the open channel for kind. Returns false when
// no channel is open.
func (t *fakeTransport) push(kind entity.Kind, op string, record entity.Row) bool {
	t.mu.Lock()
	h := t.handlers[kind]
	t.mu.Unlock()

	if h == nil {
		return false
	}

	c := entity.Change{Kind: kind, Type: op}
	if op == "DELETE" {
		c.OldRecord = record
	} else {
		c.Record = record
	}

	h(c)

	return true
}

// fakeSink records what the orchestrator applied.
type fakeSink struct {
	mu      sync.Mutex
	applied map[entity.Kind][]entity.Row
	applies map[entity.Kind]int
	stale   map[entity.Kind]bool
	offline bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		applied: make(map[entity.Kind][]entity.Row),
		applies: make(map[entity.Kind]int),
		stale:   make(map[entity.Kind]bool),
	}
}

func (s *fakeSink) Apply(kind entity.Kind, rows []entity.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applied[kind] = rows
	s.applies[kind]++
}

func (s *fakeSink) MarkStale(kind entity.Kind, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stale[kind] = stale
}

func (s *fakeSink) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offline = offline
}

func (s *fakeSink) rows(kind entity.Kind) []entity.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applied[kind]
}

func (s *fakeSink) applyCount(kind entity.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applies[kind]
}

func (s *fakeSink) isStale(kind entity.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stale[kind]
}

func (s *fakeSink) isOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.offline
}

// fakeCache is an in-memory SnapshotCache.
type fakeCache struct {
	mu    sync.Mutex
	rows  map[entity.Kind][]entity.Row
	saves int
}

func newFakeCache() *fakeCache {
	return &fakeCache{rows: make(map[entity.Kind][]entity.Row)}
}

func (c *fakeCache) Save(_ context.Context, kind entity.Kind, rows []entity.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows[kind] = entity.CloneRows(rows)
	c.saves++

	return nil
}

func (c *fakeCache) Load(_ context.Context, kind entity.Kind) ([]entity.Row, time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, ok := c.rows[kind]

	return entity.CloneRows(rows), time.Unix(1_700_000_000, 0), ok, nil
}

// noticeRecorder collects bus notices for one topic.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func record(bus *Bus, topic Topic) *noticeRecorder {
	r := &noticeRecorder{}
	bus.Subscribe(topic, func(n Notice) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.notices = append(r.notices, n)
	})

	return r
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Notice(nil), r.notices...)
}

func (r *noticeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.notices)
}
