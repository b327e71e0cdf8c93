// Package appstate holds the application's view of the backend: the rows of
// every watched kind plus the stale and offline indicators the planner
// shows. The reconciliation orchestrator writes it; views read it and
// subscribe to changes.
package appstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/lookup"
)

// Change describes one state mutation delivered to listeners.
type Change struct {
	Kind    entity.Kind
	Version uint64
	// Indicator is set when only the stale or offline flag changed.
	Indicator bool
}

// KindSummary is the read-only summary of one kind.
type KindSummary struct {
	Kind      entity.Kind `json:"kind"`
	Rows      int         `json:"rows"`
	Version   uint64      `json:"version"`
	Stale     bool        `json:"stale"`
	UpdatedAt time.Time   `json:"updated_at,omitzero"`
}

type kindState struct {
	rows      []entity.Row
	version   uint64
	stale     bool
	updatedAt time.Time
}

// Store is the in-memory application state. Safe for concurrent use.
type Store struct {
	lookup *lookup.Service
	logger *slog.Logger

	// nowFunc stamps updates. Tests override it.
	nowFunc func() time.Time

	mu        sync.RWMutex
	kinds     map[entity.Kind]*kindState
	offline   bool
	listeners map[int]func(Change)
	nextID    int
}

// New returns an empty store. When lookup is non-nil, applied status rows
// replace its table.
func New(lookup *lookup.Service, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		lookup:    lookup,
		logger:    logger,
		nowFunc:   time.Now,
		kinds:     make(map[entity.Kind]*kindState),
		listeners: make(map[int]func(Change)),
	}
}

// Apply replaces the rows of kind and bumps its version.
func (s *Store) Apply(kind entity.Kind, rows []entity.Row) {
	s.mu.Lock()
	ks := s.kindLocked(kind)
	ks.rows = entity.CloneRows(rows)
	ks.version++
	ks.updatedAt = s.nowFunc()
	ch := Change{Kind: kind, Version: ks.version}
	s.mu.Unlock()

	if kind == entity.KindStatus && s.lookup != nil {
		if skipped := s.lookup.ReplaceRows(rows); skipped > 0 {
			s.logger.Warn("status rows without a usable code", slog.Int("skipped", skipped))
		}
	}

	s.notify(ch)
}

// MarkStale sets the stale indicator of kind.
func (s *Store) MarkStale(kind entity.Kind, stale bool) {
	s.mu.Lock()
	ks := s.kindLocked(kind)
	changed := ks.stale != stale
	ks.stale = stale
	ch := Change{Kind: kind, Version: ks.version, Indicator: true}
	s.mu.Unlock()

	if changed {
		s.notify(ch)
	}
}

// SetOffline sets the global offline indicator.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	changed := s.offline != offline
	s.offline = offline
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info("offline indicator changed", slog.Bool("offline", offline))

	for _, kind := range entity.AllKinds() {
		s.notify(Change{Kind: kind, Version: s.Version(kind), Indicator: true})
	}
}

// Records returns a copy of the rows of kind.
func (s *Store) Records(kind entity.Kind) []entity.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ks, ok := s.kinds[kind]
	if !ok {
		return nil
	}

	return entity.CloneRows(ks.rows)
}

// Version returns how many times kind has been applied.
func (s *Store) Version(kind entity.Kind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ks, ok := s.kinds[kind]; ok {
		return ks.version
	}

	return 0
}

// Stale reports whether kind is showing last-known-good or default data.
func (s *Store) Stale(kind entity.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ks, ok := s.kinds[kind]; ok {
		return ks.stale
	}

	return false
}

// Offline reports the global offline indicator.
func (s *Store) Offline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.offline
}

// Summary describes every kind that has been applied at least once.
func (s *Store) Summary() []KindSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]KindSummary, 0, len(s.kinds))

	for _, kind := range entity.AllKinds() {
		ks, ok := s.kinds[kind]
		if !ok {
			continue
		}

		out = append(out, KindSummary{
			Kind:      kind,
			Rows:      len(ks.rows),
			Version:   ks.version,
			Stale:     ks.stale,
			UpdatedAt: ks.updatedAt,
		})
	}

	return out
}

// OnChange registers fn for every mutation. Listeners run synchronously on
// the writer's goroutine and must not block. The returned func removes fn.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) kindLocked(kind entity.Kind) *kindState {
	ks, ok := s.kinds[kind]
	if !ok {
		ks = &kindState{}
		s.kinds[kind] = ks
	}

	return ks
}

func (s *Store) notify(ch Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ch)
	}
}
