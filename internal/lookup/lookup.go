// Package lookup resolves status codes to the label and color shown in the
// planning calendar. The table is replaced as a whole whenever the status
// collection is refreshed, and each replacement is announced on the bus.
package lookup

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/reconcile"
)

// FallbackColor is returned for codes the table does not know.
const FallbackColor = "#9e9e9e"

// Service is the status label/color table. Safe for concurrent use.
type Service struct {
	bus    *reconcile.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	byKey    map[string]entity.Status
	statuses []entity.Status
}

// New returns a service seeded with the built-in statuses. bus may be nil.
func New(bus *reconcile.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{bus: bus, logger: logger}
	s.install(entity.DefaultStatuses())

	return s
}

// Key normalizes a status code for lookup: surrounding space trimmed, NFC
// normalized, case folded.
func Key(code string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(code)))
}

// Label returns the display name for code, or the code itself when it is
// not known.
func (s *Service) Label(code string) string {
	if st, ok := s.Lookup(code); ok && st.Name != "" {
		return st.Name
	}

	return code
}

// Color returns the display color for code, or FallbackColor.
func (s *Service) Color(code string) string {
	if st, ok := s.Lookup(code); ok && st.Color != "" {
		return st.Color
	}

	return FallbackColor
}

// Lookup returns the status registered for code.
func (s *Service) Lookup(code string) (entity.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byKey[Key(code)]

	return st, ok
}

// Statuses returns the table in sort order.
func (s *Service) Statuses() []entity.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.statuses)
}

// Replace swaps in a new table and publishes lookup-updated. Entries later
// in sort order win when two codes normalize to the same key.
func (s *Service) Replace(statuses []entity.Status) {
	s.install(statuses)

	s.logger.Debug("status lookup replaced", slog.Int("statuses", len(statuses)))

	if s.bus != nil {
		s.bus.Publish(reconcile.Notice{Topic: reconcile.TopicLookupUpdated, Kind: entity.KindStatus})
	}
}

// ReplaceRows decodes status rows and replaces the table. Rows that do not
// decode are skipped and counted.
func (s *Service) ReplaceRows(rows []entity.Row) (skipped int) {
	statuses := make([]entity.Status, 0, len(rows))

	for _, r := range rows {
		st, err := entity.DecodeStatus(r)
		if err != nil {
			s.logger.Warn("skipping status row", slog.String("error", err.Error()))
			skipped++

			continue
		}

		statuses = append(statuses, st)
	}

	s.Replace(statuses)

	return skipped
}

func (s *Service) install(statuses []entity.Status) {
	sorted := slices.Clone(statuses)
	slices.SortStableFunc(sorted, func(a, b entity.Status) int {
		return a.SortOrder - b.SortOrder
	})

	byKey := make(map[string]entity.Status, len(sorted))
	for _, st := range sorted {
		byKey[Key(st.Code)] = st
	}

	s.mu.Lock()
	s.byKey = byKey
	s.statuses = sorted
	s.mu.Unlock()
}
