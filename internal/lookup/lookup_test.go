package lookup

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key("ho"), Key(" HO "))
	// Decomposed and precomposed forms match.
	assert.Equal(t, Key("E\u0301TE\u0301"), Key("\u00e9t\u00e9"))
}

func TestService_SeededWithDefaults(t *testing.T) {
	t.Parallel()

	s := New(nil, testLogger())

	assert.Equal(t, "Vacation", s.Label("V"))
	assert.Equal(t, "Vacation", s.Label("v"))
	assert.Equal(t, "#ff9800", s.Color("V"))
	assert.Len(t, s.Statuses(), len(entity.DefaultStatuses()))
}

func TestService_UnknownCode(t *testing.T) {
	t.Parallel()

	s := New(nil, testLogger())

	assert.Equal(t, "ZZ", s.Label("ZZ"))
	assert.Equal(t, FallbackColor, s.Color("ZZ"))

	_, ok := s.Lookup("ZZ")
	assert.False(t, ok)
}

func TestService_ReplacePublishes(t *testing.T) {
	t.Parallel()

	bus := reconcile.NewBus(testLogger())

	var got []reconcile.Notice
	bus.Subscribe(reconcile.TopicLookupUpdated, func(n reconcile.Notice) { got = append(got, n) })

	s := New(bus, testLogger())
	assert.Empty(t, got, "seeding is not an update")

	s.Replace([]entity.Status{
		{ID: 2, Code: "B", Name: "Business trip", Color: "#000001", SortOrder: 20},
		{ID: 1, Code: "R", Name: "Remote", Color: "#000002", SortOrder: 10},
	})

	require.Len(t, got, 1)
	assert.Equal(t, entity.KindStatus, got[0].Kind)

	assert.Equal(t, "Remote", s.Label("r"))
	assert.Equal(t, "V", s.Label("V"), "old table is gone")

	statuses := s.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "R", statuses[0].Code, "sorted by sort order")
}

func TestService_ReplaceRowsSkipsInvalid(t *testing.T) {
	t.Parallel()

	s := New(nil, testLogger())

	skipped := s.ReplaceRows([]entity.Row{
		{"id": float64(1), "code": "HO", "name": "Home", "color": "#123456", "sort_order": float64(1)},
		{"id": float64(2), "name": "no code"},
	})

	assert.Equal(t, 1, skipped)
	assert.Equal(t, "Home", s.Label("ho"))
	assert.Len(t, s.Statuses(), 1)
}

func TestService_ConcurrentReadsDuringReplace(t *testing.T) {
	t.Parallel()

	s := New(nil, testLogger())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				_ = s.Label("V")
				_ = s.Color("HO")
			}
		}()
	}

	for range 20 {
		s.Replace(entity.DefaultStatuses())
	}

	wg.Wait()
}
