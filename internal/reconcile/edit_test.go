package reconcile

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

type editFixture struct {
	state    *CoordinationState
	gate     *Gate
	tracker  *EditTracker
	bus      *Bus
	runs     *atomic.Int32
	deferred *atomic.Int32
}

func newEditFixture(timing EditTiming) *editFixture {
	f := &editFixture{
		state:    &CoordinationState{},
		bus:      NewBus(testLogger()),
		runs:     &atomic.Int32{},
		deferred: &atomic.Int32{},
	}

	f.gate = NewGate(entity.KindEmployee, f.state, GateTiming{Delay: 50 * time.Millisecond, StuckTimeout: time.Second},
		countingAction(f.runs, nil), testLogger())
	f.tracker = NewEditTracker(entity.KindEmployee, f.state, f.gate, f.bus, timing, func() {
		f.deferred.Add(1)
		f.gate.Flush()
	}, testLogger())

	return f
}

func (f *editFixture) close() {
	f.tracker.Close()
	f.gate.Close()
}

func TestEditTracker_EnterIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 10 * time.Millisecond, PropagationDelay: 10 * time.Millisecond})
	defer f.close()

	starts := record(f.bus, TopicEditStart)

	f.tracker.EnterEdit()
	first := f.state.Snapshot().LastInteraction
	time.Sleep(2 * time.Millisecond)
	f.tracker.EnterEdit()

	assert.True(t, f.tracker.Editing())
	assert.Equal(t, 1, starts.count(), "edit-start only on the transition")
	assert.True(t, f.state.Snapshot().LastInteraction.After(first), "interaction time refreshed")
}

func TestEditTracker_EnterCancelsScheduledRefresh(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 10 * time.Millisecond, PropagationDelay: 10 * time.Millisecond})
	defer f.close()

	require.True(t, f.gate.Notify(OpUpdate))
	f.tracker.EnterEdit()

	assert.False(t, f.gate.Pending(), "gate timer cancelled")
	assert.True(t, f.tracker.PendingRefresh(), "cancelled work carried over")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), f.runs.Load())
}

func TestEditTracker_ExitWithoutPendingDoesNotRefresh(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 10 * time.Millisecond, PropagationDelay: 10 * time.Millisecond})
	defer f.close()

	ends := record(f.bus, TopicEditEnd)

	f.tracker.EnterEdit()
	f.tracker.ExitEdit()
	f.tracker.ExitEdit()

	require.Eventually(t, func() bool { return !f.tracker.Editing() }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, ends.count())
	assert.Equal(t, int32(0), f.deferred.Load())
}

func TestEditTracker_EnterNEventsExitRunsOneDeferredRefresh(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 30 * time.Millisecond, PropagationDelay: 30 * time.Millisecond})
	defer f.close()

	f.tracker.EnterEdit()

	for range 25 {
		assert.True(t, f.state.deferIfEditing())
	}

	assert.Equal(t, int32(0), f.runs.Load(), "nothing refreshes while editing")

	f.tracker.ExitEdit()

	require.Eventually(t, func() bool { return f.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), f.deferred.Load())
	assert.Equal(t, int32(1), f.runs.Load())
}

func TestEditTracker_ReenterDuringSettleCancelsExit(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 80 * time.Millisecond, PropagationDelay: 10 * time.Millisecond})
	defer f.close()

	ends := record(f.bus, TopicEditEnd)

	f.tracker.EnterEdit()
	f.state.markPending()
	f.tracker.ExitEdit()

	time.Sleep(20 * time.Millisecond)
	f.tracker.EnterEdit()

	time.Sleep(150 * time.Millisecond)

	assert.True(t, f.tracker.Editing())
	assert.Equal(t, 0, ends.count())
	assert.Equal(t, int32(0), f.deferred.Load())
	assert.True(t, f.tracker.PendingRefresh())
}

func TestEditTracker_ReenterDuringPropagationCancelsReplay(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 10 * time.Millisecond, PropagationDelay: 150 * time.Millisecond})
	defer f.close()

	f.tracker.EnterEdit()
	f.state.markPending()
	f.tracker.ExitEdit()

	require.Eventually(t, func() bool { return !f.tracker.Editing() }, time.Second, 5*time.Millisecond)
	f.tracker.EnterEdit()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), f.deferred.Load())
	assert.True(t, f.tracker.PendingRefresh(), "work survives for the next exit")
}

func TestEditTracker_PendingClearedOnlyByAppliedRefresh(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 10 * time.Millisecond, PropagationDelay: 10 * time.Millisecond})
	defer f.close()

	// The gate action here never commits, so pending must survive the replay.
	f.tracker.EnterEdit()
	f.state.markPending()
	f.tracker.ExitEdit()

	require.Eventually(t, func() bool { return f.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.tracker.PendingRefresh())

	assert.True(t, f.state.commitRefresh())
	assert.False(t, f.tracker.PendingRefresh())
}

func TestEditTracker_CloseStopsScheduledExit(t *testing.T) {
	t.Parallel()

	f := newEditFixture(EditTiming{SettleDelay: 30 * time.Millisecond, PropagationDelay: 10 * time.Millisecond})

	f.tracker.EnterEdit()
	f.tracker.ExitEdit()
	f.close()

	time.Sleep(80 * time.Millisecond)
	assert.True(t, f.tracker.Editing(), "exit never settled")
}
