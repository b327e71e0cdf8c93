package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

type eventLog struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (l *eventLog) add(ev ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
}

func (l *eventLog) all() []ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]ChangeEvent(nil), l.events...)
}

func TestSubscriptions_StartOpensOneChannelPerKind(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	var log eventLog
	s := NewSubscriptions(tr, log.add, time.Hour, 3, testLogger())

	require.NoError(t, s.Start(context.Background(), entity.AllKinds()))

	assert.True(t, s.Listening())
	assert.Equal(t, 3, s.OpenCount())
	assert.Equal(t, 3, tr.openCount())

	s.Stop(context.Background())

	assert.False(t, s.Listening())
	assert.Equal(t, 0, s.OpenCount())
	assert.Equal(t, 0, tr.openCount(), "no leaked channels")
	assert.Equal(t, tr.opened.Load(), tr.closed.Load())
}

func TestSubscriptions_RestartTearsDownFirst(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := NewSubscriptions(tr, func(ChangeEvent) {}, time.Hour, 3, testLogger())

	for range 5 {
		require.NoError(t, s.Start(context.Background(), entity.AllKinds()))
		assert.Equal(t, 3, tr.openCount(), "never more than one handle per kind")
	}

	s.Stop(context.Background())
	assert.Equal(t, 0, tr.openCount())
	assert.Equal(t, int32(15), tr.closed.Load())
}

func TestSubscriptions_PartialFailureReleasesOpenedAndReconnects(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.fail(entity.KindEmployee, 1)

	s := NewSubscriptions(tr, func(ChangeEvent) {}, 50*time.Millisecond, 3, testLogger())
	defer s.Stop(context.Background())

	err := s.Start(context.Background(), entity.AllKinds())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSubscribe)

	assert.False(t, s.Listening())
	assert.Equal(t, 0, s.OpenCount())
	assert.Equal(t, 0, tr.openCount(), "channels that did open were released")
	assert.True(t, s.ReconnectPending())
	require.Error(t, s.LastError())

	require.Eventually(t, s.Listening, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, tr.openCount())
	require.NoError(t, s.LastError())
}

func TestSubscriptions_ReconnectAttemptsAreBounded(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.fail(entity.KindStatus, 100)

	s := NewSubscriptions(tr, func(ChangeEvent) {}, 10*time.Millisecond, 2, testLogger())
	defer s.Stop(context.Background())

	require.Error(t, s.Start(context.Background(), []entity.Kind{entity.KindStatus}))

	// One initial attempt plus two scheduled reconnects, then it waits.
	require.Eventually(t, func() bool { return !s.ReconnectPending() }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	tr.mu.Lock()
	remaining := tr.failing[entity.KindStatus]
	tr.mu.Unlock()

	assert.Equal(t, 97, remaining)
	assert.False(t, s.ReconnectPending())

	// An explicit Start resets the budget.
	tr.fail(entity.KindStatus, 0)
	require.NoError(t, s.Start(context.Background(), []entity.Kind{entity.KindStatus}))
	assert.True(t, s.Listening())
}

func TestSubscriptions_StopCancelsScheduledReconnect(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.fail(entity.KindStatus, 1)

	s := NewSubscriptions(tr, func(ChangeEvent) {}, 30*time.Millisecond, 3, testLogger())

	require.Error(t, s.Start(context.Background(), []entity.Kind{entity.KindStatus}))
	s.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, tr.openCount())
	assert.False(t, s.Listening())
}

func TestSubscriptions_ForwardsValidChangesDropsMalformed(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	var log eventLog
	s := NewSubscriptions(tr, log.add, time.Hour, 3, testLogger())
	defer s.Stop(context.Background())

	require.NoError(t, s.Start(context.Background(), entity.AllKinds()))

	require.True(t, tr.push(entity.KindScheduleEntry, "UPDATE", entity.Row{"id": float64(4)}))
	require.True(t, tr.push(entity.KindStatus, "DELETE", entity.Row{"id": float64(2)}))
	require.True(t, tr.push(entity.KindEmployee, "TRUNCATE", entity.Row{"id": float64(1)}))
	require.True(t, tr.push(entity.KindEmployee, "INSERT", nil))

	events := log.all()
	require.Len(t, events, 2)

	assert.Equal(t, entity.KindScheduleEntry, events[0].Kind)
	assert.Equal(t, OpUpdate, events[0].Op)
	assert.False(t, events[0].ReceivedAt.IsZero())

	assert.Equal(t, entity.KindStatus, events[1].Kind)
	assert.Equal(t, OpDelete, events[1].Op)
}

func TestSubscriptions_ConnectionLostReleasesAndReconnects(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := NewSubscriptions(tr, func(ChangeEvent) {}, 30*time.Millisecond, 3, testLogger())
	defer s.Stop(context.Background())

	require.NoError(t, s.Start(context.Background(), entity.AllKinds()))

	s.ConnectionLost(errors.New("socket closed"))
	assert.False(t, s.Listening())

	require.Eventually(t, s.Listening, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, tr.openCount(), "old handles released before reopening")
	assert.Equal(t, int32(6), tr.opened.Load())
	assert.Equal(t, int32(3), tr.closed.Load())
}

func TestSubscriptions_ConnectionLostAfterStopIsIgnored(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := NewSubscriptions(tr, func(ChangeEvent) {}, 10*time.Millisecond, 3, testLogger())

	require.NoError(t, s.Start(context.Background(), entity.AllKinds()))
	s.Stop(context.Background())
	s.ConnectionLost(errors.New("late"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, tr.openCount())
	assert.Equal(t, int32(3), tr.opened.Load())
}

func TestSubscriptions_StartRequiresKinds(t *testing.T) {
	t.Parallel()

	s := NewSubscriptions(newFakeTransport(), func(ChangeEvent) {}, 0, 0, testLogger())
	require.Error(t, s.Start(context.Background(), nil))
}
