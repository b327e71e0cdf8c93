package reconcile

import (
	"sync"
	"time"
)

// admission is the gate's verdict for one Insert/Update notification.
type admission int

const (
	admitSchedule admission = iota // idle and outside the window
	admitDropped                   // inside the debounce window
	admitBusy                      // outside the window while an execution holds the gate; dirty marked
)

// CoordinationState holds the per-kind flags shared by the edit tracker,
// the gate and the orchestrator. Every read-modify-write is one locked
// method so callers never check and set under separate acquisitions.
type CoordinationState struct {
	mu sync.Mutex

	editing         bool
	lastInteraction time.Time
	pendingRefresh  bool
	lastRefreshAt   time.Time
	processing      bool
	processingSince time.Time
	processingToken uint64
	dirty           bool
	retryCount      int
}

// StateSnapshot is a point-in-time copy of a CoordinationState.
type StateSnapshot struct {
	Editing         bool      `json:"editing"`
	LastInteraction time.Time `json:"last_interaction,omitzero"`
	PendingRefresh  bool      `json:"pending_refresh"`
	LastRefreshAt   time.Time `json:"last_refresh_at,omitzero"`
	Processing      bool      `json:"processing"`
	Dirty           bool      `json:"dirty"`
	RetryCount      int       `json:"retry_count"`
}

// Snapshot copies the current flags.
func (s *CoordinationState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StateSnapshot{
		Editing:         s.editing,
		LastInteraction: s.lastInteraction,
		PendingRefresh:  s.pendingRefresh,
		LastRefreshAt:   s.lastRefreshAt,
		Processing:      s.processing,
		Dirty:           s.dirty,
		RetryCount:      s.retryCount,
	}
}

// Reset returns every flag to its zero value.
func (s *CoordinationState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.editing = false
	s.lastInteraction = time.Time{}
	s.pendingRefresh = false
	s.lastRefreshAt = time.Time{}
	s.processing = false
	s.processingSince = time.Time{}
	s.dirty = false
	s.retryCount = 0
	// The token stays monotonic so a release from before the reset is stale.
	s.processingToken++
}

// Editing reports whether an edit surface is open.
func (s *CoordinationState) Editing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.editing
}

// PendingRefresh reports whether a suppressed refresh is waiting.
func (s *CoordinationState) PendingRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pendingRefresh
}

// beginEdit sets editing and stamps the interaction time. Returns true on
// the false→true transition.
func (s *CoordinationState) beginEdit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastInteraction = now
	if s.editing {
		return false
	}

	s.editing = true

	return true
}

// endEdit clears editing. Returns true on the true→false transition.
func (s *CoordinationState) endEdit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.editing {
		return false
	}

	s.editing = false

	return true
}

// markPending records that a refresh was suppressed.
func (s *CoordinationState) markPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingRefresh = true
}

// deferIfEditing sets pendingRefresh and returns true when editing.
func (s *CoordinationState) deferIfEditing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.editing {
		s.pendingRefresh = true
	}

	return s.editing
}

// commitRefresh decides whether a fetched result may be applied. While
// editing it re-arms pendingRefresh and refuses; otherwise it clears
// pendingRefresh and accepts.
func (s *CoordinationState) commitRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.editing {
		s.pendingRefresh = true
		return false
	}

	s.pendingRefresh = false

	return true
}

// admit evaluates an Insert/Update notification. The debounce window is
// checked first, so a change inside it is dropped even while an execution
// is running. Outside the window a running execution only marks dirty.
func (s *CoordinationState) admit(now time.Time, window time.Duration) admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastRefreshAt.IsZero() && now.Sub(s.lastRefreshAt) < window {
		return admitDropped
	}

	if s.processing {
		s.dirty = true
		return admitBusy
	}

	return admitSchedule
}

// beginProcessing claims the single-flight slot, stamping lastRefreshAt
// when stamp is set. A slot held longer than maxHold is considered leaked
// and is reclaimed. The returned token must be passed to endProcessing.
func (s *CoordinationState) beginProcessing(now time.Time, maxHold time.Duration, stamp bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processing && (maxHold <= 0 || now.Sub(s.processingSince) < maxHold) {
		return 0, false
	}

	s.processingToken++
	s.processing = true
	s.processingSince = now
	s.dirty = false

	if stamp {
		s.lastRefreshAt = now
	}

	return s.processingToken, true
}

// endProcessing releases the slot if token still owns it. A release from a
// reclaimed or reset execution is ignored.
func (s *CoordinationState) endProcessing(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.processing || token != s.processingToken {
		return false
	}

	s.processing = false
	s.processingSince = time.Time{}

	return true
}

// processingNow reports whether an execution holds the slot.
func (s *CoordinationState) processingNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.processing
}

// takeDirty returns and clears the dirty flag.
func (s *CoordinationState) takeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.dirty
	s.dirty = false

	return d
}

// sinceRefresh returns how long ago the last execution started, or a
// negative duration when none has run.
func (s *CoordinationState) sinceRefresh(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRefreshAt.IsZero() {
		return -1
	}

	return now.Sub(s.lastRefreshAt)
}

// noteRetry increments and returns the initial-load retry counter.
func (s *CoordinationState) noteRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryCount++

	return s.retryCount
}

// clearRetries resets the initial-load retry counter.
func (s *CoordinationState) clearRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryCount = 0
}
