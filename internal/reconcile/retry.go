package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Initial-load retry defaults.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
)

// RetryPolicy bounds the initial load of a kind. Backoff is fixed.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// fetchWithRetry loads kind, retrying transient failures and timeouts up to
// the policy's attempt budget. Permission and logic failures return at once.
// Each attempt is bounded by the stuck timeout.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, kind entity.Kind, st *CoordinationState) ([]entity.Row, error) {
	policy, stuck := o.retryPolicy()

	attempts := max(policy.MaxAttempts, 1)

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		rows, err := o.fetchOnce(ctx, kind, stuck)
		if err == nil {
			st.clearRetries()
			return rows, nil
		}

		lastErr = err

		switch Classify(err) {
		case ClassPermission, ClassLogic, ClassCanceled:
			return nil, fmt.Errorf("reconcile: loading %s: %w", kind, err)
		}

		if attempt == attempts {
			break
		}

		n := st.noteRetry()
		o.logger.Warn("initial load failed, retrying",
			slog.String("kind", kind.String()),
			slog.Int("retry", n),
			slog.Duration("backoff", policy.Backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := o.sleepFunc(ctx, policy.Backoff); sleepErr != nil {
			return nil, fmt.Errorf("reconcile: loading %s: %w", kind, sleepErr)
		}
	}

	return nil, fmt.Errorf("reconcile: loading %s failed after %d attempts: %w", kind, attempts, lastErr)
}

func (o *Orchestrator) fetchOnce(ctx context.Context, kind entity.Kind, stuck time.Duration) ([]entity.Row, error) {
	if stuck <= 0 {
		return o.data.FetchAll(ctx, kind)
	}

	actx, cancel := context.WithTimeout(ctx, stuck)
	defer cancel()

	return o.data.FetchAll(actx, kind)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Orchestrator.
func timeSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
