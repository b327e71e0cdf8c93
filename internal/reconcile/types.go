package reconcile

import (
	"context"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
	"github.com/crewplan/crewplan-sync/internal/supabase"
)

// --- Consumer-defined interfaces for the backend adapter ---
// These decouple the reconcile package from supabase's concrete types,
// following the "accept interfaces, return structs" Go convention.

// DataAccess reads and writes whole collections. FetchAll must be safe to
// repeat: every refresh refetches full current state.
type DataAccess interface {
	FetchAll(ctx context.Context, kind entity.Kind) ([]entity.Row, error)
	Save(ctx context.Context, kind entity.Kind, row entity.Row) (entity.Row, error)
	Delete(ctx context.Context, kind entity.Kind, id string) (bool, error)
}

// Transport delivers row-change notifications. Delivery is at-least-once
// with no ordering guarantee; nothing is delivered while disconnected.
type Transport interface {
	Subscribe(ctx context.Context, kind entity.Kind, handler func(entity.Change)) (entity.Handle, error)
	Unsubscribe(ctx context.Context, h entity.Handle) error
}

// Prober answers the three connectivity probes.
type Prober interface {
	Health(ctx context.Context) error
	Count(ctx context.Context, kind entity.Kind) (int, error)
	CurrentUser(ctx context.Context) (*supabase.User, error)
}

// Sink receives refreshed data and the degradation indicators.
type Sink interface {
	Apply(kind entity.Kind, rows []entity.Row)
	MarkStale(kind entity.Kind, stale bool)
	SetOffline(offline bool)
}

// SnapshotCache persists the last-known-good rows per kind.
type SnapshotCache interface {
	Save(ctx context.Context, kind entity.Kind, rows []entity.Row) error
	// Load returns the cached rows and when they were saved. ok is false
	// when nothing has been cached for kind.
	Load(ctx context.Context, kind entity.Kind) (rows []entity.Row, savedAt time.Time, ok bool, err error)
}
