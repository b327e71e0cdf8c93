package reconcile

import (
	"fmt"
	"strings"
	"time"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

// Operation is the kind of row change a ChangeEvent reports.
type Operation int

const (
	OpInsert Operation = iota + 1
	OpUpdate
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// ParseOperation maps the backend's operation name ("INSERT", "UPDATE",
// "DELETE", any case) to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, s)
	}
}

// ChangeEvent is one validated row-change notification. It is consumed once
// by the orchestrator and never stored.
type ChangeEvent struct {
	Kind      entity.Kind
	Op        Operation
	Record    entity.Row
	OldRecord entity.Row

	// Suppress and Origin implement loop prevention: a suppressed event, or
	// one carrying the orchestrator's own origin, is ignored.
	Suppress bool
	Origin   string

	ReceivedAt time.Time
}

// decodeChange validates a transport change. Inserts and updates must carry
// the new record; deletes must identify the removed row through either
// record.
func decodeChange(c entity.Change, now time.Time) (ChangeEvent, error) {
	if !c.Kind.Valid() {
		return ChangeEvent{}, fmt.Errorf("%w: invalid kind %d", ErrMalformedEvent, int(c.Kind))
	}

	op, err := ParseOperation(c.Type)
	if err != nil {
		return ChangeEvent{}, err
	}

	switch op {
	case OpInsert, OpUpdate:
		if len(c.Record) == 0 {
			return ChangeEvent{}, fmt.Errorf("%w: %s %s without record", ErrMalformedEvent, c.Kind, op)
		}
	case OpDelete:
		if len(c.OldRecord) == 0 && len(c.Record) == 0 {
			return ChangeEvent{}, fmt.Errorf("%w: %s delete without old record", ErrMalformedEvent, c.Kind)
		}
	}

	return ChangeEvent{
		Kind:       c.Kind,
		Op:         op,
		Record:     c.Record,
		OldRecord:  c.OldRecord,
		ReceivedAt: now,
	}, nil
}
