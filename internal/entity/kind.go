// Package entity holds the identity types shared by the backend adapter and
// the reconciliation core: the watched collection kinds, untyped rows as the
// backend returns them, the typed status record, and the transport-level
// change tuple. It is a leaf package with no dependencies beyond stdlib.
package entity

import (
	"fmt"
	"strings"
)

// Kind identifies one watched backend collection.
type Kind int

const (
	KindStatus Kind = iota
	KindEmployee
	KindScheduleEntry
)

// kindNames are the config-level names of each kind. They double as the
// default backend table names.
var kindNames = [...]string{
	KindStatus:        "statuses",
	KindEmployee:      "employees",
	KindScheduleEntry: "schedule_entries",
}

// AllKinds returns every watched kind in declaration order.
func AllKinds() []Kind {
	return []Kind{KindStatus, KindEmployee, KindScheduleEntry}
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}

	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// ParseKind resolves a config or CLI name to a Kind. Accepts the plural
// table-style name and a few singular aliases ("status", "employee",
// "schedule", "schedule_entry").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "statuses", "status":
		return KindStatus, nil
	case "employees", "employee":
		return KindEmployee, nil
	case "schedule_entries", "schedule_entry", "schedule", "entries":
		return KindScheduleEntry, nil
	default:
		return 0, fmt.Errorf("entity: unknown kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so kinds render as names in
// JSON output and TOML config.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("entity: cannot marshal invalid kind %d", int(k))
	}

	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}
