package entity

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Row is one backend record as decoded from JSON. The reconciliation core
// never interprets row contents beyond the primary key; typed views such as
// Status are decoded on demand.
type Row map[string]any

// idField is the primary key column shared by every watched table.
const idField = "id"

// ID returns the row's primary key rendered as a string. JSON numbers decode
// as float64, so integral floats are formatted without a fraction.
func (r Row) ID() (string, bool) {
	v, ok := r[idField]
	if !ok || v == nil {
		return "", false
	}

	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case int:
		return strconv.Itoa(id), true
	case uint64:
		return strconv.FormatUint(id, 10), true
	case json.Number:
		return id.String(), true
	default:
		return fmt.Sprint(id), true
	}
}

// String returns the named column as display text, or "" when absent.
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}

	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(s)
	}
}

// Clone returns a shallow copy so callers can hand rows to consumers without
// sharing the top-level map.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}

	return maps.Clone(r)
}

// CloneRows copies a slice of rows. A nil input stays nil.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}

	return out
}

// DisplayColumns returns the columns the CLI prints for a kind, id first.
func DisplayColumns(k Kind) []string {
	switch k {
	case KindStatus:
		return []string{"id", "code", "name", "color"}
	case KindEmployee:
		return []string{"id", "first_name", "last_name", "email"}
	case KindScheduleEntry:
		return []string{"id", "employee_id", "project_id", "date", "status_code"}
	default:
		return []string{"id"}
	}
}
