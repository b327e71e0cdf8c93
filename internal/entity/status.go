package entity

import (
	"encoding/json"
	"fmt"
)

// Status is the typed view of a status-code row. Status codes are shown in
// the planning calendar with a label and a color.
type Status struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	SortOrder int    `json:"sort_order"`
}

// DecodeStatus converts an untyped row into a Status.
func DecodeStatus(r Row) (Status, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Status{}, fmt.Errorf("entity: encoding status row: %w", err)
	}

	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("entity: decoding status row: %w", err)
	}

	if s.Code == "" {
		return Status{}, fmt.Errorf("entity: status row %d has no code", s.ID)
	}

	return s, nil
}

// Row converts the status back into an untyped row.
func (s Status) Row() Row {
	return Row{
		"id":         float64(s.ID),
		"code":       s.Code,
		"name":       s.Name,
		"color":      s.Color,
		"sort_order": float64(s.SortOrder),
	}
}
