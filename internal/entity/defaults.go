package entity

// defaultStatuses is the dataset served when the status collection cannot be
// loaded and no cached snapshot exists. The planner stays usable with these
// codes until the backend answers again.
var defaultStatuses = []Status{
	{ID: 1, Code: "P", Name: "Present", Color: "#4caf50", SortOrder: 10},
	{ID: 2, Code: "HO", Name: "Home office", Color: "#2196f3", SortOrder: 20},
	{ID: 3, Code: "V", Name: "Vacation", Color: "#ff9800", SortOrder: 30},
	{ID: 4, Code: "S", Name: "Sick", Color: "#f44336", SortOrder: 40},
	{ID: 5, Code: "T", Name: "Training", Color: "#9c27b0", SortOrder: 50},
	{ID: 6, Code: "X", Name: "Off", Color: "#9e9e9e", SortOrder: 60},
}

// DefaultStatuses returns a fresh copy of the built-in status dataset.
func DefaultStatuses() []Status {
	out := make([]Status, len(defaultStatuses))
	copy(out, defaultStatuses)

	return out
}

// DefaultDataset returns the fallback rows per kind. Only statuses have a
// meaningful default; employees and schedule entries fall back to empty.
func DefaultDataset() map[Kind][]Row {
	statuses := DefaultStatuses()
	rows := make([]Row, len(statuses))

	for i, s := range statuses {
		rows[i] = s.Row()
	}

	return map[Kind][]Row{KindStatus: rows}
}
