package snapshot

import (
	"reflect"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

var mapType = reflect.TypeOf(map[string]any(nil))

// normalizeRow maps decoded CBOR values back onto the shapes the JSON
// decoder produces for fetched rows, so cached and live rows compare equal:
// integers become float64, nested maps become map[string]any.
func normalizeRow(r map[string]any) entity.Row {
	row := make(entity.Row, len(r))
	for k, v := range r {
		row[k] = normalizeValue(v)
	}

	return row
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case uint64:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeValue(e)
		}

		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}

		return out
	default:
		return v
	}
}
