package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

func TestParseOperation(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Operation{"INSERT": OpInsert, "update": OpUpdate, "Delete": OpDelete} {
		op, err := ParseOperation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, op)
	}

	_, err := ParseOperation("TRUNCATE")
	require.ErrorIs(t, err, ErrMalformedEvent)

	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "op(9)", Operation(9).String())
}

func TestDecodeChange(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		change  entity.Change
		wantOp  Operation
		wantErr bool
	}{
		{
			name:   "insert",
			change: entity.Change{Kind: entity.KindEmployee, Type: "INSERT", Record: entity.Row{"id": float64(1)}},
			wantOp: OpInsert,
		},
		{
			name:   "delete with old record",
			change: entity.Change{Kind: entity.KindStatus, Type: "DELETE", OldRecord: entity.Row{"id": float64(2)}},
			wantOp: OpDelete,
		},
		{
			name:    "update without record",
			change:  entity.Change{Kind: entity.KindStatus, Type: "UPDATE"},
			wantErr: true,
		},
		{
			name:    "delete without any record",
			change:  entity.Change{Kind: entity.KindStatus, Type: "DELETE"},
			wantErr: true,
		},
		{
			name:    "unknown operation",
			change:  entity.Change{Kind: entity.KindStatus, Type: "TRUNCATE", Record: entity.Row{"id": float64(1)}},
			wantErr: true,
		},
		{
			name:    "invalid kind",
			change:  entity.Change{Kind: entity.Kind(42), Type: "INSERT", Record: entity.Row{"id": float64(1)}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev, err := decodeChange(tt.change, now)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedEvent)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, ev.Op)
			assert.Equal(t, tt.change.Kind, ev.Kind)
			assert.Equal(t, now, ev.ReceivedAt)
			assert.False(t, ev.Suppress)
		})
	}
}
