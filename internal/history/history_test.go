package history

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/maraxen/praxis/internal/models"
	"github.com/maraxen/praxis/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestAppendAndEvents(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	l := NewLog(db)
	ctx := context.Background()
	entryID := uuid.New()

	require.NoError(t, l.Append(ctx, entryID, models.HistoryEventReserved, map[string]any{
		"asset_ids": []any{"a", "b"},
	}))
	require.NoError(t, l.Append(ctx, entryID, models.HistoryEventRunStarted, nil))
	require.NoError(t, l.Append(ctx, uuid.New(), models.HistoryEventReserved, nil))

	events, err := l.Events(ctx, entryID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.HistoryEventReserved, events[0].Type)
	require.Equal(t, models.HistoryEventRunStarted, events[1].Type)
}

func TestAppendCallSequencesAreGapless(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	l := NewLog(db)
	ctx := context.Background()
	runID := uuid.New()

	for i, fn := range []string{"aspirate", "dispense", "seal"} {
		seq, err := l.AppendCall(ctx, runID, Call{
			Function: fn,
			Status:   models.CallStatusOK,
		})
		require.NoError(t, err)
		require.Equal(t, i+1, seq)
	}

	calls, err := l.Calls(ctx, runID)
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for i, call := range calls {
		require.Equal(t, i+1, call.Sequence)
	}
	require.Equal(t, "aspirate", calls[0].Function)
	require.Equal(t, "seal", calls[2].Function)
}

func TestAppendCallSequencesPerRun(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	l := NewLog(db)
	ctx := context.Background()

	first := uuid.New()
	second := uuid.New()

	seq, err := l.AppendCall(ctx, first, Call{Function: "aspirate", Status: models.CallStatusOK})
	require.NoError(t, err)
	require.Equal(t, 1, seq)

	// Sequences are scoped per run, not global.
	seq, err = l.AppendCall(ctx, second, Call{Function: "aspirate", Status: models.CallStatusOK})
	require.NoError(t, err)
	require.Equal(t, 1, seq)

	seq, err = l.AppendCall(ctx, first, Call{Function: "dispense", Status: models.CallStatusOK})
	require.NoError(t, err)
	require.Equal(t, 2, seq)
}

func TestAppendCallPersistsSnapshots(t *testing.T) {
	db := testutil.OpenTestDB(t)
	defer testutil.CloseDB(db)

	l := NewLog(db)
	ctx := context.Background()
	runID := uuid.New()

	_, err := l.AppendCall(ctx, runID, Call{
		Function:    "dispense",
		Arguments:   map[string]any{"volume_ul": 50},
		StateBefore: map[string]any{"step_count": 1},
		StateAfter:  map[string]any{"step_count": 2},
		Status:      models.CallStatusError,
		ErrorDetail: "valve stuck",
	})
	require.NoError(t, err)

	calls, err := l.Calls(ctx, runID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, models.CallStatusError, calls[0].Status)
	require.Equal(t, "valve stuck", calls[0].ErrorDetail)
	require.NotEmpty(t, calls[0].StateBefore)
	require.NotEmpty(t, calls[0].StateAfter)
}
