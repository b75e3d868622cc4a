package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

func TestMemory_Snapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	now := time.Now().UTC()

	st := wizard.InitialState(1000)
	st.SelectedModel = "account"
	require.NoError(t, m.SaveSnapshot(ctx, wizard.Record{ID: "b", State: st, UpdatedAt: now}))
	require.NoError(t, m.SaveSnapshot(ctx, wizard.Record{ID: "a", State: wizard.InitialState(1000), UpdatedAt: now.Add(-time.Minute)}))

	// Saved state is copied.
	st.DefaultValues["x"] = "y"

	recs, err := m.LoadSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID, "oldest first")
	assert.Equal(t, "account", recs[1].State.SelectedModel)
	assert.Empty(t, recs[1].State.DefaultValues)

	require.NoError(t, m.DeleteSnapshot(ctx, "a"))
	require.NoError(t, m.DeleteSnapshot(ctx, "missing"))
	recs, err = m.LoadSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemory_History(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)

	for i := range 5 {
		require.NoError(t, m.RecordExecution(ctx, wizard.ExecutionRecord{
			ID:     fmt.Sprintf("e%d", i),
			Status: importsvc.ExecutionCompleted,
		}))
	}

	all, err := m.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3, "oldest entries are dropped past the cap")
	assert.Equal(t, []string{"e4", "e3", "e2"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := m.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
	assert.Equal(t, "e4", two[0].ID)
}

func TestMemory_HistoryEmpty(t *testing.T) {
	got, err := NewMemory(10).History(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
