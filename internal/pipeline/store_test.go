package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

func storedRun(id int64, status model.Status) *model.PipelineRun {
	return &model.PipelineRun{
		ID:        id,
		Target:    "prod",
		Revision:  model.Revision{ID: "rev"},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRunStore_SaveAndGet(t *testing.T) {
	store := NewRunStore(t.TempDir())

	id, err := store.NextID("prod")
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	run := storedRun(id, model.StatusPending)
	run.Results = []model.StageResult{{Stage: model.StageSource, Outcome: model.OutcomePass}}
	require.NoError(t, store.Save(run))

	got, err := store.Get("prod", id)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, model.StageSource, got.Results[0].Stage)

	_, err = store.Get("prod", 42)
	require.Error(t, err)
}

func TestRunStore_IDsAreMonotonic(t *testing.T) {
	store := NewRunStore(t.TempDir())

	for want := int64(1); want <= 3; want++ {
		id, err := store.NextID("prod")
		require.NoError(t, err)
		assert.Equal(t, want, id)
		require.NoError(t, store.Save(storedRun(id, model.StatusFailed)))
	}

	// Other targets number independently.
	id, err := store.NextID("staging")
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
}

func TestRunStore_ListOrdersByID(t *testing.T) {
	store := NewRunStore(t.TempDir())
	for _, id := range []int64{3, 1, 2} {
		require.NoError(t, store.Save(storedRun(id, model.StatusSucceeded)))
	}

	runs, err := store.List("prod")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.EqualValues(t, i+1, run.ID)
	}
}

func TestRunStore_Active(t *testing.T) {
	store := NewRunStore(t.TempDir())

	active, err := store.Active("prod")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, store.Save(storedRun(1, model.StatusSucceeded)))
	require.NoError(t, store.Save(storedRun(2, model.StatusAwaitingApproval)))

	active, err = store.Active("prod")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.EqualValues(t, 2, active.ID)

	run2, err := store.Get("prod", 2)
	require.NoError(t, err)
	run2.Status = model.StatusCancelled
	require.NoError(t, store.Save(run2))

	active, err = store.Active("prod")
	require.NoError(t, err)
	assert.Nil(t, active)
}
