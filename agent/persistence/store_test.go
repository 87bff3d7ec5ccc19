package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/easel/agent/entity"
)

func testEntityState(id string) entity.State {
	return entity.State{
		ID:            id,
		InitialPrompt: "a sunset",
		CreatedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Edits: []entity.Edit{{
			Prompt:          "a sunset",
			GeneratedPrompt: "a sunset",
			ImageRef:        "https://img.example/1",
			TransientRef:    "https://img.example/1",
			CreatedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
}

func entityStores(t *testing.T) map[string]EntityStore {
	t.Helper()
	gormStore, err := NewGormEntityStore("sqlite", ":memory:", PoolOptions{MaxOpenConns: 1})
	require.NoError(t, err)
	return map[string]EntityStore{
		"memory": NewMemoryEntityStore(),
		"sqlite": gormStore,
	}
}

func TestEntityStoreRoundTrip(t *testing.T) {
	for name, store := range entityStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			_, err := store.GetEntity(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			state := testEntityState("sunset-abc123")
			require.NoError(t, store.SaveEntity(ctx, state))

			got, err := store.GetEntity(ctx, "sunset-abc123")
			require.NoError(t, err)
			assert.Equal(t, state.InitialPrompt, got.InitialPrompt)
			require.Len(t, got.Edits, 1)
			assert.Equal(t, state.Edits[0].ImageRef, got.Edits[0].ImageRef)
			assert.True(t, state.CreatedAt.Equal(got.CreatedAt))

			// Save is an upsert.
			state.Edits[0].Materialized = true
			state.Edits[0].ImageRef = "sunset-abc123"
			require.NoError(t, store.SaveEntity(ctx, state))
			got, err = store.GetEntity(ctx, "sunset-abc123")
			require.NoError(t, err)
			assert.True(t, got.Edits[0].Materialized)

			ids, err := store.ListEntityIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"sunset-abc123"}, ids)
		})
	}
}

func TestEntityStoreRejectsEmptyID(t *testing.T) {
	for name, store := range entityStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			err := store.SaveEntity(context.Background(), entity.State{})
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func taskStores(t *testing.T) map[string]TaskStore {
	t.Helper()
	mr := miniredis.RunT(t)
	redisStore, err := NewRedisTaskStore(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	return map[string]TaskStore{
		"memory": NewMemoryTaskStore(),
		"redis":  redisStore,
	}
}

func testTask(id string) *MaterializeTask {
	return &MaterializeTask{
		ID:           id,
		EntityID:     "sunset-abc123",
		TransientRef: "https://img.example/1",
		DurableKey:   "sunset-abc123",
		ContentType:  "image/png",
		Step:         StepFetch,
		Status:       TaskStatusPending,
		CreatedAt:    time.Now(),
	}
}

func TestTaskStoreRoundTrip(t *testing.T) {
	for name, store := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			_, err := store.GetTask(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			task := testTask("task-1")
			require.NoError(t, store.SaveTask(ctx, task))

			got, err := store.GetTask(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, StepFetch, got.Step)
			assert.Equal(t, TaskStatusPending, got.Status)

			got.Step = StepDelay
			got.Status = TaskStatusSleeping
			got.ResumeAt = time.Now().Add(time.Hour)
			require.NoError(t, store.SaveTask(ctx, got))

			again, err := store.GetTask(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, StepDelay, again.Step)
			assert.Equal(t, TaskStatusSleeping, again.Status)

			require.NoError(t, store.DeleteTask(ctx, "task-1"))
			_, err = store.GetTask(ctx, "task-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTaskStoreListRecoverable(t *testing.T) {
	for name, store := range taskStores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			pending := testTask("pending")
			running := testTask("running")
			running.Status = TaskStatusRunning
			sleeping := testTask("sleeping")
			sleeping.Status = TaskStatusSleeping
			done := testTask("done")
			done.Status = TaskStatusCompleted
			failed := testTask("failed")
			failed.Status = TaskStatusFailed

			for _, task := range []*MaterializeTask{pending, running, sleeping, done, failed} {
				require.NoError(t, store.SaveTask(ctx, task))
			}

			recoverable, err := store.ListRecoverable(ctx)
			require.NoError(t, err)

			ids := make(map[string]bool)
			for _, task := range recoverable {
				ids[task.ID] = true
			}
			assert.Equal(t, map[string]bool{"pending": true, "running": true, "sleeping": true}, ids)
		})
	}
}

func TestTaskStatusClassification(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusSleeping.IsTerminal())

	assert.True(t, TaskStatusPending.IsRecoverable())
	assert.True(t, TaskStatusRunning.IsRecoverable())
	assert.True(t, TaskStatusSleeping.IsRecoverable())
	assert.False(t, TaskStatusCompleted.IsRecoverable())
}

func TestMemoryStoresRejectUseAfterClose(t *testing.T) {
	es := NewMemoryEntityStore()
	require.NoError(t, es.Close())
	assert.ErrorIs(t, es.SaveEntity(context.Background(), testEntityState("x")), ErrStoreClosed)

	ts := NewMemoryTaskStore()
	require.NoError(t, ts.Close())
	assert.ErrorIs(t, ts.SaveTask(context.Background(), testTask("x")), ErrStoreClosed)
}
