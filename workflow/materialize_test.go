package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlab/easel/agent/persistence"
	"github.com/driftlab/easel/storage"
	"github.com/driftlab/easel/types"
)

type mutatorCall struct {
	op, entityID, transientRef, durableKey string
}

type fakeMutator struct {
	mu         sync.Mutex
	calls      []mutatorCall
	markErr    error
	cleanupErr error
}

func (f *fakeMutator) MarkMaterialized(ctx context.Context, entityID, transientRef, durableKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mutatorCall{"mark", entityID, transientRef, durableKey})
	return f.markErr
}

func (f *fakeMutator) CleanupTransientRef(ctx context.Context, entityID, transientRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mutatorCall{"cleanup", entityID, transientRef, ""})
	return f.cleanupErr
}

func (f *fakeMutator) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

// artifactServer serves image bytes, failing the first failures
// requests.
func artifactServer(t *testing.T, failures int) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n <= failures {
			http.Error(w, "upstream flake", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type engineRig struct {
	engine  *Engine
	tasks   *persistence.MemoryTaskStore
	blobs   *storage.MemoryStore
	mutator *fakeMutator
}

func newEngineRig(cfg Config) *engineRig {
	rig := &engineRig{
		tasks:   persistence.NewMemoryTaskStore(),
		blobs:   storage.NewMemoryStore(),
		mutator: &fakeMutator{},
	}
	rig.engine = NewEngine(cfg, rig.tasks, rig.blobs, rig.mutator, nil, nil)
	rig.engine.retryDelay = time.Millisecond
	return rig
}

func TestMaterializationHappyPath(t *testing.T) {
	srv, _ := artifactServer(t, 0)
	rig := newEngineRig(Config{Retention: 30 * time.Millisecond})
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, rig.engine.RecoverOnce(ctx))

	blob, err := rig.blobs.Get(ctx, "sunset-abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), blob.Data)
	assert.Equal(t, "image/png", blob.ContentType)

	assert.Equal(t, 1, rig.mutator.count("mark"))
	assert.Equal(t, 0, rig.mutator.count("cleanup"), "cleanup waits out the retention window")

	task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.StepDelay, task.Step)
	assert.Equal(t, persistence.TaskStatusSleeping, task.Status)

	// Before ResumeAt the task is not due.
	require.NoError(t, rig.engine.RecoverOnce(ctx))
	assert.Equal(t, 0, rig.mutator.count("cleanup"))

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, rig.engine.RecoverOnce(ctx))
	assert.Equal(t, 1, rig.mutator.count("cleanup"))

	task, err = rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusCompleted, task.Status)
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	srv, hits := artifactServer(t, 3)
	rig := newEngineRig(Config{MaxAttempts: 4, Retention: time.Hour})
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, rig.engine.RecoverOnce(ctx))

	assert.Equal(t, 4, *hits, "three failures then success")
	assert.Equal(t, 1, rig.mutator.count("mark"), "notify runs exactly once after the final success")

	_, err := rig.blobs.Get(ctx, "sunset-abc")
	assert.NoError(t, err)
}

func TestFetchExhaustionParksTaskFailed(t *testing.T) {
	srv, _ := artifactServer(t, 1000)
	rig := newEngineRig(Config{MaxAttempts: 3})
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, rig.engine.RecoverOnce(ctx))

	task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Contains(t, task.LastError, "status 502")

	assert.Equal(t, 0, rig.mutator.count("mark"), "entity stays on its transient reference")
	_, err = rig.blobs.Get(ctx, "sunset-abc")
	assert.Error(t, err)

	// A parked task is not picked up again.
	require.NoError(t, rig.engine.RecoverOnce(ctx))
	task, _ = rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	assert.Equal(t, 3, task.Attempts)
}

func TestNotifyRefNotFoundDoesNotRetry(t *testing.T) {
	srv, _ := artifactServer(t, 0)
	rig := newEngineRig(Config{MaxAttempts: 4})
	rig.mutator.markErr = types.NewError(types.ErrRefNotFound, "no edit references this")
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, rig.engine.RecoverOnce(ctx))

	assert.Equal(t, 1, rig.mutator.count("mark"))
	task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusFailed, task.Status)
}

func TestExpireFailureIsBestEffort(t *testing.T) {
	srv, _ := artifactServer(t, 0)
	rig := newEngineRig(Config{Retention: time.Millisecond})
	rig.mutator.cleanupErr = errors.New("agent briefly unavailable")
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, rig.engine.RecoverOnce(ctx))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, rig.engine.RecoverOnce(ctx))

	task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusCompleted, task.Status, "cleanup failure never fails the task")
}

func TestResumeAfterRestart(t *testing.T) {
	srv, _ := artifactServer(t, 0)
	first := newEngineRig(Config{Retention: 20 * time.Millisecond})
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, first.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, first.engine.RecoverOnce(ctx))

	task, err := first.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	require.Equal(t, persistence.TaskStatusSleeping, task.Status)

	// A new engine over the same stores stands in for a restarted
	// process; it resumes from the persisted cursor.
	second := NewEngine(Config{Retention: 20 * time.Millisecond}, first.tasks, first.blobs, first.mutator, nil, nil)
	second.retryDelay = time.Millisecond

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, second.RecoverOnce(ctx))

	assert.Equal(t, 1, first.mutator.count("mark"), "no duplicate notify after restart")
	assert.Equal(t, 1, first.mutator.count("cleanup"))
	task, _ = first.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	assert.Equal(t, persistence.TaskStatusCompleted, task.Status)
}

func TestStartMaterializationIsIdempotent(t *testing.T) {
	srv, _ := artifactServer(t, 0)
	rig := newEngineRig(Config{Retention: time.Hour})
	ctx := context.Background()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	require.NoError(t, rig.engine.RecoverOnce(ctx))

	// A retried start must not rewind the existing task.
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))
	task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.StepDelay, task.Step)
}

func TestStartMaterializationValidatesInput(t *testing.T) {
	rig := newEngineRig(Config{})
	err := rig.engine.StartMaterialization(context.Background(), "", "ref", "key", "")
	assert.Equal(t, types.ErrWorkflow, types.GetErrorCode(err))
}

func TestSchedulerRunsTasksEndToEnd(t *testing.T) {
	srv, _ := artifactServer(t, 0)
	rig := newEngineRig(Config{
		Retention:    20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rig.engine.Run(ctx)
		close(done)
	}()

	ref := srv.URL + "/img-1"
	require.NoError(t, rig.engine.StartMaterialization(ctx, "sunset-abc", ref, "sunset-abc", "image/png"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
		if err == nil && task.Status == persistence.TaskStatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	task, err := rig.tasks.GetTask(ctx, TaskID("sunset-abc", ref))
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, rig.mutator.count("mark"))
	assert.Equal(t, 1, rig.mutator.count("cleanup"))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
