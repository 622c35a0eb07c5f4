package offline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-sync/core/offline"
	inmemstore "github.com/trezcool/masomo-sync/storage/local/inmem"
	testutil "github.com/trezcool/masomo-sync/tests"
)

var errNetwork = errors.New("network unreachable")

func TestNewManager(t *testing.T) {
	q := offline.NewQueue(inmemstore.New())

	_, err := offline.NewManager(q, nil, testutil.NewLogger(), offline.ManagerOptions{})
	assert.Error(t, err)
	_, err = offline.NewManager(q, &fakeRemote{}, nil, offline.ManagerOptions{})
	assert.Error(t, err)

	m, err := offline.NewManager(q, &fakeRemote{}, testutil.NewLogger(), offline.ManagerOptions{StartOnline: true})
	require.NoError(t, err)
	assert.True(t, m.IsOnline())
	assert.False(t, m.IsSyncing())
}

// enqueueing while offline only grows the pending count
func TestManager_RegisterOperation_offline(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: false})

	id := env.register(t, "task")
	assert.Regexp(t, opIDRegex, id)

	st := env.status(t)
	assert.Equal(t, 1, st.PendingCount)
	assert.False(t, st.IsOnline)

	for k := 1; k <= 5; k++ {
		env.register(t, "student")
		assert.Equal(t, 1+k, env.status(t).PendingCount)
	}

	res, err := env.manager.SyncPendingOperations(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, env.remote.pushCount())
}

func TestManager_SyncPendingOperations_success(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	ids := []string{env.enqueue(t, "task"), env.enqueue(t, "student"), env.enqueue(t, "class")}

	res, err := env.manager.SyncPendingOperations(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Sent)
	assert.ElementsMatch(t, ids, res.Applied)
	assert.Equal(t, serverTs, res.ServerTimestamp)
	assert.NoError(t, res.PushErr)

	require.Equal(t, 1, env.remote.pushCount())
	assert.ElementsMatch(t, ids, opIDs(env.remote.lastPush()))

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	for _, id := range ids {
		assert.Equal(t, offline.StatusSynced, env.op(t, id).Status)
	}

	st := env.status(t)
	assert.Equal(t, 0, st.PendingCount)
	assert.Equal(t, serverTs, st.LastSyncTimestamp)
	assert.False(t, st.IsSyncing)
}

func TestManager_SyncPendingOperations_empty(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	res, err := env.manager.SyncPendingOperations(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Zero(t, env.remote.pushCount())
	assert.Zero(t, env.status(t).LastSyncTimestamp)
}

func TestManager_SyncPendingOperations_batchFailure(t *testing.T) {
	ctx := context.Background()

	for _, n := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("%d operations", n), func(t *testing.T) {
			env := newTestEnv(t, offline.ManagerOptions{StartOnline: true, MaxRetries: 3})
			env.remote.setPush(func(context.Context, offline.PushRequest) (offline.PushResponse, error) {
				return offline.PushResponse{}, errNetwork
			})

			ids := make([]string, 0, n)
			for i := 0; i < n; i++ {
				ids = append(ids, env.enqueue(t, "task"))
			}

			res, err := env.manager.SyncPendingOperations(ctx)
			require.NoError(t, err)
			assert.Equal(t, n, res.Failed)
			assert.Empty(t, res.Applied)
			assert.True(t, errors.Is(res.PushErr, errNetwork))

			for _, id := range ids {
				op := env.op(t, id)
				assert.Equal(t, offline.StatusFailed, op.Status)
				assert.Equal(t, 1, op.Retries)
				assert.Equal(t, errNetwork.Error(), op.LastError)
			}

			st := env.status(t)
			assert.Equal(t, 0, st.PendingCount)
			assert.Equal(t, n, st.FailedCount)
			assert.Zero(t, st.LastSyncTimestamp)
			assert.False(t, st.IsSyncing)
		})
	}
}

func TestManager_SyncPendingOperations_retriesFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true, MaxRetries: 2})
	env.remote.setPush(func(context.Context, offline.PushRequest) (offline.PushResponse, error) {
		return offline.PushResponse{}, errNetwork
	})
	id := env.enqueue(t, "task")

	// fails twice, then is out of retries
	for i := 1; i <= 2; i++ {
		_, err := env.manager.SyncPendingOperations(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, env.op(t, id).Retries)
	}
	res, err := env.manager.SyncPendingOperations(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Equal(t, 2, env.remote.pushCount())

	// out of retries: still failed, no longer counted
	assert.Equal(t, offline.StatusFailed, env.op(t, id).Status)
	st := env.status(t)
	assert.Zero(t, st.FailedCount)
	assert.Zero(t, st.PendingCount)

	// a failed operation still under the cap is sent again and can succeed
	env2 := newTestEnv(t, offline.ManagerOptions{StartOnline: true, MaxRetries: 5})
	env2.remote.setPush(func(context.Context, offline.PushRequest) (offline.PushResponse, error) {
		return offline.PushResponse{}, errNetwork
	})
	id2 := env2.enqueue(t, "task")
	_, err = env2.manager.SyncPendingOperations(ctx)
	require.NoError(t, err)

	env2.remote.setPush(nil)
	res, err = env2.manager.SyncPendingOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id2}, res.Applied)
	op := env2.op(t, id2)
	assert.Equal(t, offline.StatusSynced, op.Status)
	assert.Equal(t, 1, op.Retries)
}

func TestManager_SyncPendingOperations_timeout(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true, PushTimeout: 20 * time.Millisecond})
	env.remote.setPush(func(ctx context.Context, _ offline.PushRequest) (offline.PushResponse, error) {
		<-ctx.Done() // never answers
		return offline.PushResponse{}, ctx.Err()
	})
	id := env.enqueue(t, "task")

	start := time.Now()
	res, err := env.manager.SyncPendingOperations(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, res.Failed)

	op := env.op(t, id)
	assert.Equal(t, offline.StatusFailed, op.Status)
	assert.Contains(t, op.LastError, "timed out")
	assert.False(t, env.manager.IsSyncing())
}

func TestManager_SyncPendingOperations_mutualExclusion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.remote.setPush(func(_ context.Context, req offline.PushRequest) (offline.PushResponse, error) {
		entered <- struct{}{}
		<-release
		return applyAll(req), nil
	})
	env.enqueue(t, "task")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = env.manager.SyncPendingOperations(ctx)
	}()
	<-entered
	assert.True(t, env.manager.IsSyncing())

	results := make(chan offline.SyncResult, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.manager.SyncPendingOperations(ctx)
			assert.NoError(t, err)
			results <- res
		}()
	}
	// the concurrent callers return without waiting for the push in flight
	for i := 0; i < 20; i++ {
		res := <-results
		assert.True(t, res.Skipped)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, 1, env.remote.pushCount())
	assert.EqualValues(t, 1, env.remote.maxInFlight)
	assert.False(t, env.manager.IsSyncing())
}

func TestManager_SyncPendingOperations_enqueueDuringSync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.remote.setPush(func(_ context.Context, req offline.PushRequest) (offline.PushResponse, error) {
		entered <- struct{}{}
		<-release
		return applyAll(req), nil
	})
	first := env.enqueue(t, "task")

	done := make(chan offline.SyncResult)
	go func() {
		res, _ := env.manager.SyncPendingOperations(ctx)
		done <- res
	}()
	<-entered

	second := env.enqueue(t, "task")
	close(release)
	res := <-done

	assert.Equal(t, []string{first}, opIDs(env.remote.lastPush()))
	assert.Equal(t, []string{first}, res.Applied)
	assert.Equal(t, offline.StatusPending, env.op(t, second).Status)
	assert.Equal(t, 1, env.status(t).PendingCount)
}

func TestManager_SyncPendingOperations_conflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true, MaxRetries: 5})

	ok := env.enqueue(t, "task")
	stale := env.enqueue(t, "task")
	env.remote.setPush(func(_ context.Context, req offline.PushRequest) (offline.PushResponse, error) {
		conflict, _ := json.Marshal(map[string]interface{}{
			"id":              stale,
			"entity":          "task",
			"reason":          "stale operation",
			"serverTimestamp": serverTs + 10,
		})
		return offline.PushResponse{
			Applied:         []string{ok},
			Conflicts:       []json.RawMessage{conflict},
			ServerTimestamp: serverTs,
		}, nil
	})

	res, err := env.manager.SyncPendingOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ok}, res.Applied)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, stale, res.Conflicts[0].ID)
	assert.Equal(t, "stale operation", res.Conflicts[0].Reason)

	assert.Equal(t, offline.StatusSynced, env.op(t, ok).Status)
	op := env.op(t, stale)
	assert.Equal(t, offline.StatusConflict, op.Status)
	assert.Equal(t, "stale operation", op.LastError)
	assert.Equal(t, 1, env.logger.Count("WARN", stale))

	st := env.status(t)
	assert.Equal(t, 0, st.PendingCount)
	assert.Equal(t, 1, st.ConflictCount)
	assert.Equal(t, serverTs, st.LastSyncTimestamp)

	// conflicts are not pushed again
	env.remote.setPush(nil)
	res, err = env.manager.SyncPendingOperations(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
}

func TestManager_SyncPendingOperations_bareConflictIDs(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})
	id := env.enqueue(t, "task")
	env.remote.setPush(func(context.Context, offline.PushRequest) (offline.PushResponse, error) {
		return offline.PushResponse{
			Conflicts:       []json.RawMessage{json.RawMessage(fmt.Sprintf("%q", id))},
			ServerTimestamp: serverTs,
		}, nil
	})

	res, err := env.manager.SyncPendingOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, id, res.Conflicts[0].ID)
	assert.Equal(t, offline.StatusConflict, env.op(t, id).Status)
}

func TestManager_SyncPendingOperations_storeFailure(t *testing.T) {
	storeErr := errors.New("disk I/O error")
	q := offline.NewQueue(failingStore{Store: inmemstore.New(), err: storeErr})
	logger := testutil.NewLogger()
	m, err := offline.NewManager(q, &fakeRemote{}, logger, offline.ManagerOptions{StartOnline: true})
	require.NoError(t, err)

	_, err = m.SyncPendingOperations(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, storeErr))
	assert.False(t, m.IsSyncing())
	assert.Equal(t, 1, logger.Count("ERROR", "listing pending operations"))
}

// operations registered in the same burst go in one batch, in insertion order
func TestManager_RegisterOperation_batching(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true, BatchDelay: 50 * time.Millisecond})
	env.startWorker(t)

	first := env.register(t, "task")
	second := env.register(t, "task")
	env.manager.Wait()

	require.Equal(t, 1, env.remote.pushCount())
	assert.Equal(t, []string{first, second}, opIDs(env.remote.lastPush()))
	assert.Equal(t, 0, env.status(t).PendingCount)
}

func TestManager_RegisterOperation_returnsBeforeSync(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	release := make(chan struct{})
	env.remote.setPush(func(_ context.Context, req offline.PushRequest) (offline.PushResponse, error) {
		<-release
		return applyAll(req), nil
	})
	env.startWorker(t)

	id := env.register(t, "task") // must not block on the push
	assert.Equal(t, offline.StatusPending, env.op(t, id).Status)

	close(release)
	env.manager.Wait()
	assert.Equal(t, offline.StatusSynced, env.op(t, id).Status)
}

// without a worker, registering while online still pushes right away
func TestManager_RegisterOperation_onlineWithoutWorker(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	release := make(chan struct{})
	env.remote.setPush(func(_ context.Context, req offline.PushRequest) (offline.PushResponse, error) {
		<-release
		return applyAll(req), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := env.manager.RegisterOperation(ctx, offline.OpCreate, "task", "create", json.RawMessage(`{"title":"HW1"}`))
	require.NoError(t, err)
	cancel() // the caller giving up does not abort the push

	waited := make(chan struct{})
	go func() {
		env.manager.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned before the push completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked after the push completed")
	}
	assert.Equal(t, 1, env.remote.pushCount())
	assert.Equal(t, offline.StatusSynced, env.op(t, id).Status)
	assert.Equal(t, 0, env.status(t).PendingCount)
}

// a worker that stopped hands requests back to the detached path
func TestManager_RegisterOperation_afterWorkerStopped(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = env.manager.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return offline.IsRunning(env.manager) }, time.Second, time.Millisecond)
	cancel()
	<-stopped

	id := env.register(t, "task")
	env.manager.Wait()
	assert.Equal(t, offline.StatusSynced, env.op(t, id).Status)
}

func TestManager_PullChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})
	require.NoError(t, env.queue.SetLastSync(ctx, 42))

	env.remote.pullFn = func(_ context.Context, req offline.PullRequest) (offline.PullResponse, error) {
		assert.Equal(t, int64(42), req.LastSyncTimestamp)
		assert.Equal(t, []string{"task"}, req.Entities)
		return offline.PullResponse{
			Changes: map[string][]json.RawMessage{
				"task": {json.RawMessage(`{"id":"t1","data":{"title":"HW1"}}`)},
			},
			ServerTimestamp: serverTs,
		}, nil
	}

	changes, err := env.manager.PullChanges(ctx, []string{"task"})
	require.NoError(t, err)
	require.Len(t, changes["task"], 1)
	assert.JSONEq(t, `{"id":"t1","data":{"title":"HW1"}}`, string(changes["task"][0]))

	// neither the cache nor the watermark move
	recs, err := env.queue.CachedRecords(ctx, "task")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(42), env.status(t).LastSyncTimestamp)
}

func TestManager_PullChanges_failure(t *testing.T) {
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true, PushTimeout: 20 * time.Millisecond})
	env.remote.pullFn = func(ctx context.Context, _ offline.PullRequest) (offline.PullResponse, error) {
		<-ctx.Done()
		return offline.PullResponse{}, ctx.Err()
	}

	_, err := env.manager.PullChanges(context.Background(), []string{"task"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestManager_PullAndCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, offline.ManagerOptions{StartOnline: true})

	stale, _ := json.Marshal(offline.CachedRecord{Key: "task:t2", Entity: "task", Data: json.RawMessage(`{"title":"old"}`)})
	require.NoError(t, env.store.Put(ctx, offline.CacheCollection, offline.Document{
		Key:     "task:t2",
		Indexes: map[string]string{offline.EntityIndex: "task"},
		Body:    stale,
	}))

	env.remote.pullFn = func(context.Context, offline.PullRequest) (offline.PullResponse, error) {
		return offline.PullResponse{
			Changes: map[string][]json.RawMessage{
				"task": {
					json.RawMessage(`{"id":"t1","data":{"title":"HW1"},"deleted":false}`),
					json.RawMessage(`{"id":"t2","deleted":true}`),
					json.RawMessage(`{"title":"no id"}`),
				},
				"student": {json.RawMessage(`{"id":"s1","data":{"name":"Awe"}}`)},
			},
			ServerTimestamp: serverTs,
		}, nil
	}

	res, err := env.manager.PullAndCache(ctx, []string{"task", "student"})
	require.NoError(t, err)
	assert.Equal(t, offline.PullResult{Cached: 2, Removed: 1, ServerTimestamp: serverTs}, res)

	tasks, err := env.queue.CachedRecords(ctx, "task")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task:t1", tasks[0].Key)
	assert.JSONEq(t, `{"title":"HW1"}`, string(tasks[0].Data))
	assert.Equal(t, serverTs, tasks[0].Timestamp)

	students, err := env.queue.CachedRecords(ctx, "student")
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, "student:s1", students[0].Key)

	assert.Equal(t, serverTs, env.status(t).LastSyncTimestamp)
	assert.Equal(t, 1, env.logger.Count("WARN", "malformed task change"))
}
