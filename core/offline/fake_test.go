package offline_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-sync/core/offline"
	inmemstore "github.com/trezcool/masomo-sync/storage/local/inmem"
	testutil "github.com/trezcool/masomo-sync/tests"
)

const serverTs int64 = 1700000000000

// fakeRemote records every request. By default a push applies every operation.
type fakeRemote struct {
	mu     sync.Mutex
	pushes []offline.PushRequest
	pulls  []offline.PullRequest

	inFlight    int32
	maxInFlight int32

	pushFn  func(ctx context.Context, req offline.PushRequest) (offline.PushResponse, error)
	pullFn  func(ctx context.Context, req offline.PullRequest) (offline.PullResponse, error)
	pingErr atomic.Value // error wrapper
}

type pingResult struct{ err error }

func (r *fakeRemote) Push(ctx context.Context, req offline.PushRequest) (offline.PushResponse, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		cur := atomic.LoadInt32(&r.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&r.maxInFlight, cur, n) {
			break
		}
	}

	r.mu.Lock()
	r.pushes = append(r.pushes, req)
	fn := r.pushFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return applyAll(req), nil
}

func (r *fakeRemote) Pull(ctx context.Context, req offline.PullRequest) (offline.PullResponse, error) {
	r.mu.Lock()
	r.pulls = append(r.pulls, req)
	fn := r.pullFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return offline.PullResponse{Changes: map[string][]json.RawMessage{}, ServerTimestamp: serverTs}, nil
}

func (r *fakeRemote) Ping(context.Context) error {
	if v, ok := r.pingErr.Load().(pingResult); ok {
		return v.err
	}
	return nil
}

func (r *fakeRemote) setPingErr(err error) {
	r.pingErr.Store(pingResult{err: err})
}

func (r *fakeRemote) setPush(fn func(ctx context.Context, req offline.PushRequest) (offline.PushResponse, error)) {
	r.mu.Lock()
	r.pushFn = fn
	r.mu.Unlock()
}

func (r *fakeRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

func (r *fakeRemote) lastPush() offline.PushRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pushes) == 0 {
		return offline.PushRequest{}
	}
	return r.pushes[len(r.pushes)-1]
}

func applyAll(req offline.PushRequest) offline.PushResponse {
	applied := make([]string, 0, len(req.Operations))
	for _, op := range req.Operations {
		applied = append(applied, op.ID)
	}
	return offline.PushResponse{Applied: applied, Conflicts: []json.RawMessage{}, ServerTimestamp: serverTs}
}

func opIDs(req offline.PushRequest) []string {
	ids := make([]string, 0, len(req.Operations))
	for _, op := range req.Operations {
		ids = append(ids, op.ID)
	}
	return ids
}

type testEnv struct {
	store   *inmemstore.Store
	queue   *offline.Queue
	remote  *fakeRemote
	logger  *testutil.Logger
	manager *offline.Manager
}

func newTestEnv(t *testing.T, opts offline.ManagerOptions) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  inmemstore.New(),
		remote: &fakeRemote{},
		logger: testutil.NewLogger(),
	}
	env.queue = offline.NewQueue(env.store)
	m, err := offline.NewManager(env.queue, env.remote, env.logger, opts)
	require.NoError(t, err)
	env.manager = m
	return env
}

func (env *testEnv) status(t *testing.T) offline.Status {
	t.Helper()
	st, err := env.manager.GetSyncStatus(context.Background())
	require.NoError(t, err)
	return st
}

func (env *testEnv) op(t *testing.T, id string) offline.PendingOperation {
	t.Helper()
	op, found, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found, "operation %s not found", id)
	return op
}

// enqueue queues an operation without asking for a sync.
func (env *testEnv) enqueue(t *testing.T, entity string) string {
	t.Helper()
	id, err := env.queue.Enqueue(context.Background(), offline.OpCreate, entity, "create", json.RawMessage(`{"title":"HW1"}`))
	require.NoError(t, err)
	return id
}

// register goes through the manager, which schedules a sync when online.
func (env *testEnv) register(t *testing.T, entity string) string {
	t.Helper()
	id, err := env.manager.RegisterOperation(context.Background(), offline.OpCreate, entity, "create", json.RawMessage(`{"title":"HW1"}`))
	require.NoError(t, err)
	return id
}

// startWorker runs the manager's worker until the test ends.
func (env *testEnv) startWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = env.manager.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return offline.IsRunning(env.manager) }, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

// failingStore fails every index query.
type failingStore struct {
	offline.Store
	err error
}

func (s failingStore) QueryByIndex(context.Context, string, string, string) ([][]byte, error) {
	return nil, s.err
}
