package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core"
)

const defaultPushTimeout = 30 * time.Second

type (
	ManagerOptions struct {
		PushTimeout time.Duration // bounds every push & pull
		BatchDelay  time.Duration // wait before a background push, so that bursts of operations go in one batch
		MaxRetries  int           // failed operations are pushed again until they failed this many times
		StartOnline bool
	}

	// SyncResult reports what one call to SyncPendingOperations did.
	SyncResult struct {
		Skipped         bool // offline or another sync in flight
		Sent            int
		Applied         []string
		Conflicts       []Conflict
		Failed          int
		ServerTimestamp int64
		// PushErr is the push failure that marked the batch failed.
		PushErr error
	}

	// PullResult reports what PullAndCache did.
	PullResult struct {
		Cached          int
		Removed         int
		ServerTimestamp int64
	}

	Status struct {
		PendingCount      int   `json:"pendingCount"`
		FailedCount       int   `json:"failedCount"`
		ConflictCount     int   `json:"conflictCount"`
		IsOnline          bool  `json:"isOnline"`
		IsSyncing         bool  `json:"isSyncing"`
		LastSyncTimestamp int64 `json:"lastSyncTimestamp"`
	}

	// Manager pushes queued operations to the server and pulls server changes.
	// At most one push is in flight at any time.
	Manager struct {
		queue  *Queue
		remote Remote
		logger core.Logger
		opts   ManagerOptions

		online  atomic.Bool
		syncing atomic.Bool
		running atomic.Bool // Run is consuming sync requests

		requests chan struct{} // sync tokens consumed by Run
		inflight *counter
	}
)

func NewManager(queue *Queue, remote Remote, logger core.Logger, opts ManagerOptions) (*Manager, error) {
	err := vala.BeginValidation().Validate(
		vala.IsNotNil(queue, "queue"),
		vala.IsNotNil(remote, "remote"),
		vala.IsNotNil(logger, "logger"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(err, "validating manager dependencies")
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	m := &Manager{
		queue:    queue,
		remote:   remote,
		logger:   logger,
		opts:     opts,
		requests: make(chan struct{}, 1),
		inflight: newCounter(),
	}
	m.online.Store(opts.StartOnline)
	return m, nil
}

func (m *Manager) IsOnline() bool  { return m.online.Load() }
func (m *Manager) IsSyncing() bool { return m.syncing.Load() }

// SetOnline sets the connectivity flag and returns its previous value.
func (m *Manager) SetOnline(online bool) bool {
	return m.online.Swap(online)
}

// RegisterOperation enqueues an operation and, when online, schedules a background push.
// It returns as soon as the operation is durable.
func (m *Manager) RegisterOperation(ctx context.Context, typ OperationType, entity, operation string, data json.RawMessage) (string, error) {
	id, err := m.queue.Enqueue(ctx, typ, entity, operation, data)
	if err != nil {
		return "", err
	}
	if m.online.Load() {
		m.requestSync(ctx)
	}
	return id, nil
}

// requestSync posts a sync token to Run, unless one is already waiting.
// Without a running worker the sync starts in its own goroutine.
func (m *Manager) requestSync(ctx context.Context) {
	m.inflight.add()
	if !m.running.Load() {
		go m.syncDetached(ctx)
		return
	}
	select {
	case m.requests <- struct{}{}:
		// Run may have stopped after the check above, leaving the token unconsumed
		if !m.running.Load() {
			select {
			case <-m.requests:
				go m.syncDetached(ctx)
			default:
			}
		}
	default:
		m.inflight.done()
	}
}

// syncDetached runs one sync for a counted request, outliving the caller's ctx.
func (m *Manager) syncDetached(ctx context.Context) {
	defer m.inflight.done()
	if _, err := m.SyncPendingOperations(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error(fmt.Sprintf("background sync: %v", err), err)
	}
}

// Run consumes sync requests until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.running.Store(true)
	defer func() {
		m.running.Store(false)
		// release the waiters of tokens that will never be consumed
		for {
			select {
			case <-m.requests:
				m.inflight.done()
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.requests:
			if m.opts.BatchDelay > 0 {
				timer := time.NewTimer(m.opts.BatchDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					m.inflight.done()
					return nil
				case <-timer.C:
				}
			}
			if _, err := m.SyncPendingOperations(ctx); err != nil {
				m.logger.Error(fmt.Sprintf("background sync: %v", err), err)
			}
			m.inflight.done()
		}
	}
}

// Wait blocks until every background sync requested so far has completed.
func (m *Manager) Wait() {
	m.inflight.wait()
}

// SyncPendingOperations pushes the retryable operations in one batch.
// It is a no-op when offline or when another sync is in flight.
// Push failures are recorded on the operations and reported in SyncResult.PushErr;
// the returned error is reserved for local store failures.
func (m *Manager) SyncPendingOperations(ctx context.Context) (SyncResult, error) {
	if !m.online.Load() {
		return SyncResult{Skipped: true}, nil
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true}, nil
	}
	defer m.syncing.Store(false)

	ops, err := m.queue.ListRetryable(ctx, m.opts.MaxRetries)
	if err != nil {
		m.logger.Error(fmt.Sprintf("listing pending operations: %v", err), err)
		return SyncResult{}, errors.Wrap(err, "listing pending operations")
	}
	if len(ops) == 0 {
		return SyncResult{}, nil
	}

	res := SyncResult{Sent: len(ops)}
	pushCtx, cancel := context.WithTimeout(ctx, m.opts.PushTimeout)
	resp, err := m.remote.Push(pushCtx, newPushRequest(ops))
	timedOut := errors.Is(pushCtx.Err(), context.DeadlineExceeded)
	cancel()

	// status writes must land even if the caller gave up
	storeCtx := context.WithoutCancel(ctx)

	if err != nil {
		msg := err.Error()
		if timedOut {
			msg = fmt.Sprintf("push timed out after %s", m.opts.PushTimeout)
		}
		m.logger.Warn(fmt.Sprintf("push of %d operations failed: %s", len(ops), msg), err)

		res.PushErr = err
		for _, op := range ops {
			if fErr := m.queue.MarkFailed(storeCtx, op.ID, msg); fErr != nil {
				m.logger.Error(fmt.Sprintf("recording push failure: %v", fErr), fErr)
				return res, fErr
			}
			res.Failed++
		}
		return res, nil
	}

	res.ServerTimestamp = resp.ServerTimestamp
	for _, id := range resp.Applied {
		if err = m.queue.MarkSynced(storeCtx, id); err != nil {
			m.logger.Error(fmt.Sprintf("recording applied operation: %v", err), err)
			return res, err
		}
		res.Applied = append(res.Applied, id)
	}
	for _, raw := range resp.Conflicts {
		c := parseConflict(raw)
		res.Conflicts = append(res.Conflicts, c)
		m.logger.Warn(fmt.Sprintf("sync conflict on operation %q: %s", c.ID, string(raw)))
		if c.ID == "" {
			continue
		}
		reason := c.Reason
		if reason == "" {
			reason = "conflict"
		}
		if err = m.queue.MarkConflict(storeCtx, c.ID, reason); err != nil {
			m.logger.Error(fmt.Sprintf("recording conflict: %v", err), err)
			return res, err
		}
	}
	if err = m.queue.SetLastSync(storeCtx, resp.ServerTimestamp); err != nil {
		m.logger.Error(fmt.Sprintf("recording sync watermark: %v", err), err)
		return res, err
	}

	m.logger.Info(fmt.Sprintf("pushed %d operations: %d applied, %d conflicts", len(ops), len(res.Applied), len(res.Conflicts)))
	return res, nil
}

func (m *Manager) pull(ctx context.Context, entities []string) (PullResponse, error) {
	since, err := m.queue.LastSync(ctx)
	if err != nil {
		return PullResponse{}, err
	}
	if entities == nil {
		entities = []string{}
	}

	pullCtx, cancel := context.WithTimeout(ctx, m.opts.PushTimeout)
	defer cancel()
	resp, err := m.remote.Pull(pullCtx, PullRequest{LastSyncTimestamp: since, Entities: entities})
	if err != nil {
		if errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			return PullResponse{}, errors.Wrapf(err, "pull timed out after %s", m.opts.PushTimeout)
		}
		return PullResponse{}, errors.Wrap(err, "pulling changes")
	}
	if resp.Changes == nil {
		resp.Changes = make(map[string][]json.RawMessage)
	}
	return resp, nil
}

// PullChanges returns the server changes since the last sync, by entity.
// Neither the cache nor the watermark are touched.
func (m *Manager) PullChanges(ctx context.Context, entities []string) (map[string][]json.RawMessage, error) {
	resp, err := m.pull(ctx, entities)
	if err != nil {
		return nil, err
	}
	return resp.Changes, nil
}

// PullAndCache pulls the server changes, writes them to the local cache and advances the watermark.
// Deleted records are evicted from the cache.
func (m *Manager) PullAndCache(ctx context.Context, entities []string) (PullResult, error) {
	resp, err := m.pull(ctx, entities)
	if err != nil {
		return PullResult{}, err
	}

	res := PullResult{ServerTimestamp: resp.ServerTimestamp}
	for entity, changes := range resp.Changes {
		for _, raw := range changes {
			var change struct {
				ID      string          `json:"id"`
				Deleted bool            `json:"deleted"`
				Data    json.RawMessage `json:"data"`
			}
			if err = json.Unmarshal(raw, &change); err != nil || change.ID == "" {
				m.logger.Warn(fmt.Sprintf("skipping malformed %s change: %s", entity, string(raw)))
				continue
			}

			key := cacheKey(entity, change.ID)
			if change.Deleted {
				if err = m.queue.DeleteCachedRecord(ctx, key); err != nil {
					return res, err
				}
				res.Removed++
				continue
			}

			data := change.Data
			if len(data) == 0 {
				data = raw
			}
			rec := CachedRecord{Key: key, Entity: entity, Data: data, Timestamp: resp.ServerTimestamp}
			if err = m.queue.PutCachedRecord(ctx, rec); err != nil {
				return res, err
			}
			res.Cached++
		}
	}

	if err = m.queue.SetLastSync(ctx, resp.ServerTimestamp); err != nil {
		return res, err
	}
	return res, nil
}

// GetSyncStatus returns a snapshot of the sync health.
func (m *Manager) GetSyncStatus(ctx context.Context) (Status, error) {
	pending, err := m.queue.Count(ctx, StatusPending)
	if err != nil {
		return Status{}, err
	}
	failedOps, err := m.queue.ListFailed(ctx)
	if err != nil {
		return Status{}, err
	}
	var failed int // out-of-retries operations are never sent again
	for _, op := range failedOps {
		if op.Retries < m.opts.MaxRetries {
			failed++
		}
	}
	conflicts, err := m.queue.Count(ctx, StatusConflict)
	if err != nil {
		return Status{}, err
	}
	lastSync, err := m.queue.LastSync(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		PendingCount:      pending,
		FailedCount:       failed,
		ConflictCount:     conflicts,
		IsOnline:          m.online.Load(),
		IsSyncing:         m.syncing.Load(),
		LastSyncTimestamp: lastSync,
	}, nil
}

// counter is a WaitGroup that tolerates Add while another goroutine waits.
type counter struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newCounter() *counter {
	c := &counter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *counter) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) done() {
	c.mu.Lock()
	c.n--
	if c.n <= 0 {
		c.n = 0
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *counter) wait() {
	c.mu.Lock()
	for c.n > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
