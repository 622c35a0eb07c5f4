package offline

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-sync/core"
)

// SyncContext owns the offline components of one client process.
// Build it once at startup and hand it to whatever needs to record or sync operations.
type SyncContext struct {
	Store    Store
	Queue    *Queue
	Manager  *Manager
	Observer *Observer
	Status   *StatusReporter

	conf   core.OfflineConfig
	logger core.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func NewSyncContext(store Store, remote Remote, logger core.Logger, conf core.OfflineConfig) (*SyncContext, error) {
	queue := NewQueue(store)
	manager, err := NewManager(queue, remote, logger, ManagerOptions{
		PushTimeout: conf.PushTimeout,
		BatchDelay:  conf.BatchDelay,
		MaxRetries:  conf.MaxRetries,
		StartOnline: conf.StartOnline,
	})
	if err != nil {
		return nil, err
	}

	sc := &SyncContext{
		Store:    store,
		Queue:    queue,
		Manager:  manager,
		Observer: NewObserver(manager, remote, logger),
		Status:   NewStatusReporter(manager, conf.StatusInterval, logger),
		conf:     conf,
		logger:   logger,
	}
	sc.Observer.OnChange(func(bool) { sc.Status.Notify() })
	return sc, nil
}

func (sc *SyncContext) goRun(ctx context.Context, name string, fn func(ctx context.Context) error) {
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		if err := fn(ctx); err != nil {
			sc.logger.Error(fmt.Sprintf("%s stopped: %v", name, err), err)
		}
	}()
}

// Start launches the background sync worker, the status loop and, when configured, the connectivity checker.
func (sc *SyncContext) Start(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.started || sc.closed {
		return
	}
	sc.started = true

	ctx, sc.cancel = context.WithCancel(ctx)
	sc.goRun(ctx, "sync worker", sc.Manager.Run)
	sc.goRun(ctx, "status reporter", sc.Status.Run)
	if sc.conf.PingInterval > 0 {
		sc.goRun(ctx, "connectivity checker", func(ctx context.Context) error {
			return sc.Observer.Watch(ctx, sc.conf.PingInterval)
		})
	}
}

// Close stops the background goroutines, waits for them and for the syncs already requested,
// then closes the store. Later calls are no-ops.
func (sc *SyncContext) Close() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.mu.Unlock()

	sc.wg.Wait()
	sc.Manager.Wait()
	return errors.Wrap(sc.Store.Close(), "closing store")
}
