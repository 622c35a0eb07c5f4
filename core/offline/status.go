package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/masomo-sync/core"
)

const defaultStatusInterval = 5 * time.Second

// StatusReporter recomputes the sync status periodically and on demand, and fans it out to subscribers.
type StatusReporter struct {
	manager  *Manager
	interval time.Duration
	logger   core.Logger

	mu      sync.RWMutex
	current Status
	subs    map[int]chan Status
	nextSub int

	refresh chan struct{}
}

func NewStatusReporter(manager *Manager, interval time.Duration, logger core.Logger) *StatusReporter {
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	return &StatusReporter{
		manager:  manager,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]chan Status),
		refresh:  make(chan struct{}, 1),
	}
}

// Subscribe returns a channel receiving every new snapshot and a func to unsubscribe.
// Slow subscribers miss snapshots instead of blocking the reporter.
func (r *StatusReporter) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *StatusReporter) Current() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Notify asks Run for a refresh without waiting for it.
func (r *StatusReporter) Notify() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Refresh recomputes the status and publishes it.
func (r *StatusReporter) Refresh(ctx context.Context) (Status, error) {
	st, err := r.manager.GetSyncStatus(ctx)
	if err != nil {
		return Status{}, err
	}

	r.mu.Lock()
	r.current = st
	for _, ch := range r.subs {
		select {
		case ch <- st:
		default:
			// drop the stale snapshot so the newest one gets through
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
	r.mu.Unlock()
	return st, nil
}

// Run refreshes the status every interval and on each Notify until ctx is done.
func (r *StatusReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(fmt.Sprintf("refreshing sync status: %v", err), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.refresh:
		}
	}
}
