package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/masomo-sync/core"
)

// Observer turns connectivity signals into the manager's online flag and syncs on reconnect.
type Observer struct {
	manager *Manager
	remote  Remote
	logger  core.Logger

	mu        sync.Mutex
	listeners []func(online bool)
}

func NewObserver(manager *Manager, remote Remote, logger core.Logger) *Observer {
	return &Observer{manager: manager, remote: remote, logger: logger}
}

// OnChange registers fn to be called after every online/offline transition.
func (o *Observer) OnChange(fn func(online bool)) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

func (o *Observer) notify(online bool) {
	o.mu.Lock()
	listeners := make([]func(bool), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// Offline clears the online flag. An in-flight push is not cancelled.
func (o *Observer) Offline() {
	if was := o.manager.SetOnline(false); was {
		o.logger.Info("connectivity: offline")
		o.notify(false)
	}
}

// Online sets the online flag and pushes the pending operations right away.
func (o *Observer) Online(ctx context.Context) (SyncResult, error) {
	if was := o.manager.SetOnline(true); !was {
		o.logger.Info("connectivity: online")
		o.notify(true)
	}
	return o.manager.SyncPendingOperations(ctx)
}

// Watch pings the server every interval and reports reachability changes as Online/Offline.
func (o *Observer) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.ping(ctx, interval)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Observer) ping(ctx context.Context, timeout time.Duration) {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	err := o.remote.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	switch reachable := err == nil; {
	case reachable && !o.manager.IsOnline():
		if _, sErr := o.Online(ctx); sErr != nil {
			o.logger.Error(fmt.Sprintf("sync on reconnect: %v", sErr), sErr)
		}
	case !reachable && o.manager.IsOnline():
		o.logger.Debug(fmt.Sprintf("server unreachable: %v", err))
		o.Offline()
	}
}
