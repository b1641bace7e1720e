package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Keeper renews a lease in the background at half its TTL. When a renewal
// reports the lease lost, the keeper cancels the supplied scope cause-first so
// the owning call aborts all in-flight mutations.
type Keeper struct {
	manager Manager
	lease   *Lease
	onLost  func(error)
	done    chan struct{}
	stopped chan struct{}
}

// NewKeeper starts renewing l at intervals of l.TTL/2. onLost is invoked at
// most once, from the keeper goroutine, when renewal fails with [ErrLost] or
// with a persistent transport error past the lease expiry.
func NewKeeper(ctx context.Context, manager Manager, l *Lease, onLost func(error)) *Keeper {
	k := &Keeper{
		manager: manager,
		lease:   l,
		onLost:  onLost,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go k.run(ctx)
	return k
}

// Stop ends renewal and releases the lease. It blocks until the renewal
// goroutine has exited. Releasing an already-lost lease is not an error here;
// the loss was already reported through onLost.
func (k *Keeper) Stop(ctx context.Context) {
	close(k.done)
	<-k.stopped
	if err := k.manager.Release(ctx, k.lease); err != nil && !errors.Is(err, ErrLost) {
		slog.Warn("lease release failed", "key", k.lease.Key, "err", err)
	}
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.stopped)

	interval := k.lease.TTL / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := k.manager.Renew(ctx, k.lease)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLost) || time.Now().After(k.lease.Expires) {
				slog.Warn("lease lost", "key", k.lease.Key, "err", err)
				if k.onLost != nil {
					k.onLost(ErrLost)
				}
				return
			}
			// Transient renewal failure with time still on the clock: retry on
			// the next tick.
			slog.Warn("lease renewal failed, will retry", "key", k.lease.Key, "err", err)
		}
	}
}
