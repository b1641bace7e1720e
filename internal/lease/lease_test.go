package lease_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/lease"
)

func TestMemory_ExclusiveAcquire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := lease.NewMemory()

	l, err := m.Acquire(ctx, lease.CallKey("c1"), lease.CallTTL)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := m.Acquire(ctx, lease.CallKey("c1"), lease.CallTTL); !errors.Is(err, lease.ErrBusy) {
		t.Errorf("second Acquire: got %v, want ErrBusy", err)
	}

	// A different key is independent.
	if _, err := m.Acquire(ctx, lease.CallKey("c2"), lease.CallTTL); err != nil {
		t.Errorf("unrelated key: %v", err)
	}

	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := m.Acquire(ctx, lease.CallKey("c1"), lease.CallTTL); err != nil {
		t.Errorf("re-acquire after release: %v", err)
	}
}

func TestMemory_ExpiryAllowsTakeover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := lease.NewMemory()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	old, err := m.Acquire(ctx, lease.CallKey("c1"), 60*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Advance past the TTL: another worker may take over.
	now = now.Add(61 * time.Second)
	replacement, err := m.Acquire(ctx, lease.CallKey("c1"), 60*time.Second)
	if err != nil {
		t.Fatalf("takeover Acquire: %v", err)
	}

	// The previous holder can neither renew nor release.
	if err := m.Renew(ctx, old); !errors.Is(err, lease.ErrLost) {
		t.Errorf("stale Renew: got %v, want ErrLost", err)
	}
	if err := m.Release(ctx, old); !errors.Is(err, lease.ErrLost) {
		t.Errorf("stale Release: got %v, want ErrLost", err)
	}

	// The new holder is unaffected.
	if err := m.Renew(ctx, replacement); err != nil {
		t.Errorf("new holder Renew: %v", err)
	}
}

func TestMemory_RenewExtends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := lease.NewMemory()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	l, err := m.Acquire(ctx, lease.CallKey("c1"), 60*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(45 * time.Second)
	if err := m.Renew(ctx, l); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	// Without the renewal the lease would have expired here.
	now = now.Add(45 * time.Second)
	if _, err := m.Acquire(ctx, lease.CallKey("c1"), 60*time.Second); !errors.Is(err, lease.ErrBusy) {
		t.Errorf("Acquire after renew: got %v, want ErrBusy", err)
	}
}

// lossyManager fails every renewal with ErrLost after a configurable number
// of successes.
type lossyManager struct {
	lease.Manager
	mu        sync.Mutex
	successes int
}

func (l *lossyManager) Renew(ctx context.Context, ls *lease.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.successes > 0 {
		l.successes--
		return l.Manager.Renew(ctx, ls)
	}
	return lease.ErrLost
}

func TestKeeper_ReportsLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := lease.NewMemory()
	l, err := mem.Acquire(ctx, lease.CallKey("c1"), 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	lost := make(chan error, 1)
	mgr := &lossyManager{Manager: mem, successes: 1}
	k := lease.NewKeeper(ctx, mgr, l, func(err error) { lost <- err })
	defer k.Stop(ctx)

	select {
	case err := <-lost:
		if !errors.Is(err, lease.ErrLost) {
			t.Errorf("onLost: got %v, want ErrLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keeper never reported the lost lease")
	}
}

// wrappingManager reports every renewal lost behind a transport wrap, the way
// the Redis manager surfaces it.
type wrappingManager struct {
	lease.Manager
}

func (w *wrappingManager) Renew(context.Context, *lease.Lease) error {
	return fmt.Errorf("redis: renew: %w", lease.ErrLost)
}

func TestKeeper_ReportsWrappedLoss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := lease.NewMemory()
	l, err := mem.Acquire(ctx, lease.CallKey("c1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Renew fast while the expiry stays a minute out, so only recognizing the
	// wrapped sentinel can report the loss.
	l.TTL = 20 * time.Millisecond

	lost := make(chan error, 1)
	k := lease.NewKeeper(ctx, &wrappingManager{Manager: mem}, l, func(err error) { lost <- err })
	defer k.Stop(ctx)

	select {
	case err := <-lost:
		if !errors.Is(err, lease.ErrLost) {
			t.Errorf("onLost: got %v, want ErrLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wrapped lease loss never reported")
	}
}

func TestKeeper_StopReleases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := lease.NewMemory()
	l, err := mem.Acquire(ctx, lease.CallKey("c1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	k := lease.NewKeeper(ctx, mem, l, nil)
	k.Stop(ctx)

	if _, err := mem.Acquire(ctx, lease.CallKey("c1"), time.Minute); err != nil {
		t.Errorf("Acquire after Stop: %v (lease not released)", err)
	}
}
