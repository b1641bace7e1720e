package dispatch

import (
	"context"
	"sync"
	"time"
)

// MemoryMarker implements [Marker] in process memory. Meant for tests and
// single-node development.
type MemoryMarker struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

var _ Marker = (*MemoryMarker)(nil)

// NewMemoryMarker returns an empty marker set.
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

// SetClock substitutes the time source. Test hook.
func (m *MemoryMarker) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOnce implements [Marker].
func (m *MemoryMarker) SetOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}
