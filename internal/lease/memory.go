package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements [Manager] in process memory with real TTL expiry.
// Intended for tests and single-instance development runs.
type Memory struct {
	mu     sync.Mutex
	held   map[string]memEntry
	now    func() time.Time
}

type memEntry struct {
	token   string
	expires time.Time
}

// Compile-time interface assertion.
var _ Manager = (*Memory)(nil)

// NewMemory returns an empty in-memory lease manager.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memEntry), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Acquire implements Manager.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && e.expires.After(now) {
		return nil, ErrBusy
	}
	token := uuid.NewString()
	m.held[key] = memEntry{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, Token: token, TTL: ttl, Expires: now.Add(ttl)}, nil
}

// Renew implements Manager.
func (m *Memory) Renew(_ context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.held[l.Key]
	if !ok || e.token != l.Token || !e.expires.After(now) {
		return ErrLost
	}
	e.expires = now.Add(l.TTL)
	m.held[l.Key] = e
	l.Expires = e.expires
	return nil
}

// Release implements Manager.
func (m *Memory) Release(_ context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[l.Key]
	if !ok || e.token != l.Token {
		return ErrLost
	}
	delete(m.held, l.Key)
	return nil
}
