package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/call"
)

// Memory implements [Store] in process memory. Intended for tests and local
// development; it reproduces the conflict semantics of the Mongo store
// exactly, including deep-copying documents so callers never share state with
// the store.
type Memory struct {
	mu    sync.RWMutex
	calls map[string]*call.Call // id → stored copy
}

// Compile-time interface assertion.
var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{calls: make(map[string]*call.Call)}
}

// GetByID implements Store.
func (m *Memory) GetByID(_ context.Context, id string) (*call.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(c)
}

// GetLast implements Store.
func (m *Memory) GetLast(_ context.Context, phoneNumber string) (*call.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *call.Call
	for _, c := range m.calls {
		if c.Initiate.CallerPhoneNumber != phoneNumber {
			continue
		}
		if last == nil || c.CreatedAt.After(last.CreatedAt) {
			last = c
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return deepCopy(last)
}

// ListByPhone implements Store.
func (m *Memory) ListByPhone(_ context.Context, phoneNumber string, limit int) ([]*call.Call, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var calls []*call.Call
	for _, c := range m.calls {
		if c.Initiate.CallerPhoneNumber == phoneNumber {
			calls = append(calls, c)
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.After(calls[j].CreatedAt) })
	if len(calls) > limit {
		calls = calls[:limit]
	}

	out := make([]*call.Call, 0, len(calls))
	for _, c := range calls {
		cp, err := deepCopy(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, c *call.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.calls[c.ID]
	if exists && stored.Version != c.Version {
		return ErrConflict
	}
	if !exists && c.Version != 0 {
		return ErrConflict
	}

	next, err := deepCopy(c)
	if err != nil {
		return err
	}
	next.Version = c.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if next.UpdatedAt.Before(c.UpdatedAt) {
		next.UpdatedAt = c.UpdatedAt
	}
	m.calls[c.ID] = next

	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

// deepCopy clones via JSON. Slow but obviously correct, which is what a test
// double should be.
func deepCopy(c *call.Call) (*call.Call, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("store: copy call: %w", err)
	}
	var out call.Call
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: copy call: %w", err)
	}
	return &out, nil
}
