package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory implements [Queue] in process memory with real visibility-timeout
// semantics. Intended for tests and local development.
type Memory struct {
	mu         sync.Mutex
	seq        int
	queues     map[Kind][]*memMsg
	visibility time.Duration
	now        func() time.Time
}

type memMsg struct {
	receipt   string
	eventID   string
	body      []byte
	attempts  int
	invisible time.Time // zero = visible
	acked     bool
}

// Compile-time interface assertion.
var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-memory queue with the given visibility
// timeout.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		queues:     make(map[Kind][]*memMsg),
		visibility: visibility,
		now:        time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Send implements Queue.
func (m *Memory) Send(_ context.Context, kind Kind, eventID string, body []byte) error {
	if !kind.IsValid() {
		return ErrUnknownQueue
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.queues[kind] = append(m.queues[kind], &memMsg{
		receipt: strconv.Itoa(m.seq),
		eventID: eventID,
		body:    body,
	})
	return nil
}

// Receive implements Queue. Unlike the Redis implementation it never blocks;
// an empty queue returns immediately.
func (m *Memory) Receive(_ context.Context, kind Kind, max int) ([]Message, error) {
	if !kind.IsValid() {
		return nil, ErrUnknownQueue
	}
	if max <= 0 {
		max = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Message
	for _, msg := range m.queues[kind] {
		if len(out) >= max {
			break
		}
		if msg.acked || msg.invisible.After(now) {
			continue
		}
		msg.attempts++
		msg.invisible = now.Add(m.visibility)
		out = append(out, Message{
			Receipt:  msg.receipt,
			Queue:    kind,
			EventID:  msg.eventID,
			Body:     append([]byte(nil), msg.body...),
			Attempts: msg.attempts,
		})
	}
	return out, nil
}

// Ack implements Queue.
func (m *Memory) Ack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(msg); e != nil {
		e.acked = true
	}
	return nil
}

// Nack implements Queue.
func (m *Memory) Nack(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(msg); e != nil {
		e.invisible = time.Time{}
	}
	return nil
}

// Extend implements Queue.
func (m *Memory) Extend(_ context.Context, msg Message, extra time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.find(msg); e != nil {
		e.invisible = m.now().Add(extra)
	}
	return nil
}

func (m *Memory) find(msg Message) *memMsg {
	for _, e := range m.queues[msg.Queue] {
		if e.receipt == msg.Receipt {
			return e
		}
	}
	return nil
}
