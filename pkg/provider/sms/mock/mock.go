// Package mock provides a test double for the sms.Sender interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/sms"
)

// Message records one sent SMS.
type Message struct {
	To   string
	Body string
}

// Sender is a mock implementation of sms.Sender.
type Sender struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from Send.
	Err error

	// Sent records every delivered message, in order.
	Sent []Message
}

// Compile-time interface assertion.
var _ sms.Sender = (*Sender)(nil)

// Send implements sms.Sender.
func (s *Sender) Send(_ context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Sent = append(s.Sent, Message{To: to, Body: body})
	return nil
}

// Messages returns a copy of the sent log.
func (s *Sender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.Sent...)
}
