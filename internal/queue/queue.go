// Package queue provides typed pull access to the work queues feeding the
// orchestrator: call events, SMS events, post-call jobs, and training jobs.
//
// Delivery is at-least-once with a visibility timeout: a received message is
// invisible to other consumers until acked, nacked, or its visibility lapses.
// Consumers deduplicate with the (call_id, event_id) fingerprint carried in
// the envelope; the queue itself never guarantees exactly-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names one of the typed queues.
type Kind string

const (
	KindCallEvents Kind = "call_events"
	KindSMSEvents  Kind = "sms_events"
	KindPostCall   Kind = "post_call"
	KindTraining   Kind = "training"
)

// IsValid reports whether k names a known queue.
func (k Kind) IsValid() bool {
	switch k {
	case KindCallEvents, KindSMSEvents, KindPostCall, KindTraining:
		return true
	}
	return false
}

// ErrUnknownQueue is returned for operations on an undeclared queue kind.
var ErrUnknownQueue = errors.New("queue: unknown queue kind")

// Message is one received work item. Receipt identifies the delivery (not the
// payload) and is what Ack/Nack/Extend operate on.
type Message struct {
	// Receipt is the broker-assigned delivery handle.
	Receipt string

	// Queue the message was received from.
	Queue Kind

	// EventID is the producer-assigned identifier used for consumer-side
	// deduplication together with the call ID in the payload.
	EventID string

	// Body is the JSON-encoded event payload.
	Body []byte

	// Attempts counts deliveries of this message, starting at 1.
	Attempts int
}

// Decode unmarshals the message body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("queue: decode %s message: %w", m.Queue, err)
	}
	return nil
}

// Queue is the broker abstraction.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Send enqueues body on kind. eventID may be empty, in which case one is
	// generated.
	Send(ctx context.Context, kind Kind, eventID string, body []byte) error

	// Receive returns up to max messages from kind, blocking up to the
	// implementation's poll interval when the queue is empty. Received
	// messages become invisible for the configured visibility timeout.
	Receive(ctx context.Context, kind Kind, max int) ([]Message, error)

	// Ack removes a handled message permanently.
	Ack(ctx context.Context, msg Message) error

	// Nack returns a message to the queue for immediate redelivery.
	Nack(ctx context.Context, msg Message) error

	// Extend pushes the message's visibility deadline out by extra.
	Extend(ctx context.Context, msg Message, extra time.Duration) error
}

// Send marshals v and enqueues it on kind with a fresh event ID, returning
// the ID. Convenience wrapper used by every producer in the codebase.
func Send(ctx context.Context, q Queue, kind Kind, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s message: %w", kind, err)
	}
	eventID := uuid.NewString()
	if err := q.Send(ctx, kind, eventID, body); err != nil {
		return "", err
	}
	return eventID, nil
}
