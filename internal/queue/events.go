package queue

import "time"

// Event payloads carried by the typed queues. The telephony gateway adapter
// produces the first two; the API and the orchestrator produce the rest.

// IncomingCall starts an orchestrator for a new or resumed call.
type IncomingCall struct {
	CallerPhone   string `json:"caller_phone"`
	CalleePhone   string `json:"callee_phone"`
	CorrelationID string `json:"correlation_id"`

	// Outbound is true when the call originates from an API request rather
	// than the phone network; the gateway dials the caller instead.
	Outbound bool `json:"outbound,omitempty"`

	// CallID pins the event to an already-created Call (outbound dialing).
	CallID string `json:"call_id,omitempty"`
}

// MediaKind enumerates telephony-side media lifecycle events.
type MediaKind string

const (
	MediaConnected        MediaKind = "connected"
	MediaHangup           MediaKind = "hangup"
	MediaTransferred      MediaKind = "transferred"
	MediaRecordingStarted MediaKind = "recording_started"
	MediaRecordingStopped MediaKind = "recording_stopped"
)

// MediaEvent drives call lifecycle transitions from the gateway.
type MediaEvent struct {
	CallID  string    `json:"call_id"`
	Kind    MediaKind `json:"kind"`
	Payload string    `json:"payload,omitempty"`
}

// CallEventType discriminates the payload families sharing the call_events
// queue.
type CallEventType string

const (
	EventIncomingCall CallEventType = "incoming_call"
	EventMedia        CallEventType = "media_event"
)

// CallEvent is the envelope carried on the call_events queue. Exactly one of
// the payload fields is set, selected by Type.
type CallEvent struct {
	Type     CallEventType `json:"type"`
	Incoming *IncomingCall `json:"incoming_call,omitempty"`
	Media    *MediaEvent   `json:"media_event,omitempty"`
}

// InboundSMS is a text message received from the phone network.
type InboundSMS struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// JobKind enumerates background job families enqueued at call end.
type JobKind string

const (
	JobSynthesis JobKind = "synthesis"
	JobTraining  JobKind = "training"
)

// PostCallJob asks the background worker to enrich a closed Call.
type PostCallJob struct {
	CallID string  `json:"call_id"`
	Kind   JobKind `json:"kind"`
}
