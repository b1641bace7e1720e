// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider wraps a real-time transcription service and exposes one ordered
// stream of recognition events per session: partials for responsiveness,
// finals for the conversation log, and the silence markers the turn detector
// feeds on. Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned for optional session operations a backend
// cannot perform.
var ErrNotSupported = errors.New("stt: operation not supported")

// EventKind classifies a recognition event.
type EventKind string

const (
	// Partial is a low-latency interim hypothesis; text may change.
	Partial EventKind = "partial"
	// Final is a committed recognition result.
	Final EventKind = "final"
	// Silence marks a detected pause after speech.
	Silence EventKind = "silence"
	// Complete signals the backend considers the utterance finished.
	Complete EventKind = "recognition_complete"
)

// Event is one element of a session's recognition stream.
type Event struct {
	Kind      EventKind
	Text      string
	Language  string // detected BCP 47 tag, when the backend reports one
	Timestamp time.Time
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate in Hz. Telephony audio is typically 8000 or 16000.
	SampleRate int

	// Channels of audio; 1 for phone calls.
	Channels int

	// Language is the BCP 47 recognition language. Empty lets the backend
	// auto-detect, when supported.
	Language string

	// Keywords are vocabulary hints raising recognition probability for
	// domain terms.
	Keywords []string
}

// Session is an open recognition stream. Callers must Close it; all methods
// are safe for concurrent use.
type Session interface {
	// SendAudio delivers raw PCM matching the StreamConfig. Returns an error
	// after Close.
	SendAudio(chunk []byte) error

	// Events returns the ordered recognition stream. Closed when the session
	// ends.
	Events() <-chan Event

	// SetLanguage switches the recognition language mid-session. Backends
	// without mid-stream switching return ErrNotSupported; the caller then
	// reopens the session.
	SetLanguage(tag string) error

	// Close flushes pending audio and releases the session. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over an STT backend.
type Provider interface {
	// StartStream opens a session ready to accept audio.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
