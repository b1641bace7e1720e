// Package mock provides a test double for the stt.Provider interface. The
// session plays back a scripted event sequence and records received audio.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Script is the event sequence each new session emits. The channel stays
	// open after the script drains until the session is closed or fed more
	// events via Session.Emit.
	Script []stt.Event

	// StartErr, if non-nil, is returned from StartStream.
	StartErr error

	// Sessions records every opened session, in order.
	Sessions []*Session

	// Configs records the StreamConfig of every StartStream call.
	Configs []stt.StreamConfig
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		events: make(chan stt.Event, 256),
		done:   make(chan struct{}),
	}
	for _, evt := range p.Script {
		s.events <- evt
	}
	p.Sessions = append(p.Sessions, s)
	p.Configs = append(p.Configs, cfg)
	return s, nil
}

// Session returns the nth opened session, nil when fewer exist. Safe to poll
// while sessions are being opened.
func (p *Provider) Session(n int) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) <= n {
		return nil
	}
	return p.Sessions[n]
}

// Session is a scripted stt.Session.
type Session struct {
	mu     sync.Mutex
	events chan stt.Event
	done   chan struct{}
	closed bool

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte

	// Language records the last SetLanguage value.
	Language string
}

// Compile-time interface assertion.
var _ stt.Session = (*Session)(nil)

// Emit feeds an additional event to the session mid-test.
func (s *Session) Emit(evt stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// SendAudio implements stt.Session.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return nil
}

// Events implements stt.Session.
func (s *Session) Events() <-chan stt.Event { return s.events }

// SetLanguage implements stt.Session.
func (s *Session) SetLanguage(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Language = tag
	return nil
}

// Close implements stt.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.events)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
