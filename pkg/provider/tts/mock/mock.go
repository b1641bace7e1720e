// Package mock provides a test double for the tts.Provider interface. Each
// synthesis yields the configured chunks; cancellation drops whatever has not
// been read yet.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the audio every stream emits. Defaults to a single chunk.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned from Synthesize.
	SynthesizeErr error

	// Hold keeps streams from emitting until Release is called. Lets tests
	// cancel mid-synthesis deterministically.
	Hold bool

	// Requests records every Synthesize request, in order.
	Requests []tts.Request

	// Streams records every stream handed out, in order.
	Streams []*Stream
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}

	chunks := p.Chunks
	if chunks == nil {
		chunks = [][]byte{[]byte(req.Text)}
	}
	s := &Stream{
		Request: req,
		audio:   make(chan []byte, len(chunks)),
		done:    make(chan struct{}),
		hold:    make(chan struct{}),
	}
	if !p.Hold {
		close(s.hold)
	}
	go s.run(ctx, chunks)

	p.Requests = append(p.Requests, req)
	p.Streams = append(p.Streams, s)
	return s, nil
}

// RequestCount reports how many Synthesize calls have happened. Safe to poll
// while streams are being created.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// Release lets all held streams proceed.
func (p *Provider) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.Streams {
		s.release()
	}
}

// Stream is a scripted tts.Stream.
type Stream struct {
	// Request is the synthesis request that produced this stream.
	Request tts.Request

	audio chan []byte
	done  chan struct{}
	hold  chan struct{}

	once     sync.Once
	holdOnce sync.Once

	mu        sync.Mutex
	cancelled bool
}

// Compile-time interface assertion.
var _ tts.Stream = (*Stream)(nil)

func (s *Stream) run(ctx context.Context, chunks [][]byte) {
	defer close(s.audio)
	select {
	case <-s.hold:
	case <-s.done:
		return
	case <-ctx.Done():
		return
	}
	for _, c := range chunks {
		select {
		case s.audio <- c:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stream) release() {
	s.holdOnce.Do(func() { close(s.hold) })
}

// Audio implements tts.Stream.
func (s *Stream) Audio() <-chan []byte { return s.audio }

// Cancel implements tts.Stream.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Err implements tts.Stream.
func (s *Stream) Err() error { return nil }

// Cancelled reports whether Cancel was called.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
