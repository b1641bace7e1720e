package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
)

// ErrClosed is returned by bridge operations after Close.
var ErrClosed = errors.New("media: bridge closed")

const (
	reconnectBase = 250 * time.Millisecond
	reconnectMax  = 5 * time.Second
)

// Bridge owns one streaming recognition session for the duration of a call.
// The session is reopened transparently when the backend drops it; consumers
// see one uninterrupted event stream on Events.
//
// Safe for concurrent use.
type Bridge struct {
	provider stt.Provider
	log      *slog.Logger

	events chan stt.Event

	mu      sync.Mutex
	cfg     stt.StreamConfig
	session stt.Session
	closed  bool
	cancel  context.CancelFunc
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.log = log
	}
}

// NewBridge returns a bridge over provider. Call Start before sending audio.
func NewBridge(provider stt.Provider, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		provider: provider,
		log:      slog.Default(),
		events:   make(chan stt.Event, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the recognition session and begins forwarding events. The
// stream stays up until Close or ctx cancellation; dropped sessions are
// reopened with capped backoff.
func (b *Bridge) Start(ctx context.Context, cfg stt.StreamConfig) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.session != nil {
		b.mu.Unlock()
		return errors.New("media: bridge already started")
	}
	b.cfg = cfg
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	session, err := b.provider.StartStream(ctx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("media: start recognition: %w", err)
	}

	b.mu.Lock()
	b.session = session
	b.cancel = cancel
	b.mu.Unlock()

	go b.forward(ctx, session)
	return nil
}

// forward copies session events to the bridge stream, reopening the session
// when its event channel closes while the bridge is still live.
func (b *Bridge) forward(ctx context.Context, session stt.Session) {
	defer close(b.events)
	for {
		for evt := range session.Events() {
			select {
			case b.events <- evt:
			case <-ctx.Done():
				return
			}
		}

		next, err := b.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				b.log.Error("recognition stream lost", "err", err)
			}
			return
		}
		session = next
	}
}

// reconnect reopens the session with backoff. It returns an error only when
// the bridge is closed or the context ends.
func (b *Bridge) reconnect(ctx context.Context) (stt.Session, error) {
	backoff := reconnectBase
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		cfg := b.cfg
		b.mu.Unlock()

		session, err := b.provider.StartStream(ctx, cfg)
		if err == nil {
			b.mu.Lock()
			b.session = session
			b.mu.Unlock()
			b.log.Info("recognition stream reopened", "language", cfg.Language)
			return session, nil
		}
		b.log.Warn("recognition reconnect failed", "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// Events returns the unified recognition stream. Closed when the bridge shuts
// down or the session is lost beyond recovery.
func (b *Bridge) Events() <-chan stt.Event {
	return b.events
}

// SendAudio forwards caller audio to the current session. Audio arriving
// during a reconnect window is dropped; phone audio is only useful live.
func (b *Bridge) SendAudio(chunk []byte) error {
	b.mu.Lock()
	session := b.session
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if session == nil {
		return nil
	}
	// A send error means the session is going down; the forward loop
	// handles the reopen and the caller keeps streaming.
	_ = session.SendAudio(chunk)
	return nil
}

// SetLanguage switches the recognition language. Backends without mid-stream
// switching are closed and reopened with the new language.
func (b *Bridge) SetLanguage(tag string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	session := b.session
	b.cfg.Language = tag
	b.mu.Unlock()

	if session == nil {
		return nil
	}
	err := session.SetLanguage(tag)
	if errors.Is(err, stt.ErrNotSupported) {
		// Closing the session ends its event channel; the forward loop
		// reopens it with the updated config.
		return session.Close()
	}
	if err != nil {
		return fmt.Errorf("media: set language: %w", err)
	}
	return nil
}

// Close shuts the bridge down and releases the session.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	session := b.session
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		return session.Close()
	}
	return nil
}
