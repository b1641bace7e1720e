package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/tts"
)

const defaultQueueDepth = 8

// Utterance is one queued synthesis request. It completes when the sentence
// has been played in full, failed, or was cancelled by barge-in.
type Utterance struct {
	Request tts.Request

	gen  uint64
	done chan struct{}

	mu        sync.Mutex
	err       error
	cancelled bool
	played    int // chunks delivered to the sink
}

// Done is closed when the utterance reaches a terminal state.
func (u *Utterance) Done() <-chan struct{} {
	return u.done
}

// Err reports the terminal playback error. Valid after Done closes;
// cancellation is not an error.
func (u *Utterance) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Cancelled reports whether barge-in cut this utterance off. Valid after
// Done closes.
func (u *Utterance) Cancelled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled
}

// PlayedChunks reports how many audio chunks reached the sink, so a caller
// can tell a fully spoken sentence from one cut mid-word.
func (u *Utterance) PlayedChunks() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.played
}

func (u *Utterance) finish(err error, cancelled bool) {
	u.mu.Lock()
	u.err = err
	u.cancelled = cancelled
	u.mu.Unlock()
	close(u.done)
}

// Player serializes synthesized speech onto the call's audio sink. Sentences
// play strictly in enqueue order; Cancel drops everything not yet played,
// including the remaining chunks of the sentence currently playing.
//
// Safe for concurrent use.
type Player struct {
	tts  tts.Provider
	sink Sink
	log  *slog.Logger

	queue chan *Utterance

	mu      sync.Mutex
	gen     uint64
	current tts.Stream
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithQueueDepth bounds how many sentences may wait for playback; Speak
// blocks when the queue is full. Default 8.
func WithQueueDepth(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.queue = make(chan *Utterance, n)
		}
	}
}

// WithPlayerLogger sets the player logger. Defaults to slog.Default.
func WithPlayerLogger(log *slog.Logger) PlayerOption {
	return func(p *Player) {
		p.log = log
	}
}

// NewPlayer returns a player writing to sink. Run must be started for
// playback to happen.
func NewPlayer(provider tts.Provider, sink Sink, opts ...PlayerOption) *Player {
	p := &Player{
		tts:   provider,
		sink:  sink,
		log:   slog.Default(),
		queue: make(chan *Utterance, defaultQueueDepth),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Speak enqueues one sentence. It blocks while the queue is full, which is
// the pipeline's backpressure against a fast model and a slow voice.
func (p *Player) Speak(ctx context.Context, req tts.Request) (*Utterance, error) {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	u := &Utterance{Request: req, gen: gen, done: make(chan struct{})}
	select {
	case p.queue <- u:
		return u, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel drops every queued sentence and stops the one playing now. The
// chunk currently inside the sink finishes; the next one does not play.
// Sentences enqueued after Cancel play normally.
func (p *Player) Cancel() {
	p.mu.Lock()
	p.gen++
	current := p.current
	p.mu.Unlock()

	if current != nil {
		current.Cancel()
	}
}

// Run processes the queue until ctx ends. It returns ctx.Err on shutdown.
func (p *Player) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drainQueue()
			return ctx.Err()
		case u := <-p.queue:
			if p.stale(u) {
				u.finish(nil, true)
				continue
			}
			p.play(ctx, u)
		}
	}
}

func (p *Player) stale(u *Utterance) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return u.gen < p.gen
}

func (p *Player) play(ctx context.Context, u *Utterance) {
	stream, err := p.tts.Synthesize(ctx, u.Request)
	if err != nil {
		u.finish(fmt.Errorf("media: synthesize: %w", err), false)
		return
	}

	p.mu.Lock()
	p.current = stream
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
	}()

	for chunk := range stream.Audio() {
		// Checked per chunk so barge-in takes effect between chunks, not
		// after the sentence flushes.
		if p.stale(u) {
			stream.Cancel()
			for range stream.Audio() {
			}
			u.finish(nil, true)
			return
		}
		if err := p.sink.Play(ctx, chunk); err != nil {
			stream.Cancel()
			for range stream.Audio() {
			}
			u.finish(fmt.Errorf("media: play: %w", err), false)
			return
		}
		u.mu.Lock()
		u.played++
		u.mu.Unlock()
	}

	if err := stream.Err(); err != nil {
		u.finish(fmt.Errorf("media: synthesis stream: %w", err), false)
		return
	}
	u.finish(nil, p.stale(u))
}

// drainQueue terminates utterances still queued at shutdown.
func (p *Player) drainQueue() {
	for {
		select {
		case u := <-p.queue:
			u.finish(nil, true)
		default:
			return
		}
	}
}
