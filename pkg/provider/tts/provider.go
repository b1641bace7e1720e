// Package tts defines the Provider interface for text-to-speech backends.
//
// One synthesis request covers one sentence; sequencing and barge-in
// cancellation across sentences belong to the media bridge, not the provider.
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one utterance to synthesize.
type Request struct {
	// Text is the sentence to speak.
	Text string

	// Language is the BCP 47 tag of Text.
	Language string

	// Voice is the provider-specific voice identifier.
	Voice string

	// Style expresses the emotional tone: "none", "cheerful", "sad".
	// Providers map it onto their native voice parameters; unknown styles
	// fall back to neutral delivery.
	Style string
}

// Stream is one in-flight synthesis. The audio channel is closed when
// synthesis completes, fails, or is cancelled.
type Stream interface {
	// Audio emits raw PCM chunks as they are synthesized. Callers must drain
	// the channel.
	Audio() <-chan []byte

	// Cancel discards buffered audio and stops synthesis. Safe to call more
	// than once and after completion.
	Cancel()

	// Err reports the terminal synthesis error, nil on clean completion or
	// cancellation. Valid after the audio channel closes.
	Err() error
}

// Provider is the abstraction over a TTS backend.
type Provider interface {
	// Synthesize starts one utterance and returns its stream. The error
	// return covers only failures to start.
	Synthesize(ctx context.Context, req Request) (Stream, error)
}
