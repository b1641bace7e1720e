// Package media bridges the telephony leg to the speech providers.
//
// It owns three concerns the call loop should not: the lifetime of the
// streaming recognition session (including transparent reconnects), strictly
// serialized playback of synthesized sentences with mid-queue cancellation,
// and the placeholder sounds played while the assistant is busy.
package media

import "context"

// Sink is the outbound audio leg of a call. Play blocks until the chunk is
// handed to the transport; implementations must be safe for concurrent use.
type Sink interface {
	Play(ctx context.Context, pcm []byte) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, pcm []byte) error

// Play implements Sink.
func (f SinkFunc) Play(ctx context.Context, pcm []byte) error {
	return f(ctx, pcm)
}
