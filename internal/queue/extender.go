package queue

import (
	"context"
	"log/slog"
	"time"
)

// Extender keeps one message's visibility alive while it is being processed.
// It runs as a sub-task of the call scope: when the scope ends (the context is
// cancelled) or Stop is called, extension stops.
type Extender struct {
	done    chan struct{}
	stopped chan struct{}
}

// NewExtender starts extending msg's visibility by extra at intervals of
// extra/2.
func NewExtender(ctx context.Context, q Queue, msg Message, extra time.Duration) *Extender {
	e := &Extender{
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(e.stopped)
		ticker := time.NewTicker(extra / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-ticker.C:
				if err := q.Extend(ctx, msg, extra); err != nil {
					slog.Warn("visibility extension failed", "queue", msg.Queue, "receipt", msg.Receipt, "err", err)
				}
			}
		}
	}()
	return e
}

// Stop ends extension and waits for the background goroutine to exit.
func (e *Extender) Stop() {
	close(e.done)
	<-e.stopped
}
