// Package mock provides a test double for the llm.Provider interface.
//
// Zero values for response fields make methods return zero values and nil
// errors; set the Err fields to inject failures. Configure fields before
// handing the mock to code under test.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// StreamChunks is the sequence emitted on the channel returned by
	// StreamCompletion. All chunks are sent before the channel closes.
	StreamChunks []llm.Chunk

	// StreamScript, when set, overrides StreamChunks: call n uses
	// StreamScript[min(n, len-1)]. Lets one mock fail the first attempt and
	// succeed the retry.
	StreamScript [][]llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// StreamErrOnce makes StreamErr fire only on the first call.
	StreamErrOnce bool

	// HoldFirstStream keeps the first stream's channel open after its chunks
	// until the request context is cancelled. Later streams close normally.
	HoldFirstStream bool

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned from Complete.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// Call records, in order.
	StreamCalls   []StreamCall
	CompleteCalls []CompleteCall
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// StreamCompletion records the call and plays back the configured chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	call := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})

	if p.StreamErr != nil && (!p.StreamErrOnce || call == 0) {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}

	src := p.StreamChunks
	if len(p.StreamScript) > 0 {
		idx := call
		if idx >= len(p.StreamScript) {
			idx = len(p.StreamScript) - 1
		}
		src = p.StreamScript[idx]
	}
	chunks := make([]llm.Chunk, len(src))
	copy(chunks, src)
	hold := p.HoldFirstStream && call == 0
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// StreamContext returns the context passed to stream call n, or nil when that
// call has not happened yet. Safe while streams are still being opened.
func (p *Provider) StreamContext(n int) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 || n >= len(p.StreamCalls) {
		return nil
	}
	return p.StreamCalls[n].Ctx
}

// Complete records the call and returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns TokenCount, or a length-based estimate when unset.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Capabilities returns ModelCapabilities, defaulting to a generous streaming
// tool-calling model when unset.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelCapabilities == (llm.ModelCapabilities{}) {
		return llm.ModelCapabilities{
			ContextWindow:       128_000,
			MaxOutputTokens:     4_096,
			SupportsToolCalling: true,
			SupportsStreaming:   true,
		}
	}
	return p.ModelCapabilities
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
}
