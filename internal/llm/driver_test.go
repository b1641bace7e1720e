package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/llm"
	"github.com/voxloop/voxloop/internal/scope"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

// fastBackoff keeps retry delays out of test runtime.
var fastBackoff = scope.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestDriver_StreamPassesChunksThrough(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{
		StreamChunks: []pllm.Chunk{
			{Text: "Hello "},
			{Text: "there.", FinishReason: "stop"},
		},
	}
	d, err := llm.NewDriver(fast, nil, llm.WithBackoff(fastBackoff))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ch, err := d.Stream(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("chunks: got %d, want 2", len(chunks))
	}
	if chunks[0].Text != "Hello " || chunks[1].FinishReason != "stop" {
		t.Errorf("unexpected chunks: %+v", chunks)
	}
}

func TestDriver_StreamRetriesTransientStartFailure(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{
		StreamErr:     errors.New("rate limited"),
		StreamErrOnce: true,
		StreamChunks:  []pllm.Chunk{{Text: "ok", FinishReason: "stop"}},
	}
	d, err := llm.NewDriver(fast, nil, llm.WithBackoff(fastBackoff))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ch, err := d.Stream(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream after retry: %v", err)
	}
	collect(t, ch)
	if got := len(fast.StreamCalls); got != 2 {
		t.Errorf("stream calls: got %d, want 2", got)
	}
}

func TestDriver_StreamFallsBackToOtherTier(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{StreamErr: errors.New("unavailable")}
	slow := &mock.Provider{StreamChunks: []pllm.Chunk{{Text: "slow answer", FinishReason: "stop"}}}

	d, err := llm.NewDriver(fast, slow, llm.WithBackoff(fastBackoff), llm.WithAttempts(2))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ch, err := d.Stream(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 || chunks[0].Text != "slow answer" {
		t.Fatalf("fallback chunks: %+v", chunks)
	}
	if got := len(fast.StreamCalls); got != 2 {
		t.Errorf("fast attempts: got %d, want 2", got)
	}
	if got := len(slow.StreamCalls); got != 1 {
		t.Errorf("slow attempts: got %d, want 1", got)
	}
}

func TestDriver_StreamSkipsTrippedTier(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{StreamErr: errors.New("unavailable")}
	slow := &mock.Provider{StreamChunks: []pllm.Chunk{{Text: "ok", FinishReason: "stop"}}}

	d, err := llm.NewDriver(fast, slow, llm.WithBackoff(fastBackoff), llm.WithAttempts(1))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	// Five failed turns open the fast tier's breaker.
	for i := 0; i < 5; i++ {
		ch, serr := d.Stream(context.Background(), llm.TierFast, pllm.CompletionRequest{})
		if serr != nil {
			t.Fatalf("Stream %d: %v", i, serr)
		}
		collect(t, ch)
	}
	if got := len(fast.StreamCalls); got != 5 {
		t.Fatalf("fast attempts before trip: got %d, want 5", got)
	}

	ch, err := d.Stream(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream with open breaker: %v", err)
	}
	collect(t, ch)
	if got := len(fast.StreamCalls); got != 5 {
		t.Errorf("tripped tier still tried: %d calls", got)
	}
	if got := len(slow.StreamCalls); got != 6 {
		t.Errorf("slow attempts: got %d, want 6", got)
	}
}

func TestDriver_StreamRepairsToolCallArguments(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{
		StreamChunks: []pllm.Chunk{{
			FinishReason: "tool_calls",
			ToolCalls: []pllm.ToolCall{
				{ID: "1", Name: "update_claim", Arguments: `{"field":"policy_number","value":"A-1",`},
				{ID: "2", Name: "end_call", Arguments: `not json {{{]`},
			},
		}},
	}
	d, err := llm.NewDriver(fast, nil, llm.WithBackoff(fastBackoff))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	ch, err := d.Stream(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("chunks: got %d, want 1", len(chunks))
	}
	if len(chunks[0].ToolCalls) != 1 {
		t.Fatalf("valid tool calls: got %d, want 1", len(chunks[0].ToolCalls))
	}
	if got := chunks[0].ToolCalls[0].Arguments; got != `{"field":"policy_number","value":"A-1"}` {
		t.Errorf("repaired arguments: %q", got)
	}
	if len(chunks[0].Invalid) != 1 || chunks[0].Invalid[0].Call.Name != "end_call" {
		t.Errorf("invalid tool calls: %+v", chunks[0].Invalid)
	}
}

func TestDriver_CompleteFallsBack(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{CompleteErr: errors.New("unavailable")}
	slow := &mock.Provider{CompleteResponse: &pllm.CompletionResponse{Content: "summary"}}

	d, err := llm.NewDriver(fast, slow, llm.WithBackoff(fastBackoff), llm.WithAttempts(2))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	resp, err := d.Complete(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "summary" {
		t.Errorf("content: got %q", resp.Content)
	}
}

func TestDriver_CompleteEmptyIsFailure(t *testing.T) {
	t.Parallel()
	fast := &mock.Provider{CompleteResponse: &pllm.CompletionResponse{}}

	d, err := llm.NewDriver(fast, nil, llm.WithBackoff(fastBackoff), llm.WithAttempts(2))
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	_, err = d.Complete(context.Background(), llm.TierFast, pllm.CompletionRequest{})
	if !errors.Is(err, llm.ErrEmpty) {
		t.Errorf("got %v, want ErrEmpty", err)
	}
}
