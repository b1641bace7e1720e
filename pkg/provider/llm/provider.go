// Package llm defines the Provider interface over chat-completion backends.
//
// A provider wraps one remote model endpoint (OpenAI-compatible or any of the
// any-llm backends) and exposes streaming completions with incremental text
// and tool-call deltas. The driver in internal/llm layers tiering, retry, and
// fallback on top; providers stay dumb transports.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the supplied context is cancelled.
package llm

import "context"

// Message is a single entry of the conversation sent to the model.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name optionally identifies the participant.
	Name string

	// ToolCalls are the invocations an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON-encoded
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool's arguments.
	Parameters map[string]any
}

// CompletionRequest carries everything one completion needs.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages with the provider's native
	// system treatment.
	SystemPrompt string

	// Messages is the ordered history; the last entry drives the response.
	Messages []Message

	// Tools offered for this turn. May be nil.
	Tools []ToolDefinition

	// Temperature in [0, 2]; zero means provider default.
	Temperature float64

	// MaxTokens caps completion length; zero means provider default.
	MaxTokens int
}

// Chunk is one fragment of a streaming completion. A chunk may carry text, a
// finish signal, assembled tool calls, or any combination.
type Chunk struct {
	// Text is the incremental content delta.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// or "error" for mid-stream failures (Text then holds the error message).
	FinishReason string

	// ToolCalls carries fully assembled tool invocations. Providers
	// accumulate deltas internally and emit tool calls only when the name and
	// complete argument JSON are present.
	ToolCalls []ToolCall
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the non-streaming result.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ModelCapabilities is static metadata about the underlying model.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
	SupportsStreaming   bool
}

// Provider is the abstraction over one chat-completion backend.
type Provider interface {
	// StreamCompletion sends req and returns a read-only channel of chunks.
	// The channel is closed when generation finishes or ctx is cancelled;
	// callers must drain it. Errors after the stream opened surface as a
	// chunk with FinishReason "error"; the error return covers only failures
	// to start the stream.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context cost of messages. The result need not
	// be exact but must not undercount grossly; the prompt assembler uses it
	// for history truncation.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static model metadata, constant for the lifetime
	// of the provider.
	Capabilities() ModelCapabilities
}
