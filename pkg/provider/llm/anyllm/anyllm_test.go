package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// ---- constructor ----

func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty backend name")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("watson", "some-model", anyllmlib.WithAPIKey("test-key"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
	if !strings.Contains(err.Error(), "watson") {
		t.Errorf("error should name the backend, got: %v", err)
	}
}

func TestNew_SupportedBackends(t *testing.T) {
	backends := []string{"openai", "anthropic", "gemini", "mistral", "groq"}
	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			p, err := New(name, "some-model", anyllmlib.WithAPIKey("test-key"))
			if err != nil {
				t.Fatalf("New(%q): %v", name, err)
			}
			if p == nil {
				t.Fatal("expected non-nil provider")
			}
		})
	}
}

func TestNew_Ollama_BaseURLOnly(t *testing.T) {
	p, err := New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://localhost:11434"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestNew_BackendNameCaseInsensitive(t *testing.T) {
	_, err := New("Groq", "llama-3.3-70b-versatile", anyllmlib.WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("New with mixed-case backend name: %v", err)
	}
}

// ---- message conversion ----

func TestConvertMessage_PlainRoles(t *testing.T) {
	tests := []struct {
		role    string
		content string
	}{
		{role: "system", content: "You are Ada, a claim intake agent."},
		{role: "user", content: "My basement flooded last night."},
		{role: "assistant", content: "I'm sorry to hear that. When did it start?"},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			msg := convertMessage(llm.Message{Role: tt.role, Content: tt.content})
			if msg.Role != tt.role {
				t.Errorf("role: got %q, want %q", msg.Role, tt.role)
			}
			if msg.Content != tt.content {
				t.Errorf("content: got %q", msg.Content)
			}
			if len(msg.ToolCalls) != 0 {
				t.Errorf("expected no tool calls, got %d", len(msg.ToolCalls))
			}
		})
	}
}

func TestConvertMessage_ToolResponse(t *testing.T) {
	msg := convertMessage(llm.Message{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_7"})
	if msg.Role != "tool" {
		t.Errorf("role: got %q, want 'tool'", msg.Role)
	}
	if msg.ToolCallID != "call_7" {
		t.Errorf("tool call ID: got %q, want 'call_7'", msg.ToolCallID)
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := convertMessage(llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "set_claim_field", Arguments: `{"field":"policy_number"}`},
			{ID: "call_2", Name: "request_clarification", Arguments: `{}`},
		},
	})
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(msg.ToolCalls))
	}
	first := msg.ToolCalls[0]
	if first.ID != "call_1" {
		t.Errorf("ID: got %q, want 'call_1'", first.ID)
	}
	if first.Type != "function" {
		t.Errorf("type: got %q, want 'function'", first.Type)
	}
	if first.Function.Name != "set_claim_field" {
		t.Errorf("function name: got %q", first.Function.Name)
	}
	if first.Function.Arguments != `{"field":"policy_number"}` {
		t.Errorf("arguments: got %q", first.Function.Arguments)
	}
}

// ---- request params ----

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "claude-sonnet-4-0"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a claim intake agent.",
		Messages: []llm.Message{
			{Role: "user", Content: "Hello"},
		},
	})
	if params.Model != "claude-sonnet-4-0" {
		t.Errorf("model: got %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role: got %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" {
		t.Errorf("second message role: got %q, want user", params.Messages[1].Role)
	}
}

func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Hi"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
}

func TestBuildParams_TemperatureAndMaxTokens(t *testing.T) {
	p := &Provider{model: "m"}

	params := p.buildParams(llm.CompletionRequest{Temperature: 0.7, MaxTokens: 256})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature: got %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens: got %v, want 256", params.MaxTokens)
	}

	// Zero values mean provider defaults and must stay unset.
	params = p.buildParams(llm.CompletionRequest{})
	if params.Temperature != nil {
		t.Error("zero temperature should leave the param unset")
	}
	if params.MaxTokens != nil {
		t.Error("zero max tokens should leave the param unset")
	}
}

func TestBuildParams_Tools(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{
		Tools: []llm.ToolDefinition{
			{
				Name:        "set_claim_field",
				Description: "Record one claim field",
				Parameters:  map[string]any{"type": "object"},
			},
		},
	})
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	tool := params.Tools[0]
	if tool.Type != "function" {
		t.Errorf("tool type: got %q, want 'function'", tool.Type)
	}
	if tool.Function.Name != "set_claim_field" {
		t.Errorf("tool name: got %q", tool.Function.Name)
	}
	if tool.Function.Description != "Record one claim field" {
		t.Errorf("tool description: got %q", tool.Function.Description)
	}
}

// ---- capabilities ----

func TestCapabilities_PerModel(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
		wantMaxOut  int
	}{
		{model: "gpt-4o", wantContext: 128_000, wantMaxOut: 16_384},
		{model: "claude-sonnet-4-0", wantContext: 200_000, wantMaxOut: 8_192},
		{model: "gemini-1.5-pro", wantContext: 2_097_152, wantMaxOut: 8_192},
		{model: "gemini-2.0-flash", wantContext: 1_048_576, wantMaxOut: 8_192},
		{model: "mistral-large-latest", wantContext: 32_000, wantMaxOut: 4_096},
		{model: "llama-3.3-70b-versatile", wantContext: 128_000, wantMaxOut: 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p := &Provider{model: tt.model}
			caps := p.Capabilities()
			if caps.ContextWindow != tt.wantContext {
				t.Errorf("ContextWindow: got %d, want %d", caps.ContextWindow, tt.wantContext)
			}
			if caps.MaxOutputTokens != tt.wantMaxOut {
				t.Errorf("MaxOutputTokens: got %d, want %d", caps.MaxOutputTokens, tt.wantMaxOut)
			}
			if !caps.SupportsStreaming || !caps.SupportsToolCalling {
				t.Error("streaming and tool calling should both be supported")
			}
		})
	}
}

// ---- token counting ----

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "m"}
	count, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "My roof is leaking after the storm."},
		{Role: "assistant", Content: "Understood. What is your policy number?"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 8 { // at least the per-message overhead
		t.Errorf("expected count > 8, got %d", count)
	}
}
