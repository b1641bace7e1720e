package openai

import (
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// ---- constructor ----

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://llm.internal/v1"),
		WithTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// ---- message conversion ----

func TestConvertMessage_System(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: "system", Content: "You are Ada."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

func TestConvertMessage_User(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: "user", Content: "My roof is leaking."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

func TestConvertMessage_Assistant(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: "assistant", Content: "I'm sorry to hear that."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	param, err := convertMessage(llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "set_claim_field", Arguments: `{"field":"damage_type","value":"water"}`},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %s", tc.ID)
	}
	if tc.Function.Name != "set_claim_field" {
		t.Errorf("expected function name set_claim_field, got %s", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"field":"damage_type","value":"water"}` {
		t.Errorf("unexpected arguments: %s", tc.Function.Arguments)
	}
}

func TestConvertMessage_Tool(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: "tool", Content: "ok", ToolCallID: "call_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %s", param.OfTool.ToolCallID)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "narrator", Content: "test"})
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// ---- request params ----

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a claim intake agent.",
		Messages: []llm.Message{
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
}

func TestBuildParams_ToolDefinitions(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Hi"}},
		Tools: []llm.ToolDefinition{
			{
				Name:        "set_claim_field",
				Description: "Record one claim field",
				Parameters:  map[string]any{"type": "object"},
			},
		},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(params.Tools))
	}
	if params.Tools[0].Function.Name != "set_claim_field" {
		t.Errorf("tool name: got %q", params.Tools[0].Function.Name)
	}
}

// ---- capabilities ----

func TestCapabilities_PerModel(t *testing.T) {
	tests := []struct {
		model           string
		wantContext     int
		wantMaxOut      int
		wantToolCalling bool
	}{
		{model: "gpt-4o", wantContext: 128_000, wantMaxOut: 16_384, wantToolCalling: true},
		{model: "gpt-4o-mini", wantContext: 128_000, wantMaxOut: 16_384, wantToolCalling: true},
		{model: "gpt-4", wantContext: 8_192, wantMaxOut: 4_096, wantToolCalling: true},
		{model: "gpt-3.5-turbo", wantContext: 16_385, wantMaxOut: 4_096, wantToolCalling: true},
		{model: "o1-mini", wantContext: 128_000, wantMaxOut: 65_536, wantToolCalling: false},
		{model: "o3", wantContext: 200_000, wantMaxOut: 100_000, wantToolCalling: true},
		{model: "my-custom-model", wantContext: 128_000, wantMaxOut: 4_096, wantToolCalling: true},
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
			if caps.SupportsToolCalling != tt.wantToolCalling {
				t.Errorf("SupportsToolCalling: got %v, want %v", caps.SupportsToolCalling, tt.wantToolCalling)
			}
			if !caps.SupportsStreaming {
				t.Error("SupportsStreaming should be true")
			}
		})
	}
}

// ---- token counting ----

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: "Hello world"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestCountTokens_ToolCallsAddTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	plain, err := p.CountTokens([]llm.Message{{Role: "assistant", Content: "done"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	withTools, err := p.CountTokens([]llm.Message{{
		Role:    "assistant",
		Content: "done",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "set_claim_field", Arguments: `{"field":"city","value":"Hartland"}`},
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if withTools <= plain {
		t.Errorf("tool calls should add tokens: plain=%d withTools=%d", plain, withTools)
	}
}
