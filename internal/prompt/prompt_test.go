package prompt_test

import (
	"strings"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/prompt"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

func testCall(t *testing.T) *call.Call {
	t.Helper()
	return call.New(call.Initiate{
		BotName:           "Eva",
		BotCompany:        "Contoso Assurance",
		AgentPhoneNumber:  "+33700000001",
		CallerPhoneNumber: "+33612345678",
		LanguageDefault:   "fr-FR",
		Languages:         []string{"fr-FR", "en-US"},
		TaskDescription:   "Collect the claim details.",
		ClaimSchema: []call.ClaimField{
			{Name: "policy_number", Type: call.FieldText},
		},
	})
}

var testParams = prompt.Params{
	BotPhoneNumber: "+33700000000",
	Today:          time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
}

func TestAssembler_SystemSubstitutesPlaceholders(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	c.Claim["policy_number"] = "A-123"

	got := prompt.NewAssembler().System(c, testParams)

	for _, want := range []string{
		"Eva", "Contoso Assurance", "Saturday, 14 March 2026",
		"+33612345678", "+33700000000", "fr-FR",
		"Collect the claim details.", "policy_number", "A-123",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("system prompt missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "{") {
		t.Errorf("unsubstituted placeholder remains:\n%s", got)
	}
}

func TestAssembler_SystemIsDeterministic(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	a := prompt.NewAssembler()

	first := a.System(c, testParams)
	for i := 0; i < 5; i++ {
		if got := a.System(c, testParams); got != first {
			t.Fatal("System is not deterministic")
		}
	}
}

func TestAssembler_SystemHonorsOverrides(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	c.Initiate.PromptOverrides = map[string]string{
		"default_system": "You are {bot_name}.",
		"chat_system":    "Do the thing.",
	}

	got := prompt.NewAssembler().System(c, testParams)
	if want := "You are Eva.\n\nDo the thing."; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAssembler_AssembleConvertsHistory(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Action: call.ActionTalk, Content: "My policy is A-123."})
	c.AppendMessage(call.Message{
		Persona: call.PersonaAssistant, Action: call.ActionTalk, Style: call.StyleCheerful,
		Content:   "Noted!",
		ToolCalls: []call.ToolCall{{ID: "t1", Name: "update_claim", Arguments: `{"field":"policy_number","value":"A-123"}`}},
	})
	c.AppendMessage(call.Message{Persona: call.PersonaTool, ToolCallID: "t1", Content: "claim updated"})

	req, err := prompt.NewAssembler().Assemble(c, testParams, &mock.Provider{}, pllm.ModelCapabilities{ContextWindow: 128_000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages: got %d, want 3", len(req.Messages))
	}
	if req.Messages[0].Role != "user" || req.Messages[0].Content != "My policy is A-123." {
		t.Errorf("user message: %+v", req.Messages[0])
	}
	asst := req.Messages[1]
	if asst.Role != "assistant" || !strings.HasPrefix(asst.Content, "action=talk style=cheerful ") {
		t.Errorf("assistant message: %+v", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Name != "update_claim" {
		t.Errorf("assistant tool calls: %+v", asst.ToolCalls)
	}
	if req.Messages[2].Role != "tool" || req.Messages[2].ToolCallID != "t1" {
		t.Errorf("tool message: %+v", req.Messages[2])
	}
}

func TestAssembler_AssembleTruncatesOldHistory(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	for i := 0; i < 40; i++ {
		c.AppendMessage(call.Message{Persona: call.PersonaHuman, Action: call.ActionTalk, Content: strings.Repeat("word ", 100)})
	}

	// Tiny window forces truncation; the mock counts ~4 chars per token.
	req, err := prompt.NewAssembler().Assemble(c, prompt.Params{Today: testParams.Today, ReserveTokens: 100},
		&mock.Provider{}, pllm.ModelCapabilities{ContextWindow: 2_000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(req.Messages) == 0 {
		t.Fatal("all history truncated")
	}
	if len(req.Messages) >= 40 {
		t.Fatalf("no truncation happened: %d messages kept", len(req.Messages))
	}
	// The newest message always survives.
	if got := req.Messages[len(req.Messages)-1].Content; !strings.HasPrefix(got, "word ") {
		t.Errorf("tail message: %q", got)
	}
}

func TestAssembler_AssembleNeverStartsOnToolResult(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	c.AppendMessage(call.Message{
		Persona: call.PersonaAssistant, Action: call.ActionTalk,
		Content:   strings.Repeat("long preamble ", 200),
		ToolCalls: []call.ToolCall{{ID: "t1", Name: "update_claim", Arguments: "{}"}},
	})
	c.AppendMessage(call.Message{Persona: call.PersonaTool, ToolCallID: "t1", Content: "ok"})
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Action: call.ActionTalk, Content: "thanks"})

	// Window small enough to drop the assistant message.
	req, err := prompt.NewAssembler().Assemble(c, prompt.Params{Today: testParams.Today, ReserveTokens: 10},
		&mock.Provider{}, pllm.ModelCapabilities{ContextWindow: 800})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, m := range req.Messages {
		if m.Role == "tool" {
			t.Fatalf("orphaned tool message survived truncation: %+v", req.Messages)
		}
	}
}

func TestAssembler_AssembleAppendsRAGNote(t *testing.T) {
	t.Parallel()
	c := testCall(t)
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Action: call.ActionTalk, Content: "What is covered?"})

	req, err := prompt.NewAssembler().Assemble(c, prompt.Params{
		Today: testParams.Today,
		RAG:   []string{"Water damage is covered up to 10000 EUR."},
	}, &mock.Provider{}, pllm.ModelCapabilities{ContextWindow: 128_000})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "system" || !strings.Contains(last.Content, "Water damage") {
		t.Errorf("RAG note: %+v", last)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "collapses spaces", in: "a   b\t\tc", want: "a b c"},
		{name: "keeps single newlines", in: "line one\nline two", want: "line one\nline two"},
		{name: "bounds blank runs", in: "a\n\n\n\n\nb", want: "a\n\nb"},
		{name: "strips control chars", in: "a\x00b\x07c", want: "abc"},
		{name: "trims edges", in: "  hello  \n", want: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := prompt.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
