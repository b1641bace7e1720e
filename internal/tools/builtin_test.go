package tools_test

import (
	"context"
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/tools"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	smsmock "github.com/voxloop/voxloop/pkg/provider/sms/mock"
)

// stubSearcher returns fixed snippets.
type stubSearcher struct {
	snippets []string
	queries  []string
}

func (s *stubSearcher) Search(_ context.Context, query string, _ int) ([]string, error) {
	s.queries = append(s.queries, query)
	return s.snippets, nil
}

func builtinRegistry(t *testing.T, deps tools.BuiltinDeps) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	if err := r.RegisterAll(tools.Builtins(deps)); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return r
}

func invoke(t *testing.T, r *tools.Registry, cl *call.Call, name, args string) tools.Result {
	t.Helper()
	res, err := r.Invoke(context.Background(), cl, pllm.ToolCall{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("Invoke(%s): %v", name, err)
	}
	return res
}

func TestUpdateClaim(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t, tools.BuiltinDeps{})
	cl := testCall(t)

	res := invoke(t, r, cl, "update_claim", `{"field":"policy_number","value":"A-123"}`)
	if res.Error != "" {
		t.Fatalf("error: %q", res.Error)
	}
	if cl.Claim["policy_number"] != "A-123" {
		t.Errorf("claim: %v", cl.Claim)
	}
	if res.Cue == "" {
		t.Error("no acknowledgment cue")
	}

	// Unknown field is rejected without mutating the claim.
	res = invoke(t, r, cl, "update_claim", `{"field":"favorite_color","value":"blue"}`)
	if res.Error == "" {
		t.Error("unknown field accepted")
	}
	if _, ok := cl.Claim["favorite_color"]; ok {
		t.Error("claim mutated on rejection")
	}

	// Type violation is model-visible.
	res = invoke(t, r, cl, "update_claim", `{"field":"policyholder_email","value":"not an email"}`)
	if res.Error == "" {
		t.Error("invalid email accepted")
	}
}

func TestEndCallAndTransferDirectives(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t, tools.BuiltinDeps{})
	cl := testCall(t)

	if res := invoke(t, r, cl, "end_call", `{}`); !res.EndCall {
		t.Errorf("end_call result: %+v", res)
	}
	if res := invoke(t, r, cl, "talk_to_human", `{}`); !res.Transfer {
		t.Errorf("talk_to_human result: %+v", res)
	}
	if res := invoke(t, r, cl, "new_claim", `{}`); !res.NewCall {
		t.Errorf("new_claim result: %+v", res)
	}
}

func TestTalkToHumanWithoutAgentNumber(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t, tools.BuiltinDeps{})
	cl := call.New(call.Initiate{
		CallerPhoneNumber: "+33612345678",
		Languages:         []string{"fr-FR"},
	})

	res := invoke(t, r, cl, "talk_to_human", `{}`)
	if res.Error == "" || res.Transfer {
		t.Errorf("result: %+v", res)
	}
}

func TestReminders(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t, tools.BuiltinDeps{})
	cl := testCall(t)

	res := invoke(t, r, cl, "new_reminder",
		`{"title":"Send documents","due_at":"2026-09-01 10:00","owner":"human","description":"Photos of the damage"}`)
	if res.Error != "" {
		t.Fatalf("error: %q", res.Error)
	}
	if len(cl.Reminders) != 1 || cl.Reminders[0].Title != "Send documents" {
		t.Fatalf("reminders: %+v", cl.Reminders)
	}

	res = invoke(t, r, cl, "updated_reminder", `{"index":0,"due_at":"2026-09-03 09:00"}`)
	if res.Error != "" {
		t.Fatalf("error: %q", res.Error)
	}
	if got := cl.Reminders[0].DueAt.Format("2006-01-02 15:04"); got != "2026-09-03 09:00" {
		t.Errorf("due: %q", got)
	}

	// Out-of-range index is model-visible.
	res = invoke(t, r, cl, "updated_reminder", `{"index":5}`)
	if res.Error == "" {
		t.Error("out-of-range index accepted")
	}

	// Bad datetime is model-visible.
	res = invoke(t, r, cl, "new_reminder", `{"title":"x","due_at":"tomorrowish","owner":"human"}`)
	if res.Error == "" {
		t.Error("invalid datetime accepted")
	}
}

func TestSearchDocuments(t *testing.T) {
	t.Parallel()
	searcher := &stubSearcher{snippets: []string{"Glass damage is covered.", "Deductible is 150 euro."}}
	r := builtinRegistry(t, tools.BuiltinDeps{Search: searcher})
	cl := testCall(t)

	res := invoke(t, r, cl, "search_documents", `{"query":"glass coverage"}`)
	if res.Error != "" {
		t.Fatalf("error: %q", res.Error)
	}
	if len(res.RAGSnippets) != 2 {
		t.Errorf("snippets: %v", res.RAGSnippets)
	}
	if !strings.Contains(res.Content, "Glass damage is covered.") {
		t.Errorf("content: %q", res.Content)
	}
	if len(searcher.queries) != 1 || searcher.queries[0] != "glass coverage" {
		t.Errorf("queries: %v", searcher.queries)
	}
}

func TestSendSMS(t *testing.T) {
	t.Parallel()
	sender := &smsmock.Sender{}
	r := builtinRegistry(t, tools.BuiltinDeps{SMS: sender})
	cl := testCall(t)

	res := invoke(t, r, cl, "send_sms", `{"text":"Your claim reference is A-123."}`)
	if res.Error != "" {
		t.Fatalf("error: %q", res.Error)
	}
	msgs := sender.Messages()
	if len(msgs) != 1 || msgs[0].To != "+33612345678" {
		t.Fatalf("messages: %+v", msgs)
	}

	// Empty body is rejected before the provider is reached.
	res = invoke(t, r, cl, "send_sms", `{"text":"  "}`)
	if res.Error == "" {
		t.Error("empty sms accepted")
	}
	if len(sender.Messages()) != 1 {
		t.Error("provider called for empty sms")
	}
}

func TestBuiltins_OptionalToolsOmittedWithoutDeps(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t, tools.BuiltinDeps{})
	for _, def := range r.Definitions() {
		if def.Name == "search_documents" || def.Name == "send_sms" {
			t.Errorf("tool %q registered without its dependency", def.Name)
		}
	}
}
