package tools_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/tools"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

func testCall(t *testing.T) *call.Call {
	t.Helper()
	return call.New(call.Initiate{
		BotName:           "Eva",
		BotCompany:        "Contoso",
		CallerPhoneNumber: "+33612345678",
		AgentPhoneNumber:  "+33700000000",
		Languages:         []string{"fr-FR", "en-US"},
		LanguageDefault:   "fr-FR",
	})
}

func echoTool(name string, mutating bool) tools.Tool {
	return tools.Tool{
		Mutating: mutating,
		Definition: pllm.ToolDefinition{
			Name: name,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"value": map[string]any{"type": "string"},
				},
				"required":             []any{"value"},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, inv *tools.Invocation) (tools.Result, error) {
			return tools.Result{Content: inv.Args}, nil
		},
	}
}

func TestRegistry_InvokeValidatesArguments(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	if err := r.Register(echoTool("echo", false)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cl := testCall(t)

	// Valid arguments pass through.
	res, err := r.Invoke(context.Background(), cl, pllm.ToolCall{Name: "echo", Arguments: `{"value":"hi"}`})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error != "" || res.Content != `{"value":"hi"}` {
		t.Errorf("result: %+v", res)
	}

	// Schema violations are model-visible, not fatal.
	res, err = r.Invoke(context.Background(), cl, pllm.ToolCall{Name: "echo", Arguments: `{"wrong":1}`})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error == "" {
		t.Error("schema violation was not reported")
	}

	// So are unknown tools.
	res, err = r.Invoke(context.Background(), cl, pllm.ToolCall{Name: "nope", Arguments: `{}`})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("error: %q", res.Error)
	}
}

func TestRegistry_DefinitionsSortedByName(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoTool(name, false)); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Errorf("definitions: %+v", defs)
	}
}

func TestRegistry_DispatchSerializesMutatingTools(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()

	var inside, maxSeen atomic.Int32
	mutating := tools.Tool{
		Mutating: true,
		Definition: pllm.ToolDefinition{
			Name:       "mutate",
			Parameters: map[string]any{"type": "object"},
		},
		Handler: func(_ context.Context, _ *tools.Invocation) (tools.Result, error) {
			cur := inside.Add(1)
			for {
				m := maxSeen.Load()
				if cur <= m || maxSeen.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			return tools.Result{Content: "ok"}, nil
		},
	}
	if err := r.Register(mutating); err != nil {
		t.Fatalf("Register: %v", err)
	}

	calls := make([]pllm.ToolCall, 6)
	for i := range calls {
		calls[i] = pllm.ToolCall{ID: "c", Name: "mutate", Arguments: "{}"}
	}
	outcomes, err := r.Dispatch(context.Background(), testCall(t), calls)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(outcomes) != 6 {
		t.Fatalf("outcomes: %d", len(outcomes))
	}
	if got := maxSeen.Load(); got != 1 {
		t.Errorf("mutating tools overlapped: max concurrency %d", got)
	}
}

func TestRegistry_DispatchRunsIndependentToolsConcurrently(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()

	const n = 4
	var entered atomic.Int32
	gate := make(chan struct{})
	slow := tools.Tool{
		Definition: pllm.ToolDefinition{
			Name:       "slow",
			Parameters: map[string]any{"type": "object"},
		},
		Handler: func(ctx context.Context, _ *tools.Invocation) (tools.Result, error) {
			// Every invocation must arrive before any may leave.
			if entered.Add(1) == n {
				close(gate)
			}
			select {
			case <-gate:
			case <-ctx.Done():
				return tools.Result{}, ctx.Err()
			}
			return tools.Result{Content: "done"}, nil
		},
	}
	if err := r.Register(slow); err != nil {
		t.Fatalf("Register: %v", err)
	}

	calls := make([]pllm.ToolCall, n)
	for i := range calls {
		calls[i] = pllm.ToolCall{Name: "slow", Arguments: "{}"}
	}
	outcomes, err := r.Dispatch(context.Background(), testCall(t), calls)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i, o := range outcomes {
		if o.Result.Content != "done" {
			t.Errorf("outcome %d: %+v", i, o.Result)
		}
	}
}

func TestRegistry_DispatchPreservesEmissionOrder(t *testing.T) {
	t.Parallel()
	r := tools.NewRegistry()
	if err := r.Register(echoTool("echo", false)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool("mut", true)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	calls := []pllm.ToolCall{
		{Name: "echo", Arguments: `{"value":"a"}`},
		{Name: "mut", Arguments: `{"value":"b"}`},
		{Name: "echo", Arguments: `{"value":"c"}`},
	}
	outcomes, err := r.Dispatch(context.Background(), testCall(t), calls)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if !strings.Contains(outcomes[i].Result.Content, want) {
			t.Errorf("outcome %d: %+v, want value %q", i, outcomes[i].Result, want)
		}
	}
}
