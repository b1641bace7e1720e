// Package tools is the registry the model's tool calls dispatch through.
//
// Each tool carries a JSON Schema argument descriptor, compiled at
// registration time and enforced before the handler runs. Dispatch of one
// assistant turn runs independent tools concurrently while tools that mutate
// Call state execute serialized, in emission order. Handler failures are not
// Go errors to the orchestrator; they come back as model-visible error
// results so the conversation can recover.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/call"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

// Directives are side effects a tool asks the orchestrator to perform. Tools
// never touch telephony or the queue themselves.
type Directives struct {
	// Cue is a short acknowledgment to speak while the turn continues.
	Cue string

	// EndCall requests a goodbye and hangup after this turn.
	EndCall bool

	// Transfer requests a handover to the configured agent number.
	Transfer bool

	// NewCall requests finalizing this Call and opening a fresh one for the
	// same caller.
	NewCall bool

	// RAGSnippets feed the next prompt assembly as a system note.
	RAGSnippets []string
}

// Result is what a tool invocation produces.
type Result struct {
	// Content is the JSON or text woven into the conversation as the tool
	// message.
	Content string

	// Error is a model-visible failure description. Non-empty means the tool
	// did not take effect.
	Error string

	Directives
}

// Outcome pairs one dispatched call with its result.
type Outcome struct {
	Call   pllm.ToolCall
	Result Result
}

// Invocation is the per-call context handed to handlers. Call is mutated only
// by tools registered as Mutating; the registry serializes those.
type Invocation struct {
	Call *call.Call
	Args string
}

// Handler executes one tool. Returned errors are infrastructure failures;
// business-level rejections belong in Result.Error.
type Handler func(ctx context.Context, inv *Invocation) (Result, error)

// Tool is one registered capability.
type Tool struct {
	Definition pllm.ToolDefinition
	Handler    Handler

	// Mutating marks tools that write Call state and therefore never run
	// concurrently with each other.
	Mutating bool
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry validates and dispatches tool calls. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *slog.Logger
}

// Option configures a [Registry].
type Option func(*Registry)

// WithLogger sets the registry logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t, compiling its argument schema. Re-registering a name
// replaces the previous tool.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a handler", t.Definition.Name)
	}
	schema, err := compileSchema(t.Definition.Name, t.Definition.Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Definition.Name] = &entry{tool: t, schema: schema}
	return nil
}

// RegisterAll registers every tool, stopping at the first failure.
func (r *Registry) RegisterAll(ts []Tool) error {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns the LLM-facing descriptions, sorted by name so prompt
// assembly stays deterministic.
func (r *Registry) Definitions() []pllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]pllm.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Invoke runs a single tool call against cl. Unknown names, schema
// violations, and handler rejections all come back as model-visible errors in
// the Result; the error return is reserved for context cancellation.
func (r *Registry) Invoke(ctx context.Context, cl *call.Call, tc pllm.ToolCall) (Result, error) {
	r.mu.RLock()
	e, ok := r.entries[tc.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool %q", tc.Name)}, nil
	}

	if err := validateArgs(e.schema, tc.Arguments); err != nil {
		return Result{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}

	res, err := e.tool.Handler(ctx, &Invocation{Call: cl, Args: tc.Arguments})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.log.Warn("tool handler failed", "tool", tc.Name, "err", err)
		return Result{Error: err.Error()}, nil
	}
	return res, nil
}

// Dispatch runs every call of one assistant turn. Non-mutating tools run
// concurrently; mutating tools run one after another in emission order.
// Outcomes are returned in emission order regardless.
func (r *Registry) Dispatch(ctx context.Context, cl *call.Call, calls []pllm.ToolCall) ([]Outcome, error) {
	outcomes := make([]Outcome, len(calls))
	for i, tc := range calls {
		outcomes[i].Call = tc
	}

	g, gctx := errgroup.WithContext(ctx)
	var serial []int
	for i, tc := range calls {
		r.mu.RLock()
		e, ok := r.entries[tc.Name]
		r.mu.RUnlock()
		if ok && e.tool.Mutating {
			serial = append(serial, i)
			continue
		}
		g.Go(func() error {
			res, err := r.Invoke(gctx, cl, tc)
			if err != nil {
				return err
			}
			outcomes[i].Result = res
			return nil
		})
	}

	var serialErr error
	for _, i := range serial {
		res, err := r.Invoke(ctx, cl, calls[i])
		if err != nil {
			serialErr = err
			break
		}
		outcomes[i].Result = res
	}

	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, serialErr
}

// compileSchema builds the validator for one tool's parameter descriptor. A
// nil descriptor accepts any object.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tools: marshal %q schema: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: decode %q schema: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: add %q schema: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: compile %q schema: %w", name, err)
	}
	return schema, nil
}

// validateArgs checks one argument payload against the compiled schema.
func validateArgs(schema *jsonschema.Schema, args string) error {
	if args == "" {
		args = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(args)))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(inst)
}
