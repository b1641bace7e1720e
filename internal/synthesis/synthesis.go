// Package synthesis runs the background enrichment of finished calls: the
// post-call summary written back onto the Call document, the SMS report sent
// to the caller, and the Q/A extraction feeding the documentation index.
//
// Workers consume the post_call and training queues. Delivery is at least
// once, so every job is idempotent: a Call that already carries a synthesis
// is acked without a second completion, and extracted documents upsert by
// deterministic ID.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/internal/call"
	"github.com/voxloop/voxloop/internal/llm"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

// synthesisPrompt instructs the slow tier to grade and summarise the call.
// The reply must be a single JSON object so the worker can parse it without
// a second round-trip.
const synthesisPrompt = `You are reviewing a finished phone call between %s, an assistant working for %s, and a caller. Write, in %s:
- "short": one sentence stating the outcome of the call.
- "long": a paragraph summarising what the caller reported, what was decided, and what remains open.
- "satisfaction": the caller's apparent satisfaction, one of "low", "medium", "high", "unknown".
- "improvement_suggestions": one concrete suggestion to handle similar calls better, or an empty string.
Reply with exactly one JSON object holding these four keys and nothing else.`

// Synthesizer produces the post-call summary for one Call.
type Synthesizer struct {
	driver *llm.Driver
}

// NewSynthesizer wraps driver. Completions always use the slow tier; latency
// does not matter here and quality does.
func NewSynthesizer(driver *llm.Driver) *Synthesizer {
	return &Synthesizer{driver: driver}
}

// Synthesize summarises cl's conversation. The transcript is rendered in
// full; post-call work has no context budget pressure comparable to the live
// loop.
func (s *Synthesizer) Synthesize(ctx context.Context, cl *call.Call) (*call.Synthesis, error) {
	req := pllm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(synthesisPrompt,
			cl.Initiate.BotName, cl.Initiate.BotCompany, cl.LangCurrent),
		Messages: []pllm.Message{
			{Role: "user", Content: renderTranscript(cl)},
		},
	}

	resp, err := s.driver.Complete(ctx, llm.TierSlow, req)
	if err != nil {
		return nil, fmt.Errorf("synthesis: complete: %w", err)
	}

	syn, err := parseSynthesis(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("synthesis: parse completion: %w", err)
	}
	return syn, nil
}

// renderTranscript flattens the conversation and the collected claim into a
// plain-text block for the reviewing model.
func renderTranscript(cl *call.Call) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	for _, msg := range cl.Messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Persona {
		case call.PersonaHuman:
			b.WriteString("Caller: ")
		case call.PersonaAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}
	if len(cl.Claim) > 0 {
		b.WriteString("\nClaim fields collected:\n")
		for _, field := range cl.Initiate.ClaimSchema {
			if v := cl.Claim[field.Name]; v != "" {
				fmt.Fprintf(&b, "- %s: %s\n", field.Name, v)
			}
		}
	}
	if cl.Next != nil {
		fmt.Fprintf(&b, "\nOutcome: %s (%s)\n", cl.Next.Action, cl.Next.Justification)
	}
	return b.String()
}

// parseSynthesis decodes the model's JSON reply, tolerating a fenced code
// block around the object.
func parseSynthesis(content string) (*call.Synthesis, error) {
	content = strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(content, "```json"); ok {
		content = after
	} else if after, ok := strings.CutPrefix(content, "```"); ok {
		content = after
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")

	var raw struct {
		Short                  string `json:"short"`
		Long                   string `json:"long"`
		Satisfaction           string `json:"satisfaction"`
		ImprovementSuggestions string `json:"improvement_suggestions"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, err
	}

	sat := call.Satisfaction(raw.Satisfaction)
	switch sat {
	case call.SatisfactionLow, call.SatisfactionMedium, call.SatisfactionHigh:
	default:
		sat = call.SatisfactionUnknown
	}
	return &call.Synthesis{
		Short:                  raw.Short,
		Long:                   raw.Long,
		Satisfaction:           sat,
		ImprovementSuggestions: raw.ImprovementSuggestions,
	}, nil
}
