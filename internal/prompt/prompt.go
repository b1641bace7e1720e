// Package prompt assembles the message list sent to the completion driver.
//
// Assembly is a pure function of the Call and the supplied turn parameters:
// no clocks, no I/O, no randomness. The same inputs always produce the same
// output, which keeps turn behaviour reproducible in tests.
package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

// TokenCounter estimates the context cost of messages. pkg/provider/llm
// providers satisfy it.
type TokenCounter interface {
	CountTokens(messages []pllm.Message) (int, error)
}

// Params are the per-turn inputs that do not live on the Call.
type Params struct {
	// BotPhoneNumber is the number the caller dialed.
	BotPhoneNumber string

	// Today anchors the {date} placeholder.
	Today time.Time

	// RAG holds documentation snippets retrieved during this turn; when
	// non-empty they are appended as a trailing system note.
	RAG []string

	// ReserveTokens is the completion-side budget held back from the context
	// window (expected output plus tool definitions). Zero means a default of
	// 2048.
	ReserveTokens int
}

// Assembler builds completion requests from Call state.
type Assembler struct {
	defaultTpl string
	chatTpl    string
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithTemplates replaces the built-in system templates. Empty strings keep
// the defaults.
func WithTemplates(defaultTpl, chatTpl string) Option {
	return func(a *Assembler) {
		if defaultTpl != "" {
			a.defaultTpl = defaultTpl
		}
		if chatTpl != "" {
			a.chatTpl = chatTpl
		}
	}
}

// NewAssembler returns an assembler with the built-in templates.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{defaultTpl: defaultSystemTpl, chatTpl: chatSystemTpl}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// System renders the full system prompt for c.
func (a *Assembler) System(c *call.Call, p Params) string {
	defaultTpl := a.defaultTpl
	chatTpl := a.chatTpl
	if o := c.Initiate.PromptOverrides["default_system"]; o != "" {
		defaultTpl = o
	}
	if o := c.Initiate.PromptOverrides["chat_system"]; o != "" {
		chatTpl = o
	}

	sub := strings.NewReplacer(
		"{bot_name}", c.Initiate.BotName,
		"{bot_company}", c.Initiate.BotCompany,
		"{date}", p.Today.Format("Monday, 2 January 2006"),
		"{phone_number}", c.Initiate.CallerPhoneNumber,
		"{bot_phone_number}", p.BotPhoneNumber,
		"{default_lang}", c.LangCurrent,
		"{task}", c.Initiate.TaskDescription,
		"{claim}", renderClaim(c),
		"{reminders}", renderReminders(c.Reminders),
	)
	return Normalize(sub.Replace(defaultTpl) + "\n\n" + sub.Replace(chatTpl))
}

// Assemble produces the completion request for the next turn. History is
// truncated from the front so that system prompt, history, and the reserve fit
// within the model context window.
func (a *Assembler) Assemble(c *call.Call, p Params, counter TokenCounter, caps pllm.ModelCapabilities) (pllm.CompletionRequest, error) {
	system := a.System(c, p)

	history := make([]pllm.Message, 0, len(c.Messages)+1)
	for _, m := range c.Messages {
		if conv, ok := convertMessage(m); ok {
			history = append(history, conv)
		}
	}
	if len(p.RAG) > 0 {
		note := strings.ReplaceAll(ragNoteTpl, "{snippets}", "- "+strings.Join(p.RAG, "\n- "))
		history = append(history, pllm.Message{Role: "system", Content: Normalize(note)})
	}

	reserve := p.ReserveTokens
	if reserve <= 0 {
		reserve = 2048
	}
	budget := caps.ContextWindow - reserve
	if budget < 0 {
		budget = 0
	}

	systemCost, err := counter.CountTokens([]pllm.Message{{Role: "system", Content: system}})
	if err != nil {
		return pllm.CompletionRequest{}, fmt.Errorf("prompt: count system tokens: %w", err)
	}
	budget -= systemCost

	start := 0
	for start < len(history) {
		cost, err := counter.CountTokens(history[start:])
		if err != nil {
			return pllm.CompletionRequest{}, fmt.Errorf("prompt: count history tokens: %w", err)
		}
		if cost <= budget {
			break
		}
		start++
	}
	// Never start the window on an orphaned tool result.
	for start < len(history) && history[start].Role == "tool" {
		start++
	}

	return pllm.CompletionRequest{
		SystemPrompt: system,
		Messages:     history[start:],
	}, nil
}

// convertMessage maps one stored message into wire form. Note-action entries
// and empty system notes are skipped.
func convertMessage(m call.Message) (pllm.Message, bool) {
	switch m.Persona {
	case call.PersonaHuman:
		return pllm.Message{Role: "user", Content: Normalize(m.Content)}, true

	case call.PersonaAssistant:
		out := pllm.Message{Role: "assistant", Content: Normalize(call.HistoryContent(m))}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, pllm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		return out, true

	case call.PersonaTool:
		return pllm.Message{Role: "tool", Content: Normalize(m.Content), ToolCallID: m.ToolCallID}, true

	case call.PersonaSystem:
		if strings.TrimSpace(m.Content) == "" {
			return pllm.Message{}, false
		}
		return pllm.Message{Role: "system", Content: Normalize(m.Content)}, true
	}
	return pllm.Message{}, false
}

func renderClaim(c *call.Call) string {
	schema := c.Initiate.ClaimSchema
	if len(schema) == 0 {
		schema = call.DefaultClaimSchema()
	}
	type field struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
		Value       string `json:"value,omitempty"`
	}
	fields := make([]field, 0, len(schema))
	for _, f := range schema {
		fields = append(fields, field{
			Name:        f.Name,
			Type:        string(f.Type),
			Description: f.Description,
			Value:       c.Claim[f.Name],
		})
	}
	b, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

func renderReminders(reminders []call.Reminder) string {
	if len(reminders) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, r := range reminders {
		fmt.Fprintf(&sb, "- %s (due %s, owner %s): %s\n",
			r.Title, r.DueAt.Format("2006-01-02 15:04"), r.Owner, r.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

var (
	controlRe  = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	spaceRunRe = regexp.MustCompile(`[ \t]+`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// Normalize collapses runs of horizontal whitespace, strips control
// characters, and bounds consecutive blank lines while preserving intentional
// line breaks.
func Normalize(s string) string {
	s = controlRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
