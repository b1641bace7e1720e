package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/sms"
)

// DocumentSearcher retrieves documentation snippets for search_documents.
type DocumentSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// BuiltinDeps are the external surfaces the built-in tools reach.
type BuiltinDeps struct {
	// SMS delivers send_sms messages. Nil disables the tool.
	SMS sms.Sender

	// Search backs search_documents. Nil disables the tool.
	Search DocumentSearcher

	// SearchLimit caps retrieved snippets. Default 4.
	SearchLimit int
}

// reminderDatetimeLayouts mirror the formats the model is prompted to emit.
var reminderDatetimeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"}

// Builtins returns the built-in tool set. Tools whose dependency is missing
// are omitted rather than registered broken.
func Builtins(deps BuiltinDeps) []Tool {
	if deps.SearchLimit <= 0 {
		deps.SearchLimit = 4
	}

	ts := []Tool{
		updateClaimTool(),
		newClaimTool(),
		talkToHumanTool(),
		endCallTool(),
		newReminderTool(),
		updatedReminderTool(),
	}
	if deps.Search != nil {
		ts = append(ts, searchDocumentsTool(deps.Search, deps.SearchLimit))
	}
	if deps.SMS != nil {
		ts = append(ts, sendSMSTool(deps.SMS))
	}
	return ts
}

func updateClaimTool() Tool {
	return Tool{
		Mutating: true,
		Definition: pllm.ToolDefinition{
			Name:        "update_claim",
			Description: "Record or correct one claim field the caller just provided. Call it as soon as the caller states a value; never invent values.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"field": map[string]any{
						"type":        "string",
						"description": "Claim schema field name, for example policy_number.",
					},
					"value": map[string]any{
						"type":        "string",
						"description": "The value in the caller's words.",
					},
				},
				"required":             []any{"field", "value"},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, inv *Invocation) (Result, error) {
			var p struct {
				Field string `json:"field"`
				Value string `json:"value"`
			}
			if err := json.Unmarshal([]byte(inv.Args), &p); err != nil {
				return Result{Error: fmt.Sprintf("decode arguments: %v", err)}, nil
			}
			if err := inv.Call.SetClaim(p.Field, p.Value); err != nil {
				return Result{Error: err.Error()}, nil
			}
			return Result{
				Content:    fmt.Sprintf(`{"field":%q,"value":%q,"status":"updated"}`, p.Field, inv.Call.Claim[p.Field]),
				Directives: Directives{Cue: "Noted."},
			}, nil
		},
	}
}

func newClaimTool() Tool {
	return Tool{
		Mutating: true,
		Definition: pllm.ToolDefinition{
			Name:        "new_claim",
			Description: "Close the current claim file and open a fresh one for the same caller. Use when the caller reports a second, unrelated incident.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, _ *Invocation) (Result, error) {
			return Result{
				Content:    `{"status":"new claim file opened"}`,
				Directives: Directives{NewCall: true, Cue: "Let me open a new file for that."},
			}, nil
		},
	}
}

func talkToHumanTool() Tool {
	return Tool{
		Definition: pllm.ToolDefinition{
			Name:        "talk_to_human",
			Description: "Transfer the caller to a human agent. Use when the caller insists or the request is beyond your task.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, inv *Invocation) (Result, error) {
			if inv.Call.Initiate.AgentPhoneNumber == "" {
				return Result{Error: "no agent phone number is configured for this call"}, nil
			}
			return Result{
				Content:    `{"status":"transfer requested"}`,
				Directives: Directives{Transfer: true},
			}, nil
		},
	}
}

func endCallTool() Tool {
	return Tool{
		Definition: pllm.ToolDefinition{
			Name:        "end_call",
			Description: "Hang up after saying goodbye. Use only when the caller's needs are handled or they ask to end the call.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, _ *Invocation) (Result, error) {
			return Result{
				Content:    `{"status":"hangup scheduled"}`,
				Directives: Directives{EndCall: true},
			}, nil
		},
	}
}

func newReminderTool() Tool {
	return Tool{
		Mutating: true,
		Definition: pllm.ToolDefinition{
			Name:        "new_reminder",
			Description: "Create a follow-up reminder tied to this claim.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string", "description": "Short unique title."},
					"description": map[string]any{"type": "string"},
					"due_at":      map[string]any{"type": "string", "description": "Due date, YYYY-MM-DD HH:MM."},
					"owner":       map[string]any{"type": "string", "enum": []any{"assistant", "human"}},
				},
				"required":             []any{"title", "due_at", "owner"},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, inv *Invocation) (Result, error) {
			var p struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				DueAt       string `json:"due_at"`
				Owner       string `json:"owner"`
			}
			if err := json.Unmarshal([]byte(inv.Args), &p); err != nil {
				return Result{Error: fmt.Sprintf("decode arguments: %v", err)}, nil
			}
			due, err := parseReminderTime(p.DueAt)
			if err != nil {
				return Result{Error: err.Error()}, nil
			}
			r := call.Reminder{
				Title:       p.Title,
				Description: p.Description,
				DueAt:       due,
				Owner:       call.ReminderOwner(p.Owner),
			}
			if err := inv.Call.UpsertReminder(r); err != nil {
				return Result{Error: err.Error()}, nil
			}
			return Result{
				Content:    fmt.Sprintf(`{"title":%q,"status":"created"}`, p.Title),
				Directives: Directives{Cue: "I set a reminder for that."},
			}, nil
		},
	}
}

func updatedReminderTool() Tool {
	return Tool{
		Mutating: true,
		Definition: pllm.ToolDefinition{
			Name:        "updated_reminder",
			Description: "Change an existing reminder, addressed by its position in the reminder list shown in the prompt.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"index":       map[string]any{"type": "integer", "minimum": 0, "description": "Zero-based position in the reminder list."},
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"due_at":      map[string]any{"type": "string", "description": "New due date, YYYY-MM-DD HH:MM."},
					"owner":       map[string]any{"type": "string", "enum": []any{"assistant", "human"}},
				},
				"required":             []any{"index"},
				"additionalProperties": false,
			},
		},
		Handler: func(_ context.Context, inv *Invocation) (Result, error) {
			var p struct {
				Index       int     `json:"index"`
				Title       *string `json:"title"`
				Description *string `json:"description"`
				DueAt       *string `json:"due_at"`
				Owner       *string `json:"owner"`
			}
			if err := json.Unmarshal([]byte(inv.Args), &p); err != nil {
				return Result{Error: fmt.Sprintf("decode arguments: %v", err)}, nil
			}
			if p.Index < 0 || p.Index >= len(inv.Call.Reminders) {
				return Result{Error: fmt.Sprintf("reminder %d does not exist; the list has %d entries", p.Index, len(inv.Call.Reminders))}, nil
			}

			r := inv.Call.Reminders[p.Index]
			if p.Title != nil && strings.TrimSpace(*p.Title) != "" {
				r.Title = *p.Title
			}
			if p.Description != nil {
				r.Description = *p.Description
			}
			if p.DueAt != nil {
				due, err := parseReminderTime(*p.DueAt)
				if err != nil {
					return Result{Error: err.Error()}, nil
				}
				r.DueAt = due
			}
			if p.Owner != nil {
				owner := call.ReminderOwner(*p.Owner)
				if owner != call.OwnerAssistant && owner != call.OwnerHuman {
					return Result{Error: fmt.Sprintf("owner %q must be assistant or human", *p.Owner)}, nil
				}
				r.Owner = owner
			}
			inv.Call.Reminders[p.Index] = r
			return Result{
				Content:    fmt.Sprintf(`{"index":%d,"status":"updated"}`, p.Index),
				Directives: Directives{Cue: "Updated."},
			}, nil
		},
	}
}

func searchDocumentsTool(search DocumentSearcher, limit int) Tool {
	return Tool{
		Definition: pllm.ToolDefinition{
			Name:        "search_documents",
			Description: "Search the internal documentation for coverage, procedure, or policy questions. Results appear in your next context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "What to look up, in natural language."},
				},
				"required":             []any{"query"},
				"additionalProperties": false,
			},
		},
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var p struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal([]byte(inv.Args), &p); err != nil {
				return Result{Error: fmt.Sprintf("decode arguments: %v", err)}, nil
			}
			snippets, err := search.Search(ctx, p.Query, limit)
			if err != nil {
				return Result{}, fmt.Errorf("search documents: %w", err)
			}
			if len(snippets) == 0 {
				return Result{Content: `{"status":"no matching documents"}`}, nil
			}
			return Result{
				Content:    "Found:\n- " + strings.Join(snippets, "\n- "),
				Directives: Directives{RAGSnippets: snippets},
			}, nil
		},
	}
}

func sendSMSTool(sender sms.Sender) Tool {
	return Tool{
		Definition: pllm.ToolDefinition{
			Name:        "send_sms",
			Description: "Text the caller's phone, for details that are easier to read than to hear.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Message body."},
				},
				"required":             []any{"text"},
				"additionalProperties": false,
			},
		},
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(inv.Args), &p); err != nil {
				return Result{Error: fmt.Sprintf("decode arguments: %v", err)}, nil
			}
			if strings.TrimSpace(p.Text) == "" {
				return Result{Error: "text must not be empty"}, nil
			}
			if err := sender.Send(ctx, inv.Call.Initiate.CallerPhoneNumber, p.Text); err != nil {
				return Result{}, fmt.Errorf("send sms: %w", err)
			}
			return Result{
				Content:    `{"status":"sent"}`,
				Directives: Directives{Cue: "I just sent you a text."},
			}, nil
		},
	}
}

// parseReminderTime accepts the datetime shapes the model is told to use.
func parseReminderTime(s string) (time.Time, error) {
	for _, layout := range reminderDatetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a valid datetime; use YYYY-MM-DD HH:MM", s)
}
