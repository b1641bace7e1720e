// Package call defines the persisted conversation state shared across all
// voxloop packages.
//
// A Call is the root entity of one telephone interaction: the ordered message
// history, the structured claim being populated, follow-up reminders, and the
// lifecycle metadata the store needs for optimistic concurrency. Exactly one
// worker mutates a Call at a time (enforced by the lease layer); everything
// here is therefore plain data with no internal locking.
package call

import (
	"time"

	"github.com/google/uuid"
)

// Persona identifies who authored a message.
type Persona string

const (
	PersonaAssistant Persona = "assistant"
	PersonaHuman     Persona = "human"
	PersonaSystem    Persona = "system"
	PersonaTool      Persona = "tool"
)

// IsValid reports whether p is a recognised persona.
func (p Persona) IsValid() bool {
	switch p {
	case PersonaAssistant, PersonaHuman, PersonaSystem, PersonaTool:
		return true
	}
	return false
}

// Action classifies how a message entered or left the conversation.
type Action string

const (
	ActionCall     Action = "call"
	ActionHangup   Action = "hangup"
	ActionNote     Action = "note"
	ActionSMS      Action = "sms"
	ActionTalk     Action = "talk"
	ActionTransfer Action = "transfer"
)

// IsValid reports whether a is a recognised action.
func (a Action) IsValid() bool {
	switch a {
	case ActionCall, ActionHangup, ActionNote, ActionSMS, ActionTalk, ActionTransfer:
		return true
	}
	return false
}

// Style is the emotional rendering hint attached to assistant speech.
// The mapping to concrete TTS voice parameters is configuration
// (config.VoiceConfig.Styles).
type Style string

const (
	StyleNone     Style = "none"
	StyleCheerful Style = "cheerful"
	StyleSad      Style = "sad"
)

// IsValid reports whether s is a recognised style.
func (s Style) IsValid() bool {
	switch s {
	case StyleNone, StyleCheerful, StyleSad:
		return true
	}
	return false
}

// ToolCall records one structured tool invocation requested by the model
// inside an assistant message. A later tool-persona message carrying the same
// ID holds the result.
type ToolCall struct {
	ID        string `bson:"id" json:"id"`
	Name      string `bson:"name" json:"name"`
	Arguments string `bson:"arguments" json:"arguments"`
	Result    string `bson:"result,omitempty" json:"result,omitempty"`
	Error     string `bson:"error,omitempty" json:"error,omitempty"`
}

// Message is one entry of the conversation history.
type Message struct {
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	Action    Action     `bson:"action" json:"action"`
	Persona   Persona    `bson:"persona" json:"persona"`
	Content   string     `bson:"content" json:"content"`
	Style     Style      `bson:"style" json:"style"`
	ToolCalls []ToolCall `bson:"tool_calls,omitempty" json:"tool_calls,omitempty"`

	// ToolCallID links a tool-persona message to the assistant tool call it
	// answers.
	ToolCallID string `bson:"tool_call_id,omitempty" json:"tool_call_id,omitempty"`
}

// ReminderOwner identifies who is responsible for a reminder.
type ReminderOwner string

const (
	OwnerAssistant ReminderOwner = "assistant"
	OwnerHuman     ReminderOwner = "human"
)

// Reminder is a scheduled follow-up attached to a Call. The reminders list is
// append-only; an existing reminder is updated in place when its title matches.
type Reminder struct {
	CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
	Title       string        `bson:"title" json:"title"`
	Description string        `bson:"description" json:"description"`
	DueAt       time.Time     `bson:"due_at" json:"due_at"`
	Owner       ReminderOwner `bson:"owner" json:"owner"`
}

// FieldType constrains how a claim field value is validated.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldDatetime FieldType = "datetime"
	FieldPhone    FieldType = "phone_number"
)

// IsValid reports whether t is a recognised claim field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldEmail, FieldDatetime, FieldPhone:
		return true
	}
	return false
}

// ClaimField is one schema element of the per-call claim.
type ClaimField struct {
	Name        string    `bson:"name" json:"name" yaml:"name"`
	Type        FieldType `bson:"type" json:"type" yaml:"type"`
	Description string    `bson:"description,omitempty" json:"description,omitempty" yaml:"description"`
}

// NextAction is the terminal routing decision recorded when a call ends.
type NextAction string

const (
	NextCaseClosed    NextAction = "case_closed"
	NextCaseEscalated NextAction = "case_escalated"
	NextCallBack      NextAction = "call_back"
	NextSilence       NextAction = "silence"
)

// Next holds the terminal routing decision and its justification.
type Next struct {
	Action        NextAction `bson:"action" json:"action"`
	Justification string     `bson:"justification" json:"justification"`
}

// Satisfaction grades the caller's perceived satisfaction in the post-call
// synthesis.
type Satisfaction string

const (
	SatisfactionLow     Satisfaction = "low"
	SatisfactionMedium  Satisfaction = "medium"
	SatisfactionHigh    Satisfaction = "high"
	SatisfactionUnknown Satisfaction = "unknown"
)

// Synthesis is the post-call summary produced by the background worker.
type Synthesis struct {
	Short                  string       `bson:"short" json:"short"`
	Long                   string       `bson:"long" json:"long"`
	Satisfaction           Satisfaction `bson:"satisfaction" json:"satisfaction"`
	ImprovementSuggestions string       `bson:"improvement_suggestions" json:"improvement_suggestions"`
}

// Initiate is the immutable initialisation block captured when the Call is
// created. CallerPhoneNumber doubles as the store partition key.
type Initiate struct {
	BotName           string            `bson:"bot_name" json:"bot_name"`
	BotCompany        string            `bson:"bot_company" json:"bot_company"`
	AgentPhoneNumber  string            `bson:"agent_phone_number" json:"agent_phone_number"`
	CallerPhoneNumber string            `bson:"caller_phone_number" json:"caller_phone_number"`
	LanguageDefault   string            `bson:"language_default" json:"language_default"`
	Languages         []string          `bson:"languages_available" json:"languages_available"`
	TaskDescription   string            `bson:"task_description" json:"task_description"`
	ClaimSchema       []ClaimField      `bson:"claim_schema" json:"claim_schema"`
	PromptOverrides   map[string]string `bson:"prompts_overrides,omitempty" json:"prompts_overrides,omitempty"`
}

// maxFingerprints bounds the processed-event ring kept on the Call for
// queue-message deduplication.
const maxFingerprints = 64

// Call is the root persisted entity for one telephone interaction.
type Call struct {
	ID        string    `bson:"_id" json:"call_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	// Version backs the store's optimistic concurrency check. It is bumped by
	// the store on every successful save, never by callers.
	Version int64 `bson:"version" json:"version"`

	Initiate  Initiate          `bson:"initiate" json:"initiate"`
	Messages  []Message         `bson:"messages" json:"messages"`
	Claim     map[string]string `bson:"claim" json:"claim"`
	Reminders []Reminder        `bson:"reminders" json:"reminders"`

	Next      *Next      `bson:"next,omitempty" json:"next,omitempty"`
	Synthesis *Synthesis `bson:"synthesis,omitempty" json:"synthesis,omitempty"`

	// LangCurrent is the active BCP 47 language tag. Always a member of
	// Initiate.Languages.
	LangCurrent string `bson:"lang_current_short_code" json:"lang_current_short_code"`

	// InProgress is true while a worker holds the call lease.
	InProgress bool `bson:"in_progress" json:"in_progress"`

	// RecognitionRetry counts consecutive silent or failed recognitions. Reset
	// on every successful human turn.
	RecognitionRetry int `bson:"recognition_retry" json:"recognition_retry"`

	RecordingURI string `bson:"recording_uri,omitempty" json:"recording_uri,omitempty"`

	// Fingerprints is the ring of recently processed queue-event fingerprints,
	// most recent last.
	Fingerprints []string `bson:"fingerprints,omitempty" json:"fingerprints,omitempty"`
}

// New creates a Call initialised from init with a fresh ID and the default
// language active.
func New(init Initiate) *Call {
	now := time.Now().UTC()
	lang := init.LanguageDefault
	if lang == "" && len(init.Languages) > 0 {
		lang = init.Languages[0]
	}
	if len(init.ClaimSchema) == 0 {
		init.ClaimSchema = DefaultClaimSchema()
	}
	return &Call{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Initiate:    init,
		Claim:       map[string]string{},
		LangCurrent: lang,
	}
}

// AppendMessage appends msg to the history, stamping CreatedAt when unset.
func (c *Call) AppendMessage(msg Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Style == "" {
		msg.Style = StyleNone
	}
	if msg.Action == "" {
		msg.Action = ActionTalk
	}
	c.Messages = append(c.Messages, msg)
}

// LastMessage returns a pointer to the trailing message, or nil when the
// history is empty.
func (c *Call) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// AmendAssistant rewrites the trailing assistant message while the turn is
// still being composed, or appends a new one when the tail has a different
// persona. Only the trailing assistant entry may ever be rewritten.
func (c *Call) AmendAssistant(content string, style Style, toolCalls []ToolCall) {
	if last := c.LastMessage(); last != nil && last.Persona == PersonaAssistant {
		last.Content = content
		last.Style = style
		last.ToolCalls = toolCalls
		return
	}
	c.AppendMessage(Message{
		Persona:   PersonaAssistant,
		Content:   content,
		Style:     style,
		ToolCalls: toolCalls,
	})
}

// SchemaField returns the claim schema entry named name, or false when the
// schema does not declare it.
func (c *Call) SchemaField(name string) (ClaimField, bool) {
	for _, f := range c.Initiate.ClaimSchema {
		if f.Name == name {
			return f, true
		}
	}
	return ClaimField{}, false
}

// SeenEvent reports whether the (callID, eventID) fingerprint was already
// processed and records it when new. The ring keeps the most recent
// maxFingerprints entries.
func (c *Call) SeenEvent(eventID string) bool {
	fp := c.ID + ":" + eventID
	for _, existing := range c.Fingerprints {
		if existing == fp {
			return true
		}
	}
	c.Fingerprints = append(c.Fingerprints, fp)
	if len(c.Fingerprints) > maxFingerprints {
		c.Fingerprints = c.Fingerprints[len(c.Fingerprints)-maxFingerprints:]
	}
	return false
}

// SetLanguage switches the active language. The tag must be one of
// Initiate.Languages; unknown tags are rejected.
func (c *Call) SetLanguage(tag string) error {
	for _, l := range c.Initiate.Languages {
		if l == tag {
			c.LangCurrent = tag
			return nil
		}
	}
	return &FieldError{Field: "lang_current_short_code", Reason: "language " + tag + " is not available for this call"}
}
