package call_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/call"
)

func testInitiate() call.Initiate {
	return call.Initiate{
		BotName:           "Esther",
		BotCompany:        "Contoso Assurance",
		AgentPhoneNumber:  "+33700000000",
		CallerPhoneNumber: "+33612345678",
		LanguageDefault:   "fr-FR",
		Languages:         []string{"fr-FR", "en-US"},
		TaskDescription:   "File an insurance claim",
		ClaimSchema: []call.ClaimField{
			{Name: "policy_number", Type: call.FieldText},
			{Name: "policyholder_email", Type: call.FieldEmail},
			{Name: "incident_date_time", Type: call.FieldDatetime},
			{Name: "policyholder_phone", Type: call.FieldPhone},
		},
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := call.New(testInitiate())
	if c.ID == "" {
		t.Fatal("New() did not assign a call ID")
	}
	if c.LangCurrent != "fr-FR" {
		t.Errorf("LangCurrent: got %q, want %q", c.LangCurrent, "fr-FR")
	}
	if c.Claim == nil {
		t.Error("Claim map not initialised")
	}
}

func TestSetClaim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		field   string
		value   string
		want    string
		wantErr bool
	}{
		{name: "text ok", field: "policy_number", value: "B01371946", want: "B01371946"},
		{name: "unknown field", field: "shoe_size", value: "43", wantErr: true},
		{name: "email ok", field: "policyholder_email", value: "Jeanne@Example.COM", want: "jeanne@example.com"},
		{name: "email bad", field: "policyholder_email", value: "not-an-email", wantErr: true},
		{name: "datetime space form", field: "incident_date_time", value: "2026-02-01 18:58", want: "2026-02-01T18:58:00Z"},
		{name: "datetime bad", field: "incident_date_time", value: "last tuesday", wantErr: true},
		{name: "phone formatted", field: "policyholder_phone", value: "+33 6 12 34 56 78", want: "+33612345678"},
		{name: "phone missing plus", field: "policyholder_phone", value: "0612345678", wantErr: true},
		{name: "empty value", field: "policy_number", value: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := call.New(testInitiate())
			err := c.SetClaim(tt.field, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SetClaim(%q, %q) succeeded, want error", tt.field, tt.value)
				}
				if !errors.Is(err, call.ErrInvalid) {
					t.Errorf("error %v does not wrap ErrInvalid", err)
				}
				if _, ok := c.Claim[tt.field]; ok {
					t.Error("claim mutated despite validation failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetClaim(%q, %q): %v", tt.field, tt.value, err)
			}
			if got := c.Claim[tt.field]; got != tt.want {
				t.Errorf("claim[%q]: got %q, want %q", tt.field, got, tt.want)
			}
		})
	}
}

func TestAmendAssistant(t *testing.T) {
	t.Parallel()

	c := call.New(testInitiate())
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Content: "Bonjour"})
	c.AmendAssistant("Bonjour, je", call.StyleNone, nil)
	c.AmendAssistant("Bonjour, je vous écoute.", call.StyleCheerful, nil)

	if len(c.Messages) != 2 {
		t.Fatalf("messages: got %d, want 2", len(c.Messages))
	}
	last := c.Messages[1]
	if last.Content != "Bonjour, je vous écoute." {
		t.Errorf("content: got %q", last.Content)
	}
	if last.Style != call.StyleCheerful {
		t.Errorf("style: got %q, want cheerful", last.Style)
	}

	// A human turn commits the assistant message; the next amend appends.
	c.AppendMessage(call.Message{Persona: call.PersonaHuman, Content: "Merci"})
	c.AmendAssistant("De rien.", call.StyleNone, nil)
	if len(c.Messages) != 4 {
		t.Errorf("messages after commit: got %d, want 4", len(c.Messages))
	}
}

func TestUpsertReminder(t *testing.T) {
	t.Parallel()

	c := call.New(testInitiate())
	due := time.Now().Add(24 * time.Hour)

	if err := c.UpsertReminder(call.Reminder{Title: "Call back customer", Description: "v1", DueAt: due, Owner: call.OwnerAssistant}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.UpsertReminder(call.Reminder{Title: "Call back customer", Description: "v2", DueAt: due, Owner: call.OwnerHuman}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(c.Reminders) != 1 {
		t.Fatalf("reminders: got %d, want 1 (update in place)", len(c.Reminders))
	}
	if c.Reminders[0].Description != "v2" || c.Reminders[0].Owner != call.OwnerHuman {
		t.Errorf("reminder not updated: %+v", c.Reminders[0])
	}

	err := c.UpsertReminder(call.Reminder{Title: "", DueAt: time.Time{}, Owner: "witness"})
	if err == nil {
		t.Fatal("invalid reminder accepted")
	}
}

func TestSeenEvent(t *testing.T) {
	t.Parallel()

	c := call.New(testInitiate())
	if c.SeenEvent("evt-1") {
		t.Error("first delivery reported as duplicate")
	}
	if !c.SeenEvent("evt-1") {
		t.Error("redelivery not detected")
	}

	// Ring keeps only the most recent entries.
	for i := 0; i < 100; i++ {
		c.SeenEvent(fmt.Sprintf("evt-fill-%d", i))
	}
	if c.SeenEvent("evt-1") {
		t.Error("evicted fingerprint still reported as duplicate")
	}
	if len(c.Fingerprints) > 64 {
		t.Errorf("fingerprint ring grew to %d entries", len(c.Fingerprints))
	}
}

func TestSetLanguage(t *testing.T) {
	t.Parallel()

	c := call.New(testInitiate())
	if err := c.SetLanguage("en-US"); err != nil {
		t.Fatalf("SetLanguage(en-US): %v", err)
	}
	if c.LangCurrent != "en-US" {
		t.Errorf("LangCurrent: got %q", c.LangCurrent)
	}
	if err := c.SetLanguage("de-DE"); err == nil {
		t.Error("unavailable language accepted")
	} else if c.LangCurrent != "en-US" {
		t.Error("failed switch mutated the active language")
	}
}

func TestValidateInitiate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*call.Initiate)
		wantErr bool
	}{
		{name: "valid", mutate: func(i *call.Initiate) {}},
		{name: "bad caller", mutate: func(i *call.Initiate) { i.CallerPhoneNumber = "0612" }, wantErr: true},
		{name: "no languages", mutate: func(i *call.Initiate) { i.Languages = nil }, wantErr: true},
		{name: "default not available", mutate: func(i *call.Initiate) { i.LanguageDefault = "es-ES" }, wantErr: true},
		{name: "duplicate schema field", mutate: func(i *call.Initiate) {
			i.ClaimSchema = append(i.ClaimSchema, call.ClaimField{Name: "policy_number", Type: call.FieldText})
		}, wantErr: true},
		{name: "bad field type", mutate: func(i *call.Initiate) {
			i.ClaimSchema = append(i.ClaimSchema, call.ClaimField{Name: "x", Type: "integer"})
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			init := testInitiate()
			tt.mutate(&init)
			err := call.ValidateInitiate(init)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInitiate: err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestExtractStyleAndAction(t *testing.T) {
	t.Parallel()

	style, content := call.ExtractStyle("style=cheerful Bonjour !")
	if style != call.StyleCheerful || content != "Bonjour !" {
		t.Errorf("ExtractStyle: got (%q, %q)", style, content)
	}

	style, content = call.ExtractStyle("style=furious Bonjour")
	if style != call.StyleNone || content != "style=furious Bonjour" {
		t.Errorf("unknown style should pass through: got (%q, %q)", style, content)
	}

	if got := call.RemoveAction("action=talk style=sad Désolé."); got != "style=sad Désolé." {
		t.Errorf("RemoveAction: got %q", got)
	}

	msg := call.Message{Action: call.ActionTalk, Style: call.StyleSad, Content: "Désolé."}
	if got := call.HistoryContent(msg); got != "action=talk style=sad Désolé." {
		t.Errorf("HistoryContent: got %q", got)
	}
}
