package call

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure in this package so callers
// can branch on the error class without inspecting messages.
var ErrInvalid = errors.New("invalid value")

// FieldError reports a claim or message field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("call: field %q: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrInvalid) hold for all field errors.
func (e *FieldError) Unwrap() error { return ErrInvalid }

var (
	emailRe = regexp.MustCompile(`^[\w.+-]+@[\w-]+\.[\w.-]+$`)
	e164Re  = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
)

// datetimeLayouts are the accepted claim datetime formats, tried in order.
// The space-separated form is what the LLM is prompted to produce.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
}

// ValidateClaimValue checks value against the declared field type and returns
// the canonical form to store. Datetime values are normalised to RFC 3339.
func ValidateClaimValue(field ClaimField, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &FieldError{Field: field.Name, Reason: "value must not be empty"}
	}

	switch field.Type {
	case FieldText, "":
		return value, nil

	case FieldEmail:
		if !emailRe.MatchString(value) {
			return "", &FieldError{Field: field.Name, Reason: fmt.Sprintf("%q is not a valid email address", value)}
		}
		return strings.ToLower(value), nil

	case FieldDatetime:
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return "", &FieldError{Field: field.Name, Reason: fmt.Sprintf("%q is not a valid datetime; use YYYY-MM-DD HH:MM", value)}

	case FieldPhone:
		normalized := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '-', '(', ')', '.':
				return -1
			}
			return r
		}, value)
		if !e164Re.MatchString(normalized) {
			return "", &FieldError{Field: field.Name, Reason: fmt.Sprintf("%q is not a valid E.164 phone number", value)}
		}
		return normalized, nil

	default:
		return "", &FieldError{Field: field.Name, Reason: fmt.Sprintf("unknown field type %q", field.Type)}
	}
}

// SetClaim validates value against the schema and stores it. Fields outside
// the schema and values failing their type check are rejected without
// mutating the claim.
func (c *Call) SetClaim(name, value string) error {
	field, ok := c.SchemaField(name)
	if !ok {
		return &FieldError{Field: name, Reason: "field is not declared in the claim schema"}
	}
	canonical, err := ValidateClaimValue(field, value)
	if err != nil {
		return err
	}
	if c.Claim == nil {
		c.Claim = map[string]string{}
	}
	c.Claim[name] = canonical
	return nil
}

// UpsertReminder validates r and appends it, or updates the existing reminder
// with the same title. Titles are the reminder identity.
func (c *Call) UpsertReminder(r Reminder) error {
	var errs []error
	if strings.TrimSpace(r.Title) == "" {
		errs = append(errs, &FieldError{Field: "title", Reason: "title must not be empty"})
	}
	if r.DueAt.IsZero() {
		errs = append(errs, &FieldError{Field: "due_at", Reason: "due date must be set"})
	}
	if r.Owner != OwnerAssistant && r.Owner != OwnerHuman {
		errs = append(errs, &FieldError{Field: "owner", Reason: fmt.Sprintf("owner %q must be assistant or human", r.Owner)})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	for i := range c.Reminders {
		if c.Reminders[i].Title == r.Title {
			c.Reminders[i].Description = r.Description
			c.Reminders[i].DueAt = r.DueAt
			c.Reminders[i].Owner = r.Owner
			return nil
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	c.Reminders = append(c.Reminders, r)
	return nil
}

// ValidateInitiate checks the immutable initialisation block before a Call is
// created. It returns a joined error listing every failure found.
func ValidateInitiate(init Initiate) error {
	var errs []error

	if !e164Re.MatchString(init.CallerPhoneNumber) {
		errs = append(errs, &FieldError{Field: "caller_phone_number", Reason: fmt.Sprintf("%q is not E.164", init.CallerPhoneNumber)})
	}
	if init.AgentPhoneNumber != "" && !e164Re.MatchString(init.AgentPhoneNumber) {
		errs = append(errs, &FieldError{Field: "agent_phone_number", Reason: fmt.Sprintf("%q is not E.164", init.AgentPhoneNumber)})
	}
	if len(init.Languages) == 0 {
		errs = append(errs, &FieldError{Field: "languages_available", Reason: "at least one language is required"})
	}
	if init.LanguageDefault != "" {
		found := false
		for _, l := range init.Languages {
			if l == init.LanguageDefault {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, &FieldError{Field: "language_default", Reason: fmt.Sprintf("%q is not in languages_available", init.LanguageDefault)})
		}
	}

	seen := make(map[string]int, len(init.ClaimSchema))
	for i, f := range init.ClaimSchema {
		prefix := fmt.Sprintf("claim_schema[%d]", i)
		if f.Name == "" {
			errs = append(errs, &FieldError{Field: prefix + ".name", Reason: "name is required"})
			continue
		}
		if prev, ok := seen[f.Name]; ok {
			errs = append(errs, &FieldError{Field: prefix + ".name", Reason: fmt.Sprintf("%q duplicates claim_schema[%d]", f.Name, prev)})
		}
		seen[f.Name] = i
		if f.Type != "" && !f.Type.IsValid() {
			errs = append(errs, &FieldError{Field: prefix + ".type", Reason: fmt.Sprintf("%q is invalid; valid values: text, email, datetime, phone_number", f.Type)})
		}
	}

	return errors.Join(errs...)
}

// DefaultClaimSchema is the insurance-intake schema applied when a caller
// reaches the bot before any API client declared a schema for them.
func DefaultClaimSchema() []ClaimField {
	return []ClaimField{
		{Name: "policy_number", Type: FieldText, Description: "Policy number printed on the contract"},
		{Name: "policyholder_name", Type: FieldText, Description: "Full name of the policyholder"},
		{Name: "policyholder_phone", Type: FieldPhone, Description: "Phone number of the policyholder"},
		{Name: "policyholder_email", Type: FieldEmail, Description: "Email address of the policyholder"},
		{Name: "incident_date_time", Type: FieldDatetime, Description: "When the incident happened"},
		{Name: "incident_location", Type: FieldText, Description: "Where the incident happened"},
		{Name: "incident_description", Type: FieldText, Description: "What happened, in the caller's words"},
		{Name: "involved_parties", Type: FieldText, Description: "Other people or companies involved"},
		{Name: "police_report_number", Type: FieldText, Description: "Police report number, if any"},
		{Name: "extra_details", Type: FieldText, Description: "Anything else worth recording"},
	}
}
