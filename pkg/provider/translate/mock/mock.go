// Package mock provides a test double for the translate.Translator interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/translate"
)

// Call records one Translate invocation.
type Call struct {
	Text   string
	Source string
	Target string
}

// Translator is a mock implementation of translate.Translator. By default it
// returns text unchanged; set Transform to rewrite it.
type Translator struct {
	mu sync.Mutex

	// Transform rewrites the input. Nil means identity.
	Transform func(text, source, target string) string

	// Err, if non-nil, is returned from Translate.
	Err error

	// Calls records every invocation, in order.
	Calls []Call
}

// Compile-time interface assertion.
var _ translate.Translator = (*Translator)(nil)

// Translate implements translate.Translator.
func (t *Translator) Translate(_ context.Context, text, source, target string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, Call{Text: text, Source: source, Target: target})
	if t.Err != nil {
		return "", t.Err
	}
	if t.Transform != nil {
		return t.Transform(text, source, target), nil
	}
	return text, nil
}
