// Package mock provides a test double for the safety.Filter interface.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/safety"
)

// Filter is a mock implementation of safety.Filter. Texts containing any of
// the Block substrings are rejected; everything else passes.
type Filter struct {
	mu sync.Mutex

	// Block lists substrings that cause rejection.
	Block []string

	// Err, if non-nil, is returned from Check.
	Err error

	// Checked records every checked text, in order.
	Checked []string
}

// Compile-time interface assertion.
var _ safety.Filter = (*Filter)(nil)

// Check implements safety.Filter.
func (f *Filter) Check(_ context.Context, text string, _ []string) (safety.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checked = append(f.Checked, text)
	if f.Err != nil {
		return safety.Verdict{}, f.Err
	}
	for _, b := range f.Block {
		if strings.Contains(text, b) {
			return safety.Verdict{Allowed: false, Categories: []string{"blocked"}}, nil
		}
	}
	return safety.Verdict{Allowed: true}, nil
}
