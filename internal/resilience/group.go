package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Group] failed or had an open
// breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// entry pairs a provider value with its dedicated breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group wraps a primary and zero or more alternates of the same provider
// type, each behind its own circuit breaker. Alternates are tried in
// registration order when earlier entries fail or are open.
type Group[T any] struct {
	entries []entry[T]
	breaker BreakerConfig
}

// NewGroup creates a [Group] with primary as the first entry. breaker is the
// per-entry breaker template; its Name field is overwritten per entry.
func NewGroup[T any](name string, primary T, breaker BreakerConfig) *Group[T] {
	g := &Group[T]{breaker: breaker}
	g.Add(name, primary)
	return g
}

// Add appends an alternate, tried after all previously added entries.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.breaker
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Prefer returns a view of g with the named entry tried first; the remaining
// entries keep their registration order. The view shares g's entries and
// breakers. An unknown name returns g unchanged.
func (g *Group[T]) Prefer(name string) *Group[T] {
	for i, e := range g.entries {
		if e.name != name || i == 0 {
			continue
		}
		view := &Group[T]{breaker: g.breaker}
		view.entries = append(view.entries, e)
		for j, other := range g.entries {
			if j != i {
				view.entries = append(view.entries, other)
			}
		}
		return view
	}
	return g
}

// Names returns the entry names in trial order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Do tries fn against each entry until one succeeds. Open entries are
// skipped. Returns [ErrAllFailed] wrapping the last error when none succeed.
func (g *Group[T]) Do(fn func(name string, value T) error) error {
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		err := e.breaker.Do(func() error {
			return fn(e.name, e.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping provider, breaker open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// DoResult is [Group.Do] with a result value. Package-level because Go has no
// method-level type parameters.
func DoResult[T, R any](g *Group[T], fn func(name string, value T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(e.name, e.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping provider, breaker open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
