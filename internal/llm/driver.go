// Package llm drives chat completions for the conversation loop.
//
// The driver layers tier selection, rate limiting, retry with jittered
// backoff, circuit breaking, and cross-tier fallback on top of the raw
// pkg/provider/llm providers. Two tiers are configured: fast (low latency,
// drives live turns) and slow (higher quality, drives analysis and post-call
// synthesis). Tool-call argument JSON coming out of a stream is repaired
// before it reaches the tool registry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/scope"
	pllm "github.com/voxloop/voxloop/pkg/provider/llm"
)

// Tier selects which configured model serves a completion.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// other returns the fallback tier.
func (t Tier) other() Tier {
	if t == TierFast {
		return TierSlow
	}
	return TierFast
}

// ErrEmpty reports a completion that finished without producing any content
// or tool call. Treated as transient.
var ErrEmpty = errors.New("llm: empty completion")

// ToolCallError is a tool invocation whose argument JSON stayed invalid after
// repair. The orchestrator apologizes and retries the turn once.
type ToolCallError struct {
	Call   pllm.ToolCall
	Reason string
}

// Chunk is one fragment of a driven completion. Tool calls carry valid
// (possibly repaired) argument JSON; unrepairable ones land in Invalid.
type Chunk struct {
	Text         string
	FinishReason string
	ToolCalls    []pllm.ToolCall
	Invalid      []ToolCallError
}

// tierEntry binds a provider to the tier it serves inside the failover group.
type tierEntry struct {
	tier     Tier
	provider pllm.Provider
}

// Driver multiplexes completions over the configured tiers. Cross-tier
// failover runs through a [resilience.Group] so each tier sits behind its own
// circuit breaker.
type Driver struct {
	providers map[Tier]pllm.Provider
	group     *resilience.Group[tierEntry]
	limiter   *rate.Limiter
	attempts  int
	backoff   scope.Backoff
}

// Option configures a [Driver].
type Option func(*Driver)

// WithAttempts sets per-tier attempts before falling back. Default 3.
func WithAttempts(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// WithRateLimit caps outgoing completion requests. Default 10 req/s, burst 20.
func WithRateLimit(rps float64, burst int) Option {
	return func(d *Driver) {
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(b scope.Backoff) Option {
	return func(d *Driver) {
		d.backoff = b
	}
}

// NewDriver builds a driver over the two tiers. Either provider may be nil;
// a nil tier is skipped during fallback.
func NewDriver(fast, slow pllm.Provider, opts ...Option) (*Driver, error) {
	if fast == nil && slow == nil {
		return nil, fmt.Errorf("llm: at least one tier must be configured")
	}
	d := &Driver{
		providers: map[Tier]pllm.Provider{},
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		attempts:  3,
		backoff:   scope.DefaultBackoff,
	}
	if fast != nil {
		d.providers[TierFast] = fast
	}
	if slow != nil {
		d.providers[TierSlow] = slow
	}
	for _, opt := range opts {
		opt(d)
	}

	breaker := resilience.BreakerConfig{Trip: 5, Reset: 30 * time.Second}
	for _, t := range []Tier{TierFast, TierSlow} {
		p, ok := d.providers[t]
		if !ok {
			continue
		}
		e := tierEntry{tier: t, provider: p}
		if d.group == nil {
			d.group = resilience.NewGroup(breakerName(t), e, breaker)
		} else {
			d.group.Add(breakerName(t), e)
		}
	}
	return d, nil
}

// breakerName labels a tier's group entry and its breaker in log output.
func breakerName(t Tier) string {
	return "llm-" + string(t)
}

// Provider returns the provider serving tier, falling back to the other tier
// when the requested one is not configured.
func (d *Driver) Provider(tier Tier) pllm.Provider {
	if p, ok := d.providers[tier]; ok {
		return p
	}
	return d.providers[tier.other()]
}

// retriable reports whether a start error deserves another attempt on the
// same tier. Context errors do not.
func retriable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// tierAttempts budgets retries: the requested tier gets the full budget, the
// fallback tier one shot.
func (d *Driver) tierAttempts(requested, serving Tier) int {
	if requested == serving {
		return d.attempts
	}
	return 1
}

// Stream opens a completion stream on tier, retrying transient start failures
// and falling back to the other tier through the failover group. Chunks on
// the returned channel have tool-call arguments already repaired.
func (d *Driver) Stream(ctx context.Context, tier Tier, req pllm.CompletionRequest) (<-chan Chunk, error) {
	raw, err := resilience.DoResult(d.group.Prefer(breakerName(tier)), func(_ string, e tierEntry) (<-chan pllm.Chunk, error) {
		var ch <-chan pllm.Chunk
		err := scope.Retry(ctx, d.tierAttempts(tier, e.tier), d.backoff, retriable, func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
			c, err := e.provider.StreamCompletion(ctx, req)
			if err != nil {
				return err
			}
			ch = c
			return nil
		})
		if err == nil && e.tier != tier {
			slog.Warn("completion served by fallback tier", "requested", tier, "served", e.tier)
		}
		return ch, err
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return d.pump(ctx, raw), nil
}

// pump forwards provider chunks, repairing assembled tool-call arguments.
func (d *Driver) pump(ctx context.Context, raw <-chan pllm.Chunk) <-chan Chunk {
	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		for c := range raw {
			next := Chunk{Text: c.Text, FinishReason: c.FinishReason}
			for _, tc := range c.ToolCalls {
				repaired, err := RepairJSON(tc.Arguments)
				if err != nil {
					slog.Warn("unrepairable tool-call arguments", "tool", tc.Name, "err", err)
					next.Invalid = append(next.Invalid, ToolCallError{Call: tc, Reason: err.Error()})
					continue
				}
				tc.Arguments = repaired
				next.ToolCalls = append(next.ToolCalls, tc)
			}
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Complete runs a blocking completion on tier with the same retry and
// fallback discipline as Stream. An empty response counts as transient.
func (d *Driver) Complete(ctx context.Context, tier Tier, req pllm.CompletionRequest) (*pllm.CompletionResponse, error) {
	resp, err := resilience.DoResult(d.group.Prefer(breakerName(tier)), func(_ string, e tierEntry) (*pllm.CompletionResponse, error) {
		var out *pllm.CompletionResponse
		err := scope.Retry(ctx, d.tierAttempts(tier, e.tier), d.backoff, retriable, func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
			r, err := e.provider.Complete(ctx, req)
			if err != nil {
				return err
			}
			if r == nil || (r.Content == "" && len(r.ToolCalls) == 0) {
				return ErrEmpty
			}
			out = r
			return nil
		})
		if err == nil && e.tier != tier {
			slog.Warn("completion served by fallback tier", "requested", tier, "served", e.tier)
		}
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	for j, tc := range resp.ToolCalls {
		if repaired, rerr := RepairJSON(tc.Arguments); rerr == nil {
			resp.ToolCalls[j].Arguments = repaired
		}
	}
	return resp, nil
}
