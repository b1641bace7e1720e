// Package safety provides a content-safety filter for outgoing speech.
package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Verdict is the filter decision for one text.
type Verdict struct {
	// Allowed is false when the text must not be spoken.
	Allowed bool

	// Categories lists the matched policy categories when blocked.
	Categories []string
}

// Filter screens text before it reaches TTS. Implementations must be safe
// for concurrent use.
type Filter interface {
	Check(ctx context.Context, text string, categories []string) (Verdict, error)
}

// Client is an HTTP [Filter] speaking a small JSON protocol:
// POST {endpoint} {"text","categories"} -> {"allowed","categories_matched"}.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// Compile-time interface assertion.
var _ Filter = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Default has a 5s timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a Client for endpoint.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("safety: endpoint must not be empty")
	}
	c := &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Check implements Filter.
func (c *Client) Check(ctx context.Context, text string, categories []string) (Verdict, error) {
	body, err := json.Marshal(map[string]any{
		"text":       text,
		"categories": categories,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("safety: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("safety: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("safety: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("safety: status %d", resp.StatusCode)
	}

	var out struct {
		Allowed           bool     `json:"allowed"`
		CategoriesMatched []string `json:"categories_matched"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("safety: decode response: %w", err)
	}
	return Verdict{Allowed: out.Allowed, Categories: out.CategoriesMatched}, nil
}

// AllowAll is a [Filter] that never blocks. Used in development setups
// without a safety backend.
type AllowAll struct{}

// Compile-time interface assertion.
var _ Filter = AllowAll{}

// Check implements Filter.
func (AllowAll) Check(context.Context, string, []string) (Verdict, error) {
	return Verdict{Allowed: true}, nil
}
