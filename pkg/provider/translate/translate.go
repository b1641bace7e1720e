// Package translate provides a client for sentence translation between the
// model pivot language and the caller's active language.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Translator converts text between languages. Implementations must be safe
// for concurrent use.
type Translator interface {
	// Translate returns text in target. source may be empty, letting the
	// backend detect it. Identical source and target return text unchanged.
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// Client is an HTTP [Translator] speaking a small JSON protocol:
// POST {endpoint} {"text","source","target"} -> {"text"}.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// Compile-time interface assertion.
var _ Translator = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Default has a 10s timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a Client for endpoint.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("translate: endpoint must not be empty")
	}
	c := &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Translate implements Translator.
func (c *Client) Translate(ctx context.Context, text, source, target string) (string, error) {
	if text == "" || source == target {
		return text, nil
	}

	body, err := json.Marshal(map[string]string{
		"text":   text,
		"source": source,
		"target": target,
	})
	if err != nil {
		return "", fmt.Errorf("translate: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("translate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate: status %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("translate: decode response: %w", err)
	}
	return out.Text, nil
}

// Noop is a [Translator] that returns text unchanged. Used when all call
// languages share the model pivot language.
type Noop struct{}

// Compile-time interface assertion.
var _ Translator = Noop{}

// Translate implements Translator.
func (Noop) Translate(_ context.Context, text, _, _ string) (string, error) {
	return text, nil
}
