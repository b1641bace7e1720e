// Package sms provides a client for sending text messages to callers.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sender delivers one SMS. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// Client is an HTTP [Sender] speaking a small JSON protocol:
// POST {endpoint} {"to","body"} -> 2xx.
type Client struct {
	endpoint string
	apiKey   string
	from     string
	http     *http.Client
}

// Compile-time interface assertion.
var _ Sender = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithFrom sets the sender number attached to outgoing messages.
func WithFrom(from string) Option {
	return func(c *Client) {
		c.from = from
	}
}

// WithHTTPClient overrides the HTTP client. Default has a 10s timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New creates a Client for endpoint.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("sms: endpoint must not be empty")
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

// Send implements Sender.
func (c *Client) Send(ctx context.Context, to, body string) error {
	if to == "" {
		return errors.New("sms: empty recipient")
	}
	payload, err := json.Marshal(map[string]string{
		"to":   to,
		"from": c.from,
		"body": body,
	})
	if err != nil {
		return fmt.Errorf("sms: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms: status %d", resp.StatusCode)
	}
	return nil
}
