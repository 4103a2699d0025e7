// Package analyst is the HTTP client for the natural-language-to-SQL service.
package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
)

var (
	ErrUnavailable = errors.New("analyst: service unavailable")
	ErrNoStatement = errors.New("analyst: no sql in response")
)

// Generation is the service's answer to one question.
type Generation struct {
	RequestID     string `json:"request_id"`
	SQL           string `json:"sql"`
	Narrative     string `json:"narrative"`
	Visualization string `json:"visualization"`
}

type Options struct {
	BaseURL       string
	APIKey        string
	SemanticModel string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Client talks to one NL service endpoint. Safe for concurrent use.
type Client struct {
	base    string
	apiKey  string
	model   string
	timeout time.Duration
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("analyst: invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    u.String(),
		apiKey:  opts.APIKey,
		model:   opts.SemanticModel,
		timeout: opts.Timeout,
		http:    hc,
	}, nil
}

// Generate asks the service to turn question into a SQL statement over the
// configured semantic model.
func (c *Client) Generate(ctx context.Context, question string) (Generation, error) {
	payload := map[string]any{
		"question":       question,
		"semantic_model": c.model,
	}
	var out Generation
	if err := c.do(ctx, http.MethodPost, "/v1/generate", payload, &out); err != nil {
		return Generation{}, err
	}
	if strings.TrimSpace(out.SQL) == "" {
		return Generation{}, ErrNoStatement
	}
	return out, nil
}

// Feedback forwards a rating for an earlier generation.
func (c *Client) Feedback(ctx context.Context, requestID string, positive bool, message string) error {
	payload := map[string]any{
		"request_id": requestID,
		"positive":   positive,
		"message":    message,
	}
	return c.do(ctx, http.MethodPost, "/v1/feedback", payload, nil)
}

// Health reports whether the service answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return fmt.Errorf("%w: %s %s: %s", ErrUnavailable, method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUnavailable, path, err)
	}
	return nil
}
