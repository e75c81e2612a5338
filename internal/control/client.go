// Package control is the HTTP client for a running marketsim API.
// Reads go to the public endpoints; everything that changes the
// simulation carries the admin bearer token.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/talgya/npc-market/internal/engine"
	"github.com/talgya/npc-market/internal/evaluator"
	"github.com/talgya/npc-market/internal/events"
	"github.com/talgya/npc-market/internal/fault"
)

// Status mirrors GET /api/v1/status.
type Status struct {
	Tick          uint64        `json:"tick"`
	Running       bool          `json:"running"`
	IntervalMs    int64         `json:"interval_ms"`
	StreamClients int32         `json:"stream_clients"`
	Engine        engine.Status `json:"engine"`
}

// APIError is a non-2xx answer. It unwraps to the matching fault sentinel so
// callers can use errors.Is the same way they would in-process.
type APIError struct {
	Code    int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("api %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api %d (%s): %s", e.Code, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return fault.ErrNotFound
	case "validation":
		return fault.ErrValidation
	case "rule":
		return fault.ErrRule
	case "collaborator":
		return fault.ErrCollaborator
	}
	return nil
}

// Client talks to one marketsim instance.
type Client struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// New creates a Client. adminKey may be empty for read-only use.
func New(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status fetches the clock and orchestrator status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	return &st, c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st)
}

// Start starts the clock. A zero interval keeps the current one.
func (c *Client) Start(ctx context.Context, interval time.Duration) (*Status, error) {
	var body any
	if interval > 0 {
		body = map[string]int64{"interval_ms": interval.Milliseconds()}
	}
	var st Status
	return &st, c.do(ctx, http.MethodPost, "/api/v1/clock/start", body, &st)
}

// Stop stops the clock.
func (c *Client) Stop(ctx context.Context) (*Status, error) {
	var st Status
	return &st, c.do(ctx, http.MethodPost, "/api/v1/clock/stop", nil, &st)
}

// Step fires a single tick.
func (c *Client) Step(ctx context.Context) (*engine.Tick, error) {
	var t engine.Tick
	return &t, c.do(ctx, http.MethodPost, "/api/v1/clock/step", nil, &t)
}

// Intervals fetches the per-branch tick intervals.
func (c *Client) Intervals(ctx context.Context) (engine.Intervals, error) {
	var iv engine.Intervals
	err := c.do(ctx, http.MethodGet, "/api/v1/intervals", nil, &iv)
	return iv, err
}

// UpdateIntervals changes the intervals named in u.
func (c *Client) UpdateIntervals(ctx context.Context, u engine.IntervalUpdate) (engine.Intervals, error) {
	var iv engine.Intervals
	err := c.do(ctx, http.MethodPost, "/api/v1/intervals", u, &iv)
	return iv, err
}

// EvaluateOffer asks an NPC to consider a service.
func (c *Client) EvaluateOffer(ctx context.Context, req evaluator.OfferRequest) (*evaluator.Decision, error) {
	var d evaluator.Decision
	return &d, c.do(ctx, http.MethodPost, "/api/v1/offers", req, &d)
}

// Events fetches up to limit recent events, optionally filtered by name.
func (c *Client) Events(ctx context.Context, limit int, name string) ([]events.Event, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if name != "" {
		q.Set("name", name)
	}
	var evs []events.Event
	err := c.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, &evs)
	return evs, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && c.AdminKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Kind, apiErr.Message = e.Kind, e.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
