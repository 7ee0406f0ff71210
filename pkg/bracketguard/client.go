// Package bracketguard is a Go client for the bracketguard daemon: the HTTP
// API for positions, audit events and commands, and the gRPC alert stream.
package bracketguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bracketguard: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the bracketguard HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new bracketguard API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status returns a summary of the protected book.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Positions returns the ledger's positions sorted by symbol.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events returns audit events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	v := url.Values{}
	if q.Symbol != "" {
		v.Set("symbol", q.Symbol)
	}
	if q.Action != "" {
		v.Set("action", q.Action)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []Event
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile runs a verification pass now and returns its result.
func (c *Client) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	var out ReconcileResult
	if err := c.do(ctx, http.MethodPost, "/api/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitIntent queues an entry intent.
func (c *Client) SubmitIntent(ctx context.Context, in Intent) error {
	return c.do(ctx, http.MethodPost, "/api/intents", in, nil)
}

// PartialExit sells fraction of a position; 0 uses the server default.
func (c *Client) PartialExit(ctx context.Context, symbol string, fraction float64) (*PartialExitResult, error) {
	var out PartialExitResult
	path := "/api/positions/" + url.PathEscape(symbol) + "/partial-exit"
	if err := c.do(ctx, http.MethodPost, path, PartialExitRequest{Fraction: fraction}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
