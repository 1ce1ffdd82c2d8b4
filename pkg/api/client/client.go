// Package client is a small typed client for the metrics API, used by
// command-line tools.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the metrics API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		code, msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Code: code, Message: msg}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (string, string) {
	if body == nil {
		return "", ""
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	return payload.Code, strings.TrimSpace(payload.Error)
}

// EventCount is the caller's persisted event count for a window.
type EventCount struct {
	Count int64     `json:"count"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CountEvents returns how many events the token's identity has persisted in
// the window named by rangeToken (for example "1h" or "24h").
func (c *Client) CountEvents(ctx context.Context, token, rangeToken string) (EventCount, error) {
	query := url.Values{}
	if strings.TrimSpace(rangeToken) != "" {
		query.Set("range", strings.TrimSpace(rangeToken))
	}
	var count EventCount
	if err := c.get(ctx, "/api/metrics/events/count", query, token, &count); err != nil {
		return EventCount{}, err
	}
	return count, nil
}

// Query is a deferred query handle or a finished result. Result holds the raw
// JSON body once Status is "done".
type Query struct {
	ID     string
	Status string
	Result json.RawMessage
}

// PollQuery fetches the state of a deferred admin query.
func (c *Client) PollQuery(ctx context.Context, token, queryID string) (Query, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/metrics/queries/"+url.PathEscape(queryID), nil, token, &raw); err != nil {
		return Query{}, err
	}
	var head struct {
		Status  string `json:"status"`
		QueryID string `json:"query_id"`
	}
	_ = json.Unmarshal(raw, &head)
	q := Query{ID: queryID, Status: head.Status}
	if q.Status == "" || q.Status == "done" {
		q.Status = "done"
		q.Result = raw
	}
	return q, nil
}
