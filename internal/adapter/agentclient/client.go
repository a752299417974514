// Package agentclient provides the HTTP client for talking to one remote
// screen agent.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/screenfleet/orchestrator/internal/domain"
)

// errRateLimited is the typed failure wrapped by RateLimitError.
var errRateLimited = domain.E(domain.KindRateLimited, "agent rate limited")

// RateLimitError is returned when the agent answers 429. RetryAfter is the
// agent's suggested delay, zero when the agent did not send one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("agent rate limited, retry after %s", e.RetryAfter)
	}
	return "agent rate limited"
}

func (e *RateLimitError) Unwrap() error { return errRateLimited }

// StatusResponse is the agent's answer to a status probe.
type StatusResponse struct {
	Status   string          `json:"status"`
	Hostname string          `json:"hostname,omitempty"`
	Screens  []domain.Screen `json:"screens"`
}

// ShotResponse is the agent's answer to a screenshot request. Unchanged is
// set when the agent reports the frame did not change since the last fetch;
// in that case Image is empty.
type ShotResponse struct {
	Unchanged        bool          `json:"no_change,omitempty"`
	Image            string        `json:"image,omitempty"`
	Screen           domain.Screen `json:"screen"`
	ScreensAvailable int           `json:"screens_available,omitempty"`
}

// ExecResponse is the agent's acknowledgement of an executed action.
type ExecResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Client is an HTTP client for one agent endpoint. It holds no mutable
// request state, so it is safe for concurrent use by the monitor sweep and
// the request-serving path.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// last observed round-trip in microseconds, for latency reporting
	lastLatencyUS atomic.Int64
}

// New creates a client for the agent at baseURL. Every request carries the
// given timeout so an unreachable agent can never block a caller forever.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the agent endpoint address.
func (c *Client) BaseURL() string { return c.baseURL }

// Close releases the client's pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// LastLatency returns the round-trip time of the most recent request.
func (c *Client) LastLatency() time.Duration {
	return time.Duration(c.lastLatencyUS.Load()) * time.Microsecond
}

// Status probes the agent's /status endpoint, which also enumerates screens.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Screenshot fetches an encoded frame for one screen. A nil error with
// Unchanged set means the agent reported no change since the last fetch.
func (c *Client) Screenshot(ctx context.Context, screen int) (*ShotResponse, error) {
	var out ShotResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/screenshot/%d", screen), &out); err != nil {
		return nil, err
	}
	if !out.Unchanged && out.Image == "" {
		return nil, domain.E(domain.KindUnreachable, "agent returned no image")
	}
	return &out, nil
}

// Exec relays an input-injection action to the agent.
func (c *Client) Exec(ctx context.Context, action *domain.Action) (*ExecResponse, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}
	var out ExecResponse
	if err := c.do(ctx, http.MethodPost, "/exec", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerUpdate asks the agent to run its update check. The request is
// fire-and-forget: the response body is discarded.
func (c *Client) TriggerUpdate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/update", nil, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.lastLatencyUS.Store(time.Since(start).Microseconds())
	if err != nil {
		return domain.E(domain.KindUnreachable, "agent request failed")
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.E(domain.KindUnreachable, "agent returned malformed response")
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.E(domain.KindUnauthorized, "agent rejected credentials")
	case resp.StatusCode == http.StatusBadRequest:
		return domain.E(domain.KindInvalidInput, "agent rejected request")
	default:
		return domain.E(domain.KindUnreachable, "agent returned status "+strconv.Itoa(resp.StatusCode))
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
