package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncapi "github.com/kanak-erp/kanak-erp/internal/sync"
)

// APIClient talks to the server's sync API with a bearer token and a
// bounded per-request timeout. Transport failures map to ErrNetwork so
// the engine can tell "server said no" from "server unreachable".
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient constructs the client. timeout <= 0 defaults to 15s.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Push sends queued mutations in one batch.
func (c *APIClient) Push(ctx context.Context, req syncapi.PushRequest) (syncapi.PushResponse, error) {
	var resp syncapi.PushResponse
	err := c.do(ctx, http.MethodPost, "/sync/push", req, &resp)
	return resp, err
}

// Pull fetches documents changed since the checkpoint.
func (c *APIClient) Pull(ctx context.Context, lastSync string, collections []string) (syncapi.PullResponse, error) {
	path := "/sync/pull"
	q := url.Values{}
	if lastSync != "" {
		q.Set("last_sync", lastSync)
	}
	if len(collections) > 0 {
		q.Set("collections", strings.Join(collections, ","))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp syncapi.PullResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Status fetches per-collection server counts.
func (c *APIClient) Status(ctx context.Context) (syncapi.StatusResponse, error) {
	var resp syncapi.StatusResponse
	err := c.do(ctx, http.MethodGet, "/sync/status", nil, &resp)
	return resp, err
}

// Health probes the server. A nil return means online.
func (c *APIClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent: %s %s: server returned %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: decode response: %w", err)
	}
	return nil
}
