package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adrianco/the-goodies/internal/inbetweenies"
	"github.com/adrianco/the-goodies/internal/tools"
	"github.com/adrianco/the-goodies/internal/types"
)

// Client talks to a graph server. It implements inbetweenies.Transport, so
// a sync engine can use it directly.
type Client struct {
	baseURL string
	http    *http.Client
}

// Verify the transport contract at compile time
var _ inbetweenies.Transport = (*Client)(nil)

// NewClient builds a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Send performs one sync exchange. Transport faults and 5xx responses are
// returned plain so the engine's backoff retries them; 4xx responses are
// wrapped in backoff.Permanent.
func (c *Client) Send(ctx context.Context, req *inbetweenies.Request) (*inbetweenies.Response, error) {
	var resp inbetweenies.Response
	if err := c.post(ctx, "/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CallTool dispatches a named tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*tools.Result, error) {
	var res tools.Result
	if err := c.post(ctx, "/tools/"+url.PathEscape(name), json.RawMessage(args), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetEntity fetches the current version of an entity.
func (c *Client) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	var e types.Entity
	if err := c.get(ctx, "/entities/"+url.PathEscape(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetVersion fetches one specific entity version.
func (c *Client) GetVersion(ctx context.Context, id, version string) (*types.Entity, error) {
	var e types.Entity
	if err := c.get(ctx, "/entities/"+url.PathEscape(id)+"/versions/"+url.PathEscape(version), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListVersions fetches the version history of an entity, oldest first.
func (c *Client) ListVersions(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Versions []string `json:"versions"`
	}
	if err := c.get(ctx, "/entities/"+url.PathEscape(id)+"/versions", &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Statistics fetches aggregate graph counts.
func (c *Client) Statistics(ctx context.Context) (*types.Statistics, error) {
	var stats types.Statistics
	if err := c.get(ctx, "/graph/statistics", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", &map[string]any{})
}

func (c *Client) post(ctx context.Context, path string, body, into any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encoding request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, into)
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	return c.do(req, into)
}

func (c *Client) do(req *http.Request, into any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
	}
	return nil
}
