package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/strandproxy/strand/internal/topology"
)

// Client wraps REST access to the strandd admin API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:7070).
func New(rawURL, apiKey string) (*Client, error) {
	if rawURL == "" {
		rawURL = "http://127.0.0.1:7070"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	return &Client{
		baseURL: parsed,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Route summarises one published routing entry.
type Route struct {
	Topology string `json:"topology"`
	Version  uint64 `json:"version"`
	Rules    int    `json:"rules"`
}

func (c *Client) ListTopologies(ctx context.Context) ([]topology.Topology, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/topologies", nil)
	if err != nil {
		return nil, err
	}
	var all []topology.Topology
	if err := c.do(req, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) GetTopology(ctx context.Context, name string) (*topology.Topology, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/topologies/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	var t topology.Topology
	if err := c.do(req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ApplyTopology(ctx context.Context, t topology.Topology) (*topology.Topology, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/topologies", t)
	if err != nil {
		return nil, err
	}
	var applied topology.Topology
	if err := c.do(req, &applied); err != nil {
		return nil, err
	}
	return &applied, nil
}

func (c *Client) DeleteTopology(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/topologies/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) ListRoutes(ctx context.Context) ([]Route, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/routes", nil)
	if err != nil {
		return nil, err
	}
	var routes []Route
	if err := c.do(req, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	resolved := c.baseURL.ResolveReference(&url.URL{Path: path})
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Strand-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
		if msg, ok := apiErr["error"].(string); ok {
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("client: http %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
