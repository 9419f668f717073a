// Package guestsync is the offline-first client for the guest-list API.
//
// It keeps a device-local mirror of guests and guest groups, queues mutations
// made while the server is unreachable, and replays them in order once
// connectivity returns.
//
// Example:
//
//	client := guestsync.NewClient("https://guests.example.com")
//	guests, _ := client.Guests.List(ctx)
//
//	mgr, _ := guestsync.NewManager(client, guestsync.WithDataDir(dir))
//	mgr.Start(ctx)
//	defer mgr.Close()
//	mgr.AddGuest(ctx, guestsync.GuestInput{Name: "Asha", Phone: "555-1"})
package guestsync

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
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultTimeout      = 15 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	HealthPath          = "/api/health"
)

// Client talks to the guest-list REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	Guests *GuestsClient
	Groups *GroupsClient
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Guests = &GuestsClient{c: c}
	c.Groups = &GroupsClient{c: c}
	return c
}

// BaseURL returns the API root this client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		envelope.Error.Status = status
		return envelope.Error
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

// Health issues a HEAD request against the health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// ============================================================================
// Remote API surface
// ============================================================================

// GuestAPI is the remote guest collection.
type GuestAPI interface {
	List(ctx context.Context) ([]Guest, error)
	Create(ctx context.Context, in GuestInput) (*Guest, error)
	Update(ctx context.Context, id string, data map[string]any) (*Guest, error)
	Delete(ctx context.Context, id string) error
	BulkUpdate(ctx context.Context, ids []string, data map[string]any) ([]Guest, error)
}

// GroupAPI is the remote guest-group collection.
type GroupAPI interface {
	List(ctx context.Context) ([]GuestGroup, error)
	Create(ctx context.Context, in GroupInput) (*GuestGroup, error)
	Update(ctx context.Context, id string, data map[string]any) (*GuestGroup, error)
	Delete(ctx context.Context, id string) error
}

// Backend bundles the remote collections the coordinator replays against.
type Backend struct {
	Guests GuestAPI
	Groups GroupAPI
}

// Backend returns the client's collections as a Backend.
func (c *Client) Backend() Backend {
	return Backend{Guests: c.Guests, Groups: c.Groups}
}

// ============================================================================
// Guests
// ============================================================================

// GuestsClient handles /api/guests.
type GuestsClient struct{ c *Client }

func (g *GuestsClient) List(ctx context.Context) ([]Guest, error) {
	data, err := g.c.doRequest(ctx, http.MethodGet, "/api/guests", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Guest](data)
	if err != nil {
		return nil, err
	}
	guests := *out
	for i := range guests {
		guests[i] = NormalizeGuest(guests[i])
	}
	return guests, nil
}

func (g *GuestsClient) Create(ctx context.Context, in GuestInput) (*Guest, error) {
	data, err := g.c.doRequest(ctx, http.MethodPost, "/api/guests", in, nil)
	if err != nil {
		return nil, err
	}
	return decodeGuest(data)
}

func (g *GuestsClient) Update(ctx context.Context, id string, patch map[string]any) (*Guest, error) {
	data, err := g.c.doRequest(ctx, http.MethodPatch, "/api/guests/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeGuest(data)
}

func (g *GuestsClient) Delete(ctx context.Context, id string) error {
	_, err := g.c.doRequest(ctx, http.MethodDelete, "/api/guests/"+url.PathEscape(id), nil, nil)
	return err
}

func (g *GuestsClient) BulkUpdate(ctx context.Context, ids []string, patch map[string]any) ([]Guest, error) {
	body := map[string]any{"ids": ids, "data": patch}
	data, err := g.c.doRequest(ctx, http.MethodPost, "/api/guests/bulk-update", body, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Guest](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func decodeGuest(data []byte) (*Guest, error) {
	g, err := decodeJSON[Guest](data)
	if err != nil {
		return nil, err
	}
	n := NormalizeGuest(*g)
	return &n, nil
}

// ============================================================================
// Groups
// ============================================================================

// GroupsClient handles /api/groups.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) List(ctx context.Context) ([]GuestGroup, error) {
	data, err := g.c.doRequest(ctx, http.MethodGet, "/api/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]GuestGroup](data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (g *GroupsClient) Create(ctx context.Context, in GroupInput) (*GuestGroup, error) {
	data, err := g.c.doRequest(ctx, http.MethodPost, "/api/groups", in, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[GuestGroup](data)
}

func (g *GroupsClient) Update(ctx context.Context, id string, patch map[string]any) (*GuestGroup, error) {
	data, err := g.c.doRequest(ctx, http.MethodPatch, "/api/groups/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[GuestGroup](data)
}

func (g *GroupsClient) Delete(ctx context.Context, id string) error {
	_, err := g.c.doRequest(ctx, http.MethodDelete, "/api/groups/"+url.PathEscape(id), nil, nil)
	return err
}
