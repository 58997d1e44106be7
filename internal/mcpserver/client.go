package mcpserver

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

// Config tells the MCP bridge where the engine lives and how to
// authenticate against it.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	AdminToken string // Operator token; empty if the engine runs open
}

// KeymuxClient speaks the engine's HTTP API on behalf of the MCP tool
// handlers. It carries no per-call state, so one instance serves
// concurrent tool invocations.
type KeymuxClient struct {
	base  string
	token string
	hc    *http.Client
}

// NewKeymuxClient creates a client for the keymux engine.
func NewKeymuxClient(cfg Config) *KeymuxClient {
	return &KeymuxClient{
		base:  strings.TrimSuffix(cfg.APIURL, "/"),
		token: cfg.AdminToken,
		hc:    &http.Client{Timeout: 30 * time.Second},
	}
}

// maxResponseBytes caps how much of a response body the client reads.
// Engine payloads are small; anything larger means the URL points at
// something that is not keymux.
const maxResponseBytes = 1 << 20

// call performs one request against the engine and hands back the raw
// response body for the tool handlers to format.
func (c *KeymuxClient) call(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, error) {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, engineError(resp.StatusCode, raw)
	}
	return json.RawMessage(raw), nil
}

// engineError shapes a non-2xx response into an error an agent can act
// on. The engine sends {"error", "message"} pairs for expected
// failures; anything else (a proxy page, a wrong port) comes back
// verbatim.
func engineError(status int, body []byte) error {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Errorf("engine returned %d: %s", status, e.Message)
	}
	return fmt.Errorf("engine returned %d: %s", status, strings.TrimSpace(string(body)))
}

func groupQuery(group string) url.Values {
	if group == "" {
		return nil
	}
	return url.Values{"group": {group}}
}

// GetKey checks out a key from the given group.
func (c *KeymuxClient) GetKey(ctx context.Context, group string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/v1/keys/get", groupQuery(group), nil)
}

// ReportOutcome records an upstream response code for a key.
func (c *KeymuxClient) ReportOutcome(ctx context.Context, key string, code int, note string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/v1/keys/status", nil, struct {
		Key  string `json:"key"`
		Code int    `json:"code"`
		Note string `json:"note,omitempty"`
	}{key, code, note})
}

// AcquireLease takes a concurrency slot for a key. A zero maxConcurrent
// keeps the engine's configured ceiling.
func (c *KeymuxClient) AcquireLease(ctx context.Context, key string, maxConcurrent int) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/v1/admission/acquire", nil, struct {
		Key           string `json:"key"`
		MaxConcurrent int    `json:"maxConcurrent"`
	}{key, maxConcurrent})
}

// ReleaseLease gives a concurrency slot back.
func (c *KeymuxClient) ReleaseLease(ctx context.Context, key, leaseID string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/v1/admission/release", nil, struct {
		Key     string `json:"key"`
		LeaseID string `json:"leaseId"`
	}{key, leaseID})
}

// ListKeys lists registered keys, optionally filtered by group.
func (c *KeymuxClient) ListKeys(ctx context.Context, group string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/v1/keys", groupQuery(group), nil)
}

// AddKey registers a new key in the pool. A nil weight keeps the engine
// default; an explicit zero marks the key as fallback tier.
func (c *KeymuxClient) AddKey(ctx context.Context, key, name, group string, weight *int) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, "/v1/keys", nil, struct {
		Key    string `json:"key"`
		Name   string `json:"name,omitempty"`
		Group  string `json:"group,omitempty"`
		Weight *int   `json:"weight,omitempty"`
	}{key, name, group, weight})
}

// PoolStatus returns the operator overview of the pool.
func (c *KeymuxClient) PoolStatus(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, "/v1/pool/status", nil, nil)
}

// UpdateSetting stores a runtime setting override.
func (c *KeymuxClient) UpdateSetting(ctx context.Context, name, value string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPut, "/v1/settings", nil, struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}{name, value})
}
