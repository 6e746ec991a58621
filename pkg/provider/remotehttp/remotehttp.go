// Package remotehttp implements a provider.Client for tool providers that
// expose a plain REST API rather than speaking MCP: a GET for tool
// discovery and a POST per invocation, the same shape as this codebase's
// sandbox-server REST client.
package remotehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rhuss/sandboxd/pkg/provider"
)

// Client calls a REST tool provider directly.
type Client struct {
	spec       provider.Spec
	httpClient *http.Client

	mu    sync.Mutex
	tools []provider.ToolSchema
}

// New creates a Client for the given provider spec. spec.Transport must be
// provider.TransportRemoteHTTP and spec.URL its base URL.
func New(spec provider.Spec) *Client {
	return &Client{
		spec:       spec,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Connect(ctx context.Context) (*provider.Session, error) {
	tools, err := c.ListTools(ctx, true)
	if err != nil {
		return nil, err
	}
	return &provider.Session{Name: c.spec.Name, Tools: tools}, nil
}

func (c *Client) ListTools(ctx context.Context, refresh bool) ([]provider.ToolSchema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !refresh && c.tools != nil {
		return c.tools, nil
	}

	var schemas []provider.ToolSchema
	if err := c.doJSON(ctx, http.MethodGet, "/tools", nil, &schemas); err != nil {
		return nil, err
	}

	c.tools = schemas
	return schemas, nil
}

func (c *Client) Invoke(ctx context.Context, call provider.ToolCall) (*provider.ToolResult, error) {
	var out struct {
		Content string `json:"content"`
		IsError bool   `json:"is_error"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/tools/"+call.Name, call.Arguments, &out); err != nil {
		return nil, err
	}
	return &provider.ToolResult{Content: out.Content, IsError: out.IsError}, nil
}

func (c *Client) Close() error {
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.spec.URL+path, reader)
	if err != nil {
		return &provider.TransportError{Provider: c.spec.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &provider.TransportError{Provider: c.spec.Name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &provider.TransportError{Provider: c.spec.Name, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &provider.TransportError{Provider: c.spec.Name, Err: fmt.Errorf("provider at capacity (HTTP 429)")}
	}
	if resp.StatusCode >= 300 {
		return &provider.ProtocolError{Provider: c.spec.Name, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &provider.ProtocolError{Provider: c.spec.Name, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
