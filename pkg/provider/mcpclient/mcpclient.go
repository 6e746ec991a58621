// Package mcpclient implements a provider.Client for remote MCP servers
// reached over SSE or StreamableHTTP, adapted from this codebase's
// existing MCP tool-calling client.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/sandboxd/pkg/observability"
	"github.com/rhuss/sandboxd/pkg/provider"
)

// Client connects to a remote MCP server.
type Client struct {
	spec provider.Spec

	mcpClient *mcp.Client
	session   *mcp.ClientSession

	mu    sync.Mutex
	tools []provider.ToolSchema
}

// New creates a Client for the given provider spec. spec.Transport must be
// provider.TransportMCPSSE or provider.TransportMCPStreamableHTTP.
func New(spec provider.Spec) *Client {
	return &Client{spec: spec}
}

func (c *Client) Connect(ctx context.Context) (*provider.Session, error) {
	c.mcpClient = mcp.NewClient(
		&mcp.Implementation{Name: "sandboxd", Version: "1.0.0"},
		&mcp.ClientOptions{Capabilities: &mcp.ClientCapabilities{}},
	)

	transport, err := c.createTransport()
	if err != nil {
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: err}
	}

	session, err := c.mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: err}
	}
	c.session = session

	tools, err := c.ListTools(ctx, true)
	if err != nil {
		return nil, err
	}
	return &provider.Session{Name: c.spec.Name, Tools: tools}, nil
}

func (c *Client) createTransport() (mcp.Transport, error) {
	httpClient := c.buildHTTPClient()

	switch c.spec.Transport {
	case provider.TransportMCPSSE:
		t := &mcp.SSEClientTransport{Endpoint: c.spec.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	case provider.TransportMCPStreamableHTTP, "":
		t := &mcp.StreamableClientTransport{Endpoint: c.spec.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", c.spec.Transport)
	}
}

// buildHTTPClient wraps the default transport with the provider's static
// headers, if any are configured. Secrets belong in headers resolved from
// environment variables by pkg/provider.ExpandEnv, not hardcoded here.
func (c *Client) buildHTTPClient() *http.Client {
	if len(c.spec.Headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: c.spec.Headers}}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func (c *Client) ListTools(ctx context.Context, refresh bool) ([]provider.ToolSchema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !refresh && c.tools != nil {
		return c.tools, nil
	}
	if c.session == nil {
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: fmt.Errorf("not connected")}
	}

	var schemas []provider.ToolSchema
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, &provider.ProtocolError{Provider: c.spec.Name, Err: err}
		}
		var input json.RawMessage
		if tool.InputSchema != nil {
			data, merr := json.Marshal(tool.InputSchema)
			if merr != nil {
				return nil, &provider.ProtocolError{Provider: c.spec.Name, Err: merr}
			}
			input = data
		}
		schemas = append(schemas, provider.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: input,
		})
	}

	c.tools = schemas
	return schemas, nil
}

func (c *Client) Invoke(ctx context.Context, call provider.ToolCall) (*provider.ToolResult, error) {
	if c.session == nil {
		observability.MCPRequestsTotal.WithLabelValues(c.spec.Name, call.Name, "error").Inc()
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: fmt.Errorf("not connected")}
	}

	start := time.Now()
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: call.Name, Arguments: call.Arguments})
	observability.MCPLatency.WithLabelValues(c.spec.Name, call.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.MCPRequestsTotal.WithLabelValues(c.spec.Name, call.Name, "error").Inc()
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: err}
	}
	observability.MCPRequestsTotal.WithLabelValues(c.spec.Name, call.Name, "ok").Inc()

	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}

	return &provider.ToolResult{Content: text, IsError: result.IsError}, nil
}

func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}
