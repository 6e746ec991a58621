// Package localprocess implements a provider.Client that spawns a tool
// provider as a local subprocess speaking MCP over stdio. This is the
// transport ipybox itself uses for code-generated tool wrappers: the
// generated Python module runs in-process with the executing kernel, but
// the equivalent standalone-provider case is a child process the
// coordinator owns end to end.
package localprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/sandboxd/pkg/provider"
)

// Client connects to a tool provider launched as a child process.
type Client struct {
	spec provider.Spec

	mcpClient *mcp.Client
	session   *mcp.ClientSession

	mu    sync.Mutex
	tools []provider.ToolSchema
}

// New creates a Client for the given provider spec. spec.Transport must be
// provider.TransportLocalProcess.
func New(spec provider.Spec) *Client {
	return &Client{spec: spec}
}

func (c *Client) Connect(ctx context.Context) (*provider.Session, error) {
	if c.spec.Command == "" {
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: fmt.Errorf("no command configured")}
	}

	cmd := exec.CommandContext(ctx, c.spec.Command, c.spec.Args...)
	for k, v := range c.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	c.mcpClient = mcp.NewClient(
		&mcp.Implementation{Name: "sandboxd", Version: "1.0.0"},
		&mcp.ClientOptions{Capabilities: &mcp.ClientCapabilities{}},
	)

	session, err := c.mcpClient.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
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
		schema, err := convertTool(tool)
		if err != nil {
			return nil, &provider.ProtocolError{Provider: c.spec.Name, Err: err}
		}
		schemas = append(schemas, schema)
	}

	c.tools = schemas
	return schemas, nil
}

func (c *Client) Invoke(ctx context.Context, call provider.ToolCall) (*provider.ToolResult, error) {
	if c.session == nil {
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: fmt.Errorf("not connected")}
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: call.Name, Arguments: call.Arguments})
	if err != nil {
		return nil, &provider.TransportError{Provider: c.spec.Name, Err: err}
	}

	return convertResult(result), nil
}

func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func convertTool(t *mcp.Tool) (provider.ToolSchema, error) {
	var input json.RawMessage
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return provider.ToolSchema{}, fmt.Errorf("marshal input schema: %w", err)
		}
		input = data
	}
	var output json.RawMessage
	if t.OutputSchema != nil {
		data, err := json.Marshal(t.OutputSchema)
		if err != nil {
			return provider.ToolSchema{}, fmt.Errorf("marshal output schema: %w", err)
		}
		output = data
	}
	return provider.ToolSchema{
		Name:         t.Name,
		Description:  t.Description,
		InputSchema:  input,
		OutputSchema: output,
	}, nil
}

func convertResult(result *mcp.CallToolResult) *provider.ToolResult {
	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	return &provider.ToolResult{
		Content:    text,
		Structured: result.StructuredContent,
		IsError:    result.IsError,
	}
}
