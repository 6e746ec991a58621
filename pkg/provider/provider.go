// Package provider implements the Provider Client (C1): a uniform
// abstraction over the different ways a tool provider can be reached —
// a subprocess speaking MCP over stdio, a remote MCP server over
// SSE/StreamableHTTP, or a plain REST tool backend. The coordinator talks
// to every provider through the same Client interface regardless of
// transport, the way this codebase's original LLM backends (vLLM,
// LiteLLM, OpenAI-compatible) were once unified behind one inference
// interface.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport identifies how a provider is reached.
type Transport string

const (
	TransportLocalProcess      Transport = "local_process"
	TransportRemoteHTTP        Transport = "remote_http"
	TransportMCPSSE            Transport = "mcp_sse"
	TransportMCPStreamableHTTP Transport = "mcp_streamable_http"
)

// Spec describes how to reach one tool provider.
type Spec struct {
	// Name is the logical server name used to namespace its tools and to
	// label approval requests and metrics.
	Name string

	Transport Transport

	// Command and Args launch a local_process provider.
	Command string
	Args    []string
	Env     map[string]string

	// URL is the endpoint for remote_http and mcp_* transports.
	URL string

	// Headers are sent with every request to remote_http and mcp_*
	// transports, typically for authentication.
	Headers map[string]string
}

// ToolSchema describes one tool a provider exposes.
type ToolSchema struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ToolCall is a request to invoke one tool with concrete arguments.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of invoking a tool.
type ToolResult struct {
	// Content is the tool's textual output (for structured results, the
	// JSON-encoded payload).
	Content string
	// Structured carries the parsed structured content when the provider
	// declared an OutputSchema, nil otherwise.
	Structured any
	IsError    bool
}

// Session represents an established connection to one provider, with its
// tool catalogue resolved and cached.
type Session struct {
	Name  string
	Tools []ToolSchema
}

// Client is implemented by every provider transport. A Client is stateful:
// Connect must succeed before ListTools/Invoke are used, and Close
// releases the underlying transport (process, HTTP connection pool,
// MCP session).
type Client interface {
	// Connect performs the transport handshake and returns the resolved
	// session (including the tool catalogue).
	Connect(ctx context.Context) (*Session, error)

	// ListTools returns the provider's tool catalogue, using the cached
	// result from Connect unless refresh is true.
	ListTools(ctx context.Context, refresh bool) ([]ToolSchema, error)

	// Invoke executes one tool call against the connected provider.
	Invoke(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Close releases the transport.
	Close() error
}

// TransportError wraps a failure establishing or maintaining the
// underlying transport (process spawn, dial, handshake).
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %q: transport error: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError wraps a response that violated the expected wire protocol
// (malformed JSON-RPC, missing fields, unexpected message type).
type ProtocolError struct {
	Provider string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("provider %q: protocol error: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolError wraps a tool execution that the provider itself reported as
// failed (as opposed to a transport or protocol failure).
type ToolError struct {
	Provider string
	Tool     string
	Message  string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("provider %q: tool %q failed: %s", e.Provider, e.Tool, e.Message)
}
