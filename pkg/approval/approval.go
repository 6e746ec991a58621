// Package approval implements the tool-call approval channel (C3): a
// single-client JSON-RPC protocol over WebSocket that lets a human or
// policy engine approve or reject an individual tool call before the
// coordinator executes it.
//
// The wire protocol mirrors the one pattern already proven by this
// coordinator's own auth and transport layers: a small, explicit state
// machine guarded by a mutex, with pending requests tracked as
// correlation-keyed slots rather than goroutine-per-request fan-out.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request describes a tool call awaiting approval.
type Request struct {
	ServerName string         `json:"server_name"`
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args"`
}

func (r Request) String() string {
	return fmt.Sprintf("%s.%s(%v)", r.ServerName, r.ToolName, r.ToolArgs)
}

// rpcRequest is the JSON-RPC envelope sent to the connected client.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  Request `json:"params"`
	ID      string  `json:"id"`
}

// rpcResponse is the JSON-RPC envelope received back from the client.
type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	Result  bool   `json:"result"`
	ID      string `json:"id"`
}

// Sender is the minimal transport the channel needs to push an approval
// request to the connected client. Satisfied by a thin adapter over
// *websocket.Conn in pkg/toolsvc, kept here as an interface so the channel
// itself has no dependency on the HTTP/WebSocket stack and is trivially
// testable with a fake.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// pending tracks a single in-flight approval request awaiting a decision.
type pending struct {
	result chan bool
	err    chan error
}

// Observer is notified of the lifecycle of every approval request, letting
// a caller outside the WebSocket read loop — the Coordinator, pausing its
// execution budget clock — react without polling the channel's state.
type Observer interface {
	// OnRequested fires once Request has sent req to the attached client,
	// before it starts waiting for a decision.
	OnRequested(id string, req Request)
	// OnResolved fires when a request leaves the pending set for any
	// reason: approved, rejected, timed out, or disconnected.
	OnResolved(id string)
}

// Channel is the server-side half of the approval protocol. It is required
// to run the Tool Service (C4): when approval is required, tool execution
// blocks on Request until a Decide call (driven by the WebSocket read loop)
// or the timeout fires.
type Channel struct {
	approvalRequired bool
	timeout          time.Duration

	mu       sync.Mutex
	sender   Sender
	pending  map[string]*pending
	observer Observer
}

// SetObserver installs o as the channel's lifecycle observer, replacing any
// previous one. Pass nil to detach.
func (c *Channel) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// New creates a Channel. When approvalRequired is false, Request always
// returns true immediately and no client connection is needed.
func New(approvalRequired bool, timeout time.Duration) *Channel {
	return &Channel{
		approvalRequired: approvalRequired,
		timeout:          timeout,
		pending:          make(map[string]*pending),
	}
}

// Open reports whether an approval client is currently attached.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender != nil
}

// Attach binds the connected client's Sender to the channel. Only one
// client may be attached at a time; Attach refuses a second one with
// ErrAlreadyConnected rather than silently replacing it, since a live
// connection dropping unnoticed would fail every pending approval on the
// replaced Sender.
func (c *Channel) Attach(sender Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender != nil {
		return ErrAlreadyConnected
	}
	c.sender = sender
	return nil
}

// Detach removes the current client and fails every pending request with
// ErrDisconnected, mirroring the Python implementation's behavior of
// erroring all outstanding futures on WebSocket disconnect.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sender = nil
	for id, p := range c.pending {
		select {
		case p.err <- ErrDisconnected:
		default:
		}
		delete(c.pending, id)
	}
}

// Request asks the attached client to approve a tool call and blocks until
// a decision arrives, the timeout elapses, or ctx is cancelled. If approval
// is not required, it returns true immediately without touching the wire.
func (c *Channel) Request(ctx context.Context, req Request) (bool, error) {
	if !c.approvalRequired {
		return true, nil
	}

	c.mu.Lock()
	sender := c.sender
	if sender == nil {
		c.mu.Unlock()
		return false, ErrNotConnected
	}

	id := uuid.NewString()
	p := &pending{result: make(chan bool, 1), err: make(chan error, 1)}
	c.pending[id] = p
	observer := c.observer
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if observer != nil {
			observer.OnResolved(id)
		}
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "approve", Params: req, ID: id})
	if err != nil {
		return false, fmt.Errorf("approval: marshal request: %w", err)
	}

	if err := sender.Send(ctx, data); err != nil {
		return false, fmt.Errorf("approval: send request: %w", err)
	}

	if observer != nil {
		observer.OnRequested(id, req)
	}

	// A non-positive timeout means wait indefinitely for a decision: a
	// zero-value time.Duration passed to context.WithTimeout would expire
	// the context immediately, which is not what "no timeout" means here.
	timeoutCtx, cancel := ctx, func() {}
	if c.timeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	select {
	case approved := <-p.result:
		return approved, nil
	case err := <-p.err:
		return false, err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, ErrTimeout
	}
}

// Decide resolves a pending request by correlation ID. It is called from
// the WebSocket read loop each time a JSON-RPC response arrives. Decisions
// for unknown or already-resolved IDs (duplicate or late responses) are
// silently ignored, matching the fire-and-forget nature of the wire
// protocol.
func (c *Channel) Decide(id string, approved bool) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.result <- approved:
	default:
	}
}

// DecodeResponse parses a raw JSON-RPC response frame received from the
// client and applies it via Decide.
func (c *Channel) DecodeResponse(data []byte) error {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("approval: decode response: %w", err)
	}
	c.Decide(resp.ID, resp.Result)
	return nil
}

// Sentinel errors returned by Request.
var (
	ErrNotConnected     = errorString("approval channel: no client connected")
	ErrDisconnected     = errorString("approval channel: client disconnected")
	ErrTimeout          = errorString("approval channel: request timed out")
	ErrAlreadyConnected = errorString("approval channel: a client is already attached")
)

type errorString string

func (e errorString) Error() string { return string(e) }
