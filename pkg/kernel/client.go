// Package kernel implements the Kernel Client (C5): a stateful connection
// to a remote IPython kernel gateway. Code submitted through a Client
// shares a single kernel, so definitions and variables from one execution
// are visible to the next, exactly like a REPL.
//
// The wire protocol is the Jupyter kernel gateway protocol: an HTTP POST
// creates the kernel, a WebSocket carries execute_request/execute_reply
// traffic on the shell channel, and stream/error/execute_result/display_data
// messages arrive asynchronously and are demultiplexed by parent message ID
// — the same correlation-by-ID approach used by the approval channel.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Config configures a Client's connection to a kernel gateway.
type Config struct {
	// Host and Port locate the kernel gateway.
	Host string
	Port int

	// ImagesDir is where image/png display outputs are written. Defaults
	// to "images" in the current directory.
	ImagesDir string

	// HeartbeatInterval is the WebSocket ping interval that keeps the
	// kernel connection alive through idle proxies.
	HeartbeatInterval time.Duration

	// ConnectRetries and ConnectRetryInterval bound how long Connect waits
	// for a kernel gateway that is still starting up.
	ConnectRetries       int
	ConnectRetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ImagesDir == "" {
		c.ImagesDir = "images"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 10
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = time.Second
	}
	return c
}

// FragmentKind distinguishes the pieces of an execution's streamed output.
type FragmentKind int

const (
	FragmentText FragmentKind = iota
	FragmentImage
)

// Fragment is one piece of code-execution output, delivered as it is
// produced. Images are not streamed inline; only their on-disk path is
// delivered once the bytes have been written.
type Fragment struct {
	Kind      FragmentKind
	Text      string
	ImagePath string
}

// Result is the accumulated outcome of a fully consumed Execution.
type Result struct {
	Text   string
	Images []string
}

// ExecutionError is raised when the kernel reports that executed code
// raised an exception.
type ExecutionError struct {
	Name      string
	Value     string
	Traceback string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s\n%s", e.Name, e.Value, e.Traceback)
}

// Client maintains one kernel gateway connection and the single IPython
// kernel created on it. Submit/Execute are safe to call from one goroutine
// at a time; the kernel itself processes requests serially regardless.
type Client struct {
	cfg Config

	httpClient *http.Client

	mu        sync.Mutex
	kernelID  string
	sessionID string
	conn      *websocket.Conn

	dispatch   sync.Mutex
	recipients map[string]chan json.RawMessage
	readErr    chan error
}

// New creates a Client. Call Connect before submitting code.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sessionID:  uuid.NewString(),
		recipients: make(map[string]chan json.RawMessage),
		readErr:    make(chan error, 1),
	}
}

func (c *Client) baseHTTPURL() string {
	return fmt.Sprintf("http://%s:%d/api/kernels", c.cfg.Host, c.cfg.Port)
}

func (c *Client) kernelHTTPURL() string {
	return fmt.Sprintf("%s/%s", c.baseHTTPURL(), c.kernelID)
}

func (c *Client) kernelWSURL() string {
	return fmt.Sprintf("ws://%s:%d/api/kernels/%s/channels?session_id=%s", c.cfg.Host, c.cfg.Port, c.kernelID, c.sessionID)
}

// Connect creates a kernel on the gateway, opens the channels WebSocket,
// and starts the background read loop. It retries kernel creation since
// a freshly started gateway pod may not accept connections immediately.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for i := 0; i < c.cfg.ConnectRetries; i++ {
		id, err := c.createKernel(ctx)
		if err == nil {
			c.kernelID = id
			lastErr = nil
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ConnectRetryInterval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("kernel: failed to create kernel after %d attempts: %w", c.cfg.ConnectRetries, lastErr)
	}

	conn, _, err := websocket.Dial(ctx, c.kernelWSURL(), nil)
	if err != nil {
		return fmt.Errorf("kernel: connecting channels websocket: %w", err)
	}
	conn.SetReadLimit(64 << 20)
	c.conn = conn

	go c.readLoop()

	// A ping with no pong within two intervals closes the connection, which
	// fails every in-flight Execution through readLoop's disconnect path.
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for range ticker.C {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*c.cfg.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat lost")
				return
			}
		}
	}()

	// Disable ANSI color codes in tracebacks, matching a plain-text terminal.
	if _, err := c.Execute(ctx, "%colors nocolor", 30*time.Second); err != nil {
		return fmt.Errorf("kernel: initializing kernel: %w", err)
	}
	return nil
}

// Close disconnects the WebSocket and deletes the kernel.
func (c *Client) Close(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.kernelHTTPURL(), nil)
	if err != nil {
		return fmt.Errorf("kernel: building delete request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kernel: deleting kernel: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// Execute submits code and blocks until the result is available.
func (c *Client) Execute(ctx context.Context, code string, timeout time.Duration) (*Result, error) {
	exec, err := c.Submit(ctx, code)
	if err != nil {
		return nil, err
	}
	return exec.Result(ctx, timeout)
}

// Submit sends code for execution and returns immediately with an
// Execution that can be streamed or awaited.
func (c *Client) Submit(ctx context.Context, code string) (*Execution, error) {
	reqID := uuid.NewString()

	ch := make(chan json.RawMessage, 64)
	c.dispatch.Lock()
	c.recipients[reqID] = ch
	c.dispatch.Unlock()

	msg := shellMessage{
		Header: messageHeader{
			Username: "",
			Version:  "5.0",
			Session:  c.sessionID,
			MsgID:    reqID,
			MsgType:  "execute_request",
		},
		ParentHeader: map[string]any{},
		Channel:      "shell",
		Content: executeContent{
			Code:             code,
			Silent:           false,
			StoreHistory:     false,
			UserExpressions:  map[string]any{},
			AllowStdin:       false,
		},
		Metadata: map[string]any{},
		Buffers:  []any{},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal execute_request: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("kernel: sending execute_request: %w", err)
	}

	return &Execution{client: c, reqID: reqID, messages: ch}, nil
}

// readLoop dispatches incoming kernel messages to the channel registered
// for their parent message ID. Messages with no registered recipient (late
// arrivals after a timeout, or replies to requests from a previous client
// generation) are dropped.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.readErr <- err
			c.broadcastDisconnect()
			return
		}

		var env messageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		parentID, _ := env.ParentHeader["msg_id"].(string)
		if parentID == "" {
			continue
		}

		c.dispatch.Lock()
		ch, ok := c.recipients[parentID]
		c.dispatch.Unlock()
		if !ok {
			continue
		}

		select {
		case ch <- data:
		default:
		}
	}
}

func (c *Client) broadcastDisconnect() {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	for _, ch := range c.recipients {
		close(ch)
	}
	c.recipients = make(map[string]chan json.RawMessage)
}

func (c *Client) release(reqID string) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	delete(c.recipients, reqID)
}

// Interrupt sends a kernel interrupt, used by a caller enforcing its own
// execution budget independently of Execution.Stream's per-call timeout.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.interrupt(ctx)
}

func (c *Client) interrupt(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"kernel_id": c.kernelID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.kernelHTTPURL()+"/interrupt", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) createKernel(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": "python"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseHTTPURL(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kernel gateway returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode kernel response: %w", err)
	}
	return out.ID, nil
}

// imagesDir returns the configured images directory, creating it on demand.
func (c *Client) imagesDir() (string, error) {
	dir := c.cfg.ImagesDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
