// Package coordinator implements the Coordinator (C7): the component that
// ties every other piece together into one addressable execution session.
// It owns a provider registry, an approval channel, a Tool Service
// listening on loopback for the kernel to call back into, a kernel client,
// and the code generator that keeps the kernel's importable tool modules
// in sync with the registered providers.
//
// The streaming execution loop is the direct descendant of this
// codebase's agentic turn loop (pkg/engine): instead of pumping LLM
// response events across turns, it pumps kernel output fragments and
// approval requests across one code submission.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/sandboxd/pkg/approval"
	"github.com/rhuss/sandboxd/pkg/codegen"
	"github.com/rhuss/sandboxd/pkg/codegen/samples"
	"github.com/rhuss/sandboxd/pkg/history"
	"github.com/rhuss/sandboxd/pkg/kernel"
	"github.com/rhuss/sandboxd/pkg/provider"
	"github.com/rhuss/sandboxd/pkg/provider/localprocess"
	"github.com/rhuss/sandboxd/pkg/provider/mcpclient"
	"github.com/rhuss/sandboxd/pkg/provider/registry"
	"github.com/rhuss/sandboxd/pkg/provider/remotehttp"
	"github.com/rhuss/sandboxd/pkg/toolsvc"
)

// Config configures a Coordinator.
type Config struct {
	// Acquirer locates the kernel gateway. Defaults to a StaticAcquirer
	// built from KernelHost/KernelPort when nil.
	Acquirer kernel.Acquirer
	KernelHost string
	KernelPort int

	// WorkspaceDir is the kernel's working directory on the shared
	// filesystem, where generated tool modules and recorded output
	// images are written.
	WorkspaceDir string

	// ApprovalRequired gates every tool call on a human decision. When
	// false, Stream's approval channel auto-approves without a client
	// ever needing to attach.
	ApprovalRequired bool
	// ApprovalTimeout bounds how long a tool call waits for a decision
	// once approval is required. Zero or negative means wait
	// indefinitely for the host to decide.
	ApprovalTimeout time.Duration

	// SessionID identifies this Coordinator's session in recorded
	// execution history. Defaults to a generated UUID when empty.
	SessionID string
	// History, if set, receives a Record of every completed Stream or
	// Execute call. Nil disables recording.
	History history.Store

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = "workspace"
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Coordinator is the executor (C7): one per sandbox session, wiring
// together the provider registry, approval channel, Tool Service, and
// kernel client for the lifetime of that session.
type Coordinator struct {
	cfg Config

	acquirer    kernel.Acquirer
	releaseGW   func()
	kernel      *kernel.Client
	registry    *registry.Registry
	channel     *approval.Channel
	samples      *samples.Store
	toolSvc      *toolsvc.Service
	toolService  *http.Server
	toolListener net.Listener

	// execMu serializes Stream/Execute calls: only one code submission
	// may be in flight against the kernel at a time.
	execMu sync.Mutex
}

// New creates a Coordinator: it acquires a kernel gateway, connects to it,
// and starts the Tool Service the kernel's generated modules call back
// into.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	acquirer := cfg.Acquirer
	if acquirer == nil {
		acquirer = kernel.StaticAcquirer{Host: cfg.KernelHost, Port: cfg.KernelPort}
	}
	host, port, release, err := acquirer.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: acquiring kernel gateway: %w", err)
	}

	kc := kernel.New(kernel.Config{Host: host, Port: port, ImagesDir: cfg.WorkspaceDir + "/images"})
	if err := kc.Connect(ctx); err != nil {
		release()
		return nil, fmt.Errorf("coordinator: connecting to kernel: %w", err)
	}

	reg := registry.New(providerFactory)
	channel := approval.New(cfg.ApprovalRequired, cfg.ApprovalTimeout)
	sampleStore := samples.New(cfg.WorkspaceDir)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = kc.Close(ctx)
		release()
		return nil, fmt.Errorf("coordinator: starting tool service listener: %w", err)
	}

	secret, err := newSecret()
	if err != nil {
		_ = listener.Close()
		_ = kc.Close(ctx)
		release()
		return nil, fmt.Errorf("coordinator: generating tool service secret: %w", err)
	}

	svc := toolsvc.New(reg, channel, secret, cfg.Logger)
	server := &http.Server{Handler: svc.Handler()}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			cfg.Logger.Error("tool service stopped", "error", err)
		}
	}()

	toolServicePort := listener.Addr().(*net.TCPAddr).Port
	if err := codegen.WritePreamble(cfg.WorkspaceDir, codegen.Preamble{Host: "127.0.0.1", Port: toolServicePort, Secret: secret}); err != nil {
		_ = server.Close()
		_ = kc.Close(ctx)
		release()
		return nil, fmt.Errorf("coordinator: writing preamble: %w", err)
	}

	return &Coordinator{
		cfg:          cfg,
		acquirer:     acquirer,
		releaseGW:    release,
		kernel:       kc,
		registry:     reg,
		channel:      channel,
		samples:      sampleStore,
		toolSvc:      svc,
		toolService:  server,
		toolListener: listener,
	}, nil
}

// providerFactory selects the transport implementation for a provider
// spec, the same dispatch this codebase once used to pick an LLM backend
// by name.
func providerFactory(spec provider.Spec) provider.Client {
	switch spec.Transport {
	case provider.TransportRemoteHTTP:
		return remotehttp.New(spec)
	case provider.TransportMCPSSE, provider.TransportMCPStreamableHTTP:
		return mcpclient.New(spec)
	default:
		return localprocess.New(spec)
	}
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RegisterProvider adds a provider to the session, connects it eagerly so
// its tool catalogue is known, and generates the Python modules the
// kernel imports to call its tools.
func (c *Coordinator) RegisterProvider(ctx context.Context, name string, spec provider.Spec) error {
	spec.Name = name
	c.registry.Register(spec)

	session, err := c.registry.SessionFor(ctx, name)
	if err != nil {
		return fmt.Errorf("coordinator: registering provider %q: %w", name, err)
	}

	if _, err := codegen.GenerateProvider(ctx, c.cfg.WorkspaceDir, name, session.Tools, c.samples); err != nil {
		return fmt.Errorf("coordinator: generating modules for provider %q: %w", name, err)
	}
	return nil
}

// Decide resolves a pending ApprovalRequest previously surfaced on a
// Stream call's event channel.
func (c *Coordinator) Decide(id string, approved bool) {
	c.channel.Decide(id, approved)
}

// Reset tears down and rebuilds the session's kernel connection and
// provider sessions: a fresh kernel (all variables and definitions are
// lost), every provider session discarded (reconnected lazily on next
// use), and a freshly rotated Tool Service secret so stale kernel-side
// references can never call back in.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	if err := c.registry.CloseAll(); err != nil {
		c.cfg.Logger.Warn("coordinator: reset: closing providers", "error", err)
	}

	if err := c.kernel.Close(ctx); err != nil {
		c.cfg.Logger.Warn("coordinator: reset: closing kernel", "error", err)
	}
	host, port, release, err := c.acquirer.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: reset: reacquiring kernel gateway: %w", err)
	}
	newKernel := kernel.New(kernel.Config{Host: host, Port: port, ImagesDir: c.cfg.WorkspaceDir + "/images"})
	if err := newKernel.Connect(ctx); err != nil {
		release()
		return fmt.Errorf("coordinator: reset: reconnecting kernel: %w", err)
	}
	c.releaseGW()
	c.kernel = newKernel
	c.releaseGW = release

	secret, err := newSecret()
	if err != nil {
		return fmt.Errorf("coordinator: reset: generating secret: %w", err)
	}
	c.toolSvc.Rotate(secret)
	port = c.toolListener.Addr().(*net.TCPAddr).Port
	if err := codegen.WritePreamble(c.cfg.WorkspaceDir, codegen.Preamble{Host: "127.0.0.1", Port: port, Secret: secret}); err != nil {
		return fmt.Errorf("coordinator: reset: rewriting preamble: %w", err)
	}

	return nil
}

// Close shuts down the Tool Service, disconnects every provider, closes
// the kernel, and releases the acquired gateway.
func (c *Coordinator) Close(ctx context.Context) error {
	_ = c.toolService.Shutdown(ctx)
	_ = c.registry.CloseAll()
	err := c.kernel.Close(ctx)
	c.releaseGW()
	return err
}
