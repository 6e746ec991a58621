// Package registry implements the Provider Registry (C2): it holds the
// configured set of tool provider specs, lazily connects each provider on
// first use, and caches the live session so repeated tool calls against
// the same provider reuse one connection. The double-checked locking
// startup pattern mirrors this codebase's FunctionRegistry, generalized
// from a fixed built-in provider list to dynamically connected ones.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/sandboxd/pkg/provider"
)

var (
	providerConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_provider_connections_total",
			Help: "Provider connection attempts by outcome",
		},
		[]string{"provider", "status"},
	)
	providerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_provider_invocations_total",
			Help: "Tool invocations routed through a provider",
		},
		[]string{"provider", "tool", "status"},
	)
	providerInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_provider_invocation_duration_seconds",
			Help:    "Tool invocation duration by provider",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "tool"},
	)
)

func init() {
	prometheus.MustRegister(providerConnections, providerInvocations, providerInvocationDuration)
}

// Factory constructs a provider.Client for a given spec, selecting the
// transport-specific implementation (localprocess, remotehttp, mcpclient).
type Factory func(provider.Spec) provider.Client

// Registry holds configured provider specs and the sessions connected
// lazily against them.
type Registry struct {
	factory Factory

	mu       sync.RWMutex
	specs    map[string]provider.Spec
	clients  map[string]provider.Client
	sessions map[string]*provider.Session
	starting map[string]*sync.Mutex
}

// New creates an empty Registry. factory decides which transport
// implementation backs a given Spec.Transport.
func New(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		specs:    make(map[string]provider.Spec),
		clients:  make(map[string]provider.Client),
		sessions: make(map[string]*provider.Session),
		starting: make(map[string]*sync.Mutex),
	}
}

// Register adds a provider spec without connecting it. The connection is
// established lazily on the first SessionFor call.
func (r *Registry) Register(spec provider.Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	if _, ok := r.starting[spec.Name]; !ok {
		r.starting[spec.Name] = &sync.Mutex{}
	}
}

// SessionFor returns the connected session for the named provider,
// connecting it first if necessary. Concurrent callers for the same
// provider name block on a per-name startup mutex rather than each
// attempting their own connection.
func (r *Registry) SessionFor(ctx context.Context, name string) (*provider.Session, error) {
	r.mu.RLock()
	if session, ok := r.sessions[name]; ok {
		r.mu.RUnlock()
		return session, nil
	}
	spec, ok := r.specs[name]
	startupMu := r.starting[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider registry: unknown provider %q", name)
	}

	startupMu.Lock()
	defer startupMu.Unlock()

	// Re-check: another goroutine may have connected while we waited.
	r.mu.RLock()
	if session, ok := r.sessions[name]; ok {
		r.mu.RUnlock()
		return session, nil
	}
	r.mu.RUnlock()

	spec, err := expandSpecEnv(spec)
	if err != nil {
		providerConnections.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("provider registry: %q: %w", name, err)
	}

	start := time.Now()
	client := r.factory(spec)
	session, err := client.Connect(ctx)
	if err != nil {
		providerConnections.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("provider registry: connecting %q: %w", name, err)
	}
	providerConnections.WithLabelValues(name, "ok").Inc()
	slog.Info("provider connected", "provider", name, "tools", len(session.Tools), "elapsed", time.Since(start))

	r.mu.Lock()
	r.clients[name] = client
	r.sessions[name] = session
	r.mu.Unlock()

	return session, nil
}

// Invoke routes a tool call to the named provider, connecting it first if
// necessary, and records invocation metrics.
func (r *Registry) Invoke(ctx context.Context, name string, call provider.ToolCall) (*provider.ToolResult, error) {
	if _, err := r.SessionFor(ctx, name); err != nil {
		return nil, err
	}

	r.mu.RLock()
	client := r.clients[name]
	r.mu.RUnlock()

	start := time.Now()
	result, err := client.Invoke(ctx, call)
	providerInvocationDuration.WithLabelValues(name, call.Name).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	} else if result.IsError {
		status = "tool_error"
	}
	providerInvocations.WithLabelValues(name, call.Name, status).Inc()

	return result, err
}

// Discard closes and forgets the session for name, forcing the next
// SessionFor call to reconnect. Used when a provider's transport is found
// to be broken (e.g. after a TransportError).
func (r *Registry) Discard(name string) error {
	r.mu.Lock()
	client, ok := r.clients[name]
	delete(r.clients, name)
	delete(r.sessions, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Close()
}

// CloseAll closes every connected provider, returning the last error
// encountered.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for name, client := range r.clients {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close provider", "provider", name, "error", err)
			lastErr = err
		}
	}
	r.clients = make(map[string]provider.Client)
	r.sessions = make(map[string]*provider.Session)
	return lastErr
}

// Names returns the registered provider names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// expandSpecEnv resolves `${VAR}` placeholders in spec against the
// coordinator process's own environment at session-start time. A
// placeholder with no matching variable is a misconfiguration, not a
// silent blank: it fails the connection attempt outright.
func expandSpecEnv(spec provider.Spec) (provider.Spec, error) {
	expanded, result := provider.ExpandEnv(spec, processEnv())
	if len(result.Missing) == 0 {
		return expanded, nil
	}

	missing := make([]string, 0, len(result.Missing))
	for name := range result.Missing {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return provider.Spec{}, fmt.Errorf("unresolved environment variable(s): %s", strings.Join(missing, ", "))
}

func processEnv() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	return vars
}
