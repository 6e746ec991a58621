// Command sandbox-server runs the sandboxd coordinator: it acquires a
// Jupyter kernel gateway, wires up the configured tool providers, and
// exposes the host-facing execution API over HTTP.
//
// Configuration is loaded by pkg/config; see that package's doc comment
// for the full layering order. The config file path may be passed as the
// first argument, or left empty to rely on SANDBOXD_CONFIG/discovery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/rhuss/sandboxd/pkg/auth"
	"github.com/rhuss/sandboxd/pkg/auth/apikey"
	sandboxconfig "github.com/rhuss/sandboxd/pkg/config"
	"github.com/rhuss/sandboxd/pkg/coordinator"
	"github.com/rhuss/sandboxd/pkg/coordinatorhttp"
	"github.com/rhuss/sandboxd/pkg/debug"
	"github.com/rhuss/sandboxd/pkg/history"
	"github.com/rhuss/sandboxd/pkg/history/memory"
	"github.com/rhuss/sandboxd/pkg/history/postgres"
	"github.com/rhuss/sandboxd/pkg/kernel"
	"github.com/rhuss/sandboxd/pkg/kernel/k8s"
	"github.com/rhuss/sandboxd/pkg/provider"
)

func main() {
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := sandboxconfig.Load(configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	debug.Init(cfg.Debug.Categories, cfg.Debug.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildHistoryStore(ctx, cfg.History)
	if err != nil {
		slog.Error("building history store", "error", err)
		os.Exit(1)
	}

	acquirer, err := buildAcquirer(cfg.Kernel)
	if err != nil {
		slog.Error("building kernel acquirer", "error", err)
		os.Exit(1)
	}

	coord, err := coordinator.New(ctx, coordinator.Config{
		Acquirer:         acquirer,
		WorkspaceDir:     cfg.Kernel.WorkspaceDir,
		ApprovalRequired: cfg.Approval.Required,
		ApprovalTimeout:  cfg.Approval.Timeout,
		History:          store,
	})
	if err != nil {
		slog.Error("starting coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Close(context.Background())

	for _, srv := range cfg.MCP.Servers {
		spec, err := toProviderSpec(srv)
		if err != nil {
			slog.Error("invalid MCP server config", "server", srv.Name, "error", err)
			os.Exit(1)
		}
		if err := coord.RegisterProvider(ctx, srv.Name, spec); err != nil {
			slog.Error("registering provider", "server", srv.Name, "error", err)
			os.Exit(1)
		}
	}

	authChain := buildAuthChain(cfg.Auth)

	srv := coordinatorhttp.NewServer(coord, store, coordinatorhttp.ServerConfig{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		AuthChain:   authChain,
		RateLimiter: buildRateLimiter(cfg.Auth.RateLimit),
	})

	slog.Info("sandboxd starting", "port", cfg.Server.Port, "kernel_acquisition", cfg.Kernel.Acquisition, "approval_required", cfg.Approval.Required)
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("sandboxd stopped")
}

// buildAcquirer constructs the kernel.Acquirer the Coordinator uses to
// locate its Jupyter gateway: a fixed host/port, or an on-demand
// SandboxClaim against whatever Kubernetes cluster the pod's in-cluster
// or local kubeconfig points at.
func buildAcquirer(cfg sandboxconfig.KernelConfig) (kernel.Acquirer, error) {
	if cfg.Acquisition != "kubernetes" {
		return kernel.StaticAcquirer{Host: cfg.Host, Port: cfg.Port}, nil
	}

	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	c, err := client.New(restCfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes client: %w", err)
	}
	return k8s.NewClaimAcquirer(c, cfg.Kubernetes.Template, cfg.Kubernetes.Namespace, cfg.Kubernetes.Timeout, cfg.Kubernetes.Port), nil
}

func buildHistoryStore(ctx context.Context, cfg sandboxconfig.HistoryConfig) (history.Store, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MigrateOnStart:  cfg.Postgres.MigrateOnStart,
		})
	default:
		return memory.New(cfg.MaxSize), nil
	}
}

func toProviderSpec(cfg sandboxconfig.MCPServerConfig) (provider.Spec, error) {
	var transport provider.Transport
	switch cfg.Transport {
	case "local_process":
		transport = provider.TransportLocalProcess
	case "remote_http":
		transport = provider.TransportRemoteHTTP
	case "mcp_sse":
		transport = provider.TransportMCPSSE
	case "mcp_streamable_http":
		transport = provider.TransportMCPStreamableHTTP
	default:
		return provider.Spec{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return provider.Spec{
		Name:      cfg.Name,
		Transport: transport,
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		URL:       cfg.URL,
		Headers:   cfg.Headers,
	}, nil
}

// buildAuthChain translates the configured auth.type into the matching
// AuthChain, or nil to leave the coordinator's host-facing API
// unauthenticated (suitable behind a trusted proxy or on loopback).
func buildAuthChain(cfg sandboxconfig.AuthConfig) *auth.AuthChain {
	if cfg.Type != "apikey" {
		return nil
	}

	keys := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, apikey.RawKeyEntry{
			Key: k.Key,
			Identity: auth.Identity{
				Subject:     k.Subject,
				ServiceTier: k.ServiceTier,
			},
		})
	}
	return coordinatorhttp.NewAPIKeyChain(keys)
}

// buildRateLimiter constructs the per-tier rate limiter for the
// coordinator's authenticated host API, or nil if neither a positive
// default requests-per-minute allowance nor any tier is configured.
func buildRateLimiter(cfg sandboxconfig.RateLimitConfig) auth.RateLimiter {
	if cfg.DefaultRPM <= 0 && len(cfg.Tiers) == 0 {
		return nil
	}
	tiers := make(map[string]auth.TierConfig, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = auth.TierConfig{RequestsPerMinute: t.RequestsPerMinute}
	}
	return auth.NewInProcessLimiter(tiers, cfg.DefaultRPM)
}
