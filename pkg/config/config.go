// Package config provides unified configuration for the sandboxd
// coordinator.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SANDBOXD_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the sandboxd coordinator.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Kernel        KernelConfig        `yaml:"kernel"`
	Approval      ApprovalConfig      `yaml:"approval"`
	ToolService   ToolServiceConfig   `yaml:"tool_service"`
	History       HistoryConfig       `yaml:"history"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
	Debug         DebugConfig         `yaml:"debug"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// ServerConfig holds HTTP server settings for the coordinator's own
// host-facing API.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 120s
}

// KernelConfig controls how the coordinator acquires a Jupyter kernel
// gateway: a fixed host/port for a gateway already running alongside the
// coordinator, or an on-demand SandboxClaim in a Kubernetes cluster.
type KernelConfig struct {
	Acquisition string `yaml:"acquisition"` // "static" or "kubernetes", default: "static"

	Host string `yaml:"host"` // for acquisition=static
	Port int    `yaml:"port"` // for acquisition=static

	// WorkspaceDir is the kernel's working directory on the shared
	// filesystem, where generated tool modules and recorded output
	// images are written.
	WorkspaceDir string `yaml:"workspace_dir"`

	Kubernetes KubernetesKernelConfig `yaml:"kubernetes"`
}

// KubernetesKernelConfig configures the SandboxClaim-based acquirer used
// when Kernel.Acquisition is "kubernetes".
type KubernetesKernelConfig struct {
	Namespace string        `yaml:"namespace"`
	Template  string        `yaml:"template"` // SandboxClaim spec.templateRef.name
	Timeout   time.Duration `yaml:"timeout"`  // default: 60s
	Port      int           `yaml:"port"`     // gateway port inside the pod, default: 8888
}

// ApprovalConfig controls the human-in-the-loop gate on tool calls.
type ApprovalConfig struct {
	Required bool          `yaml:"required"` // default: true
	Timeout  time.Duration `yaml:"timeout"`  // default: none, wait indefinitely
}

// ToolServiceConfig controls the loopback HTTP service generated tool
// modules call back into from inside the kernel.
type ToolServiceConfig struct {
	Addr       string `yaml:"addr"` // default: "127.0.0.1:0"
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"` // _file variant for secret
}

// HistoryConfig holds execution-history recording settings.
type HistoryConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres", or "none", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings for the history store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"` // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// AuthConfig holds authentication settings for the coordinator's
// host-facing HTTP surface. The loopback Tool Service authenticates
// separately, with a random bearer secret the coordinator generates for
// itself; ToolServiceConfig.Secret is not passed to it. This is the ambient
// defense-in-depth gate the expanded spec carves out for a loopback
// listener bound to a random port, not a general identity system: a
// static API-key chain with per-tier rate limiting, nothing more.
type AuthConfig struct {
	Type      string          `yaml:"type"` // "none" or "apikey", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key"`
	KeyFile     string `yaml:"key_file"` // _file variant for key
	Subject     string `yaml:"subject"`
	ServiceTier string `yaml:"service_tier"`
}

// RateLimitConfig configures per-tier request-rate limiting on the
// coordinator's authenticated host API.
type RateLimitConfig struct {
	// DefaultRPM applies to any identity whose ServiceTier has no entry
	// in Tiers. Zero or negative disables limiting for that tier.
	DefaultRPM int                      `yaml:"default_rpm"`
	Tiers      map[string]RateLimitTier `yaml:"tiers"`
}

// RateLimitTier sets the requests-per-minute allowance for one service tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// MCPConfig holds Model Context Protocol tool provider settings.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes a single tool provider: a local subprocess,
// a remote MCP server, or a plain REST tool backend.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "local_process", "remote_http", "mcp_sse", or "mcp_streamable_http"
	Command   string            `yaml:"command"`   // for transport=local_process
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"` // for transport=remote_http, mcp_sse, mcp_streamable_http
	Headers   map[string]string `yaml:"headers"`
	Auth      MCPServerAuthConfig `yaml:"auth"`
}

// MCPServerAuthConfig configures OAuth client-credentials for one MCP
// server. The loader resolves it into an Authorization header on
// Headers, rather than a field the provider package itself knows about.
type MCPServerAuthConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientIDFile     string `yaml:"client_id_file"`
	ClientSecret     string `yaml:"client_secret"`
	ClientSecretFile string `yaml:"client_secret_file"`
}

// DebugConfig mirrors pkg/debug's two controls so they can be set from
// the config file as well as the environment.
type DebugConfig struct {
	Categories string `yaml:"categories"`
	LogLevel   string `yaml:"log_level"` // default: "INFO"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Kernel: KernelConfig{
			Acquisition:  "static",
			Host:         "localhost",
			Port:         8888,
			WorkspaceDir: "/workspace",
			Kubernetes: KubernetesKernelConfig{
				Namespace: "default",
				Timeout:   60 * time.Second,
				Port:      8888,
			},
		},
		Approval: ApprovalConfig{
			Required: true,
		},
		ToolService: ToolServiceConfig{
			Addr: "127.0.0.1:0",
		},
		History: HistoryConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns:        25,
				MinConns:        5,
				MaxConnLifetime: 5 * time.Minute,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Debug: DebugConfig{
			LogLevel: "INFO",
		},
	}
}
