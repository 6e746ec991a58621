package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Kernel.Acquisition {
	case "static", "kubernetes":
		// valid
	default:
		errs = append(errs, fmt.Errorf("kernel.acquisition must be \"static\" or \"kubernetes\", got %q", c.Kernel.Acquisition))
	}

	if c.Kernel.Acquisition == "static" {
		if c.Kernel.Host == "" {
			errs = append(errs, fmt.Errorf("kernel.host is required when kernel.acquisition is \"static\""))
		}
		if c.Kernel.Port <= 0 {
			errs = append(errs, fmt.Errorf("kernel.port must be > 0, got %d", c.Kernel.Port))
		}
	}
	if c.Kernel.Acquisition == "kubernetes" {
		if c.Kernel.Kubernetes.Template == "" {
			errs = append(errs, fmt.Errorf("kernel.kubernetes.template is required when kernel.acquisition is \"kubernetes\""))
		}
	}

	switch c.History.Type {
	case "memory", "postgres", "none":
		// valid
	default:
		errs = append(errs, fmt.Errorf("history.type must be \"memory\", \"postgres\", or \"none\", got %q", c.History.Type))
	}

	if c.History.Type == "postgres" {
		if c.History.Postgres.DSN == "" && c.History.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("history.postgres.dsn or history.postgres.dsn_file is required when history.type is \"postgres\""))
		}
	}

	switch c.Auth.Type {
	case "none", "apikey":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\" or \"apikey\", got %q", c.Auth.Type))
	}

	if c.Auth.Type == "apikey" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, fmt.Errorf("auth.api_keys must be non-empty when auth.type is \"apikey\""))
	}

	for i, srv := range c.MCP.Servers {
		switch srv.Transport {
		case "local_process", "remote_http", "mcp_sse", "mcp_streamable_http":
			// valid
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d].transport must be one of local_process, remote_http, mcp_sse, mcp_streamable_http, got %q", i, srv.Transport))
		}
		if srv.Transport == "local_process" && srv.Command == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].command is required for transport=local_process", i))
		}
		if srv.Transport != "local_process" && srv.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].url is required for transport=%s", i, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
