package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SANDBOXD_CONFIG env, ./config.yaml, /etc/sandboxd/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SANDBOXD_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/sandboxd/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("SANDBOXD_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/sandboxd/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps SANDBOXD_* environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDBOXD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SANDBOXD_KERNEL_HOST"); v != "" {
		cfg.Kernel.Host = v
	}
	if v := os.Getenv("SANDBOXD_KERNEL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Kernel.Port = port
		}
	}
	if v := os.Getenv("SANDBOXD_KERNEL_ACQUISITION"); v != "" {
		cfg.Kernel.Acquisition = v
	}
	if v := os.Getenv("SANDBOXD_WORKSPACE_DIR"); v != "" {
		cfg.Kernel.WorkspaceDir = v
	}
	if v := os.Getenv("SANDBOXD_APPROVAL_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Approval.Required = b
		}
	}
	if v := os.Getenv("SANDBOXD_TOOL_SERVICE_SECRET"); v != "" {
		cfg.ToolService.Secret = v
	}
	if v := os.Getenv("SANDBOXD_HISTORY"); v != "" {
		cfg.History.Type = v
	}
	if v := os.Getenv("SANDBOXD_HISTORY_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.History.MaxSize = size
		}
	}
	if v := os.Getenv("SANDBOXD_HISTORY_DSN"); v != "" {
		cfg.History.Postgres.DSN = v
	}
	if v := os.Getenv("SANDBOXD_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}

	// SANDBOXD_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("SANDBOXD_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	// SANDBOXD_MCP_SERVERS: JSON array of MCP server configs.
	if v := os.Getenv("SANDBOXD_MCP_SERVERS"); v != "" {
		servers, err := parseMCPServersJSON(v)
		if err == nil && len(servers) > 0 {
			cfg.MCP.Servers = servers
		}
	}

	if v := os.Getenv("SANDBOXD_DEBUG"); v != "" {
		cfg.Debug.Categories = v
	}
	if v := os.Getenv("SANDBOXD_LOG_LEVEL"); v != "" {
		cfg.Debug.LogLevel = v
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// parseMCPServersJSON parses a JSON array of MCP server configurations.
func parseMCPServersJSON(jsonStr string) ([]MCPServerConfig, error) {
	var servers []MCPServerConfig
	if err := json.Unmarshal([]byte(jsonStr), &servers); err != nil {
		return nil, fmt.Errorf("parsing MCP servers JSON: %w", err)
	}
	return servers, nil
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. For each field ending in _file, if the value field is
// empty and the file field is set, the file is read, whitespace is
// trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	if cfg.ToolService.SecretFile != "" && cfg.ToolService.Secret == "" {
		val, err := readSecretFile(cfg.ToolService.SecretFile)
		if err != nil {
			return fmt.Errorf("tool_service.secret_file: %w", err)
		}
		cfg.ToolService.Secret = val
	}

	if cfg.History.Postgres.DSNFile != "" && cfg.History.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.History.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("history.postgres.dsn_file: %w", err)
		}
		cfg.History.Postgres.DSN = val
	}

	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	for i := range cfg.MCP.Servers {
		auth := &cfg.MCP.Servers[i].Auth
		if auth.ClientIDFile != "" && auth.ClientID == "" {
			val, err := readSecretFile(auth.ClientIDFile)
			if err != nil {
				return fmt.Errorf("mcp.servers[%d].auth.client_id_file: %w", i, err)
			}
			auth.ClientID = val
		}
		if auth.ClientSecretFile != "" && auth.ClientSecret == "" {
			val, err := readSecretFile(auth.ClientSecretFile)
			if err != nil {
				return fmt.Errorf("mcp.servers[%d].auth.client_secret_file: %w", i, err)
			}
			auth.ClientSecret = val
		}
		if auth.ClientID != "" && auth.ClientSecret != "" {
			if cfg.MCP.Servers[i].Headers == nil {
				cfg.MCP.Servers[i].Headers = make(map[string]string)
			}
			if _, exists := cfg.MCP.Servers[i].Headers["Authorization"]; !exists {
				cfg.MCP.Servers[i].Headers["Authorization"] = "Basic " + basicAuth(auth.ClientID, auth.ClientSecret)
			}
		}
	}

	return nil
}

// basicAuth builds the value half of an HTTP Basic Authorization header
// for an MCP server configured with OAuth client-credentials instead of
// a bearer token.
func basicAuth(clientID, clientSecret string) string {
	return base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
