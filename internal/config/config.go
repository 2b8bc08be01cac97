// Package config loads the gateway configuration from a YAML file or,
// when no file is given, from RELAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	DataDir   string                    `yaml:"data_dir"`
	Language  string                    `yaml:"language"` // user-facing error messages (en/it/es/fr)
	Providers map[string]ProviderConfig `yaml:"providers"`
	Fallback  []string                  `yaml:"fallback"`
	MCP       []MCPServerConfig         `yaml:"mcp_servers"`
	Tools     ToolsConfig               `yaml:"tools"`
	API       APIConfig                 `yaml:"api"`
}

// ProviderConfig holds one upstream LLM provider's settings.
type ProviderConfig struct {
	Type         string            `yaml:"type"` // openai, anthropic, gemini or an alias
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url,omitempty"`
	Model        string            `yaml:"model"`
	MaxPerMinute int               `yaml:"max_rpm,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// MCPServerConfig holds one tool server's connection settings.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       []string          `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// ToolsConfig holds built-in tool settings.
type ToolsConfig struct {
	BraveAPIKey string `yaml:"brave_api_key,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Key  string `yaml:"api_key"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a minimal config from RELAY_* environment
// variables, enough for a single-provider deployment without a file.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir:   getenv("RELAY_DATA_DIR", "/data"),
		Providers: make(map[string]ProviderConfig),
		API: APIConfig{
			Host: getenv("RELAY_API_HOST", "0.0.0.0"),
			Port: getenvInt("RELAY_API_PORT", 8080),
			Key:  os.Getenv("RELAY_API_KEY"),
		},
	}

	if apiKey := os.Getenv("RELAY_ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Providers["anthropic"] = ProviderConfig{
			Type:   "anthropic",
			APIKey: apiKey,
			Model:  getenv("RELAY_MODEL", "claude-sonnet-4-20250514"),
		}
	}
	if apiKey := os.Getenv("RELAY_OPENAI_API_KEY"); apiKey != "" {
		cfg.Providers["openai"] = ProviderConfig{
			Type:    "openai",
			APIKey:  apiKey,
			BaseURL: os.Getenv("RELAY_OPENAI_BASE_URL"),
			Model:   getenv("RELAY_MODEL", "gpt-4o"),
		}
	}
	if apiKey := os.Getenv("RELAY_GEMINI_API_KEY"); apiKey != "" {
		cfg.Providers["gemini"] = ProviderConfig{
			Type:   "gemini",
			APIKey: apiKey,
			Model:  getenv("RELAY_MODEL", "gemini-2.0-flash"),
		}
	}

	if chain := os.Getenv("RELAY_FALLBACK"); chain != "" {
		cfg.Fallback = splitList(chain)
	}
	cfg.Tools.BraveAPIKey = os.Getenv("RELAY_BRAVE_API_KEY")
	cfg.Language = os.Getenv("RELAY_LANGUAGE")

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/data"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	// No explicit chain: every configured provider participates, in
	// name order for determinism.
	if len(c.Fallback) == 0 {
		for name := range c.Providers {
			c.Fallback = append(c.Fallback, name)
		}
		sort.Strings(c.Fallback)
	}
}

// Validate checks for required fields, collecting every problem instead
// of stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for name, p := range c.Providers {
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.model is required", name))
		}
		if p.MaxPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.max_rpm must not be negative", name))
		}
	}

	for i, name := range c.Fallback {
		if _, ok := c.Providers[name]; !ok {
			errs = append(errs, fmt.Sprintf("fallback[%d] references unknown provider %q", i, name))
		}
	}

	for i, s := range c.MCP {
		prefix := fmt.Sprintf("mcp_servers[%d]", i)
		if s.Name == "" {
			errs = append(errs, prefix+".name is required")
		}
		if strings.Contains(s.Name, "_") {
			errs = append(errs, fmt.Sprintf("%s.name %q must not contain underscores", prefix, s.Name))
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, prefix+".command is required for stdio transport")
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, prefix+".url is required for http transport")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s.transport must be stdio or http, got %q", prefix, s.Transport))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
