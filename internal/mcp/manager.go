package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relay-gw/relay/pkg/protocol"
)

const (
	maxToolRetries = 2
	toolRetryBase  = 500 * time.Millisecond
)

// ServerConfig describes one tool server to connect to.
type ServerConfig struct {
	Name      string
	Transport string // "stdio" or "http"
	Command   string
	Args      []string
	Env       []string
	URL       string
	Headers   map[string]string
}

// Manager owns the connected tool servers and routes prefixed tool
// calls to the right one.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*Client
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) bool // test hook
}

// ServerStats summarizes one connected server for status reporting.
type ServerStats struct {
	Name  string `json:"name"`
	Tools int    `json:"tools"`
}

// NewManager creates an empty manager. logger may be nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers: make(map[string]*Client),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Connect dials every configured server. A server that fails to come up
// is logged and skipped so one broken tool server cannot take the whole
// gateway down; the joined error reports what was skipped.
func (m *Manager) Connect(ctx context.Context, configs []ServerConfig) error {
	var errs []error
	for _, cfg := range configs {
		if err := m.connectOne(ctx, cfg); err != nil {
			m.logger.Error("mcp server unavailable", "server", cfg.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Name, err))
			continue
		}
		m.logger.Info("mcp server connected", "server", cfg.Name)
	}
	return errors.Join(errs...)
}

func (m *Manager) connectOne(ctx context.Context, cfg ServerConfig) error {
	if strings.Contains(cfg.Name, "_") {
		return fmt.Errorf("server name %q must not contain underscores", cfg.Name)
	}

	var transport Transport
	switch cfg.Transport {
	case "stdio":
		t, err := NewStdioTransport(cfg.Command, cfg.Args, cfg.Env)
		if err != nil {
			return err
		}
		transport = t
	case "http":
		transport = NewHTTPTransport(cfg.URL, cfg.Headers)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	client, err := Connect(ctx, cfg.Name, transport)
	if err != nil {
		transport.Close()
		return err
	}
	m.AddClient(client)
	return nil
}

// AddClient registers an already-connected client, replacing any prior
// client under the same server name.
func (m *Manager) AddClient(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.servers[c.Name()]; ok {
		old.Close()
	}
	m.servers[c.Name()] = c
}

// Schemas returns every discovered tool across all servers, sorted by
// exposed name, ready to merge into a provider request.
func (m *Manager) Schemas() []protocol.ToolSchema {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []protocol.ToolSchema
	for _, c := range m.servers {
		out = append(out, c.Schemas()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats reports connected servers and their tool counts.
func (m *Manager) Stats() []ServerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerStats, 0, len(m.servers))
	for _, c := range m.servers {
		out = append(out, ServerStats{Name: c.Name(), Tools: len(c.Schemas())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handles reports whether a tool name belongs to this manager.
func (m *Manager) Handles(name string) bool {
	return strings.HasPrefix(name, "mcp_")
}

// CallTool resolves a prefixed name (mcp_<server>_<tool>), validates the
// arguments against the discovered schema, then invokes the tool with up
// to two retries on failure. Validation errors never reach the
// transport and are never retried.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 || parts[0] != "mcp" {
		return "", fmt.Errorf("mcp: malformed tool name %q", name)
	}
	server, tool := parts[1], parts[2]

	m.mu.Lock()
	client, ok := m.servers[server]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mcp: unknown server %q for tool %q", server, name)
	}

	schema, ok := client.Schema(tool)
	if !ok {
		return "", fmt.Errorf("mcp: server %q has no tool %q", server, tool)
	}
	if err := ValidateArgs(args, schema); err != nil {
		return "", fmt.Errorf("mcp: invalid arguments for %s: %w", name, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := client.CallTool(ctx, tool, args)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt >= maxToolRetries {
			break
		}
		delay := toolRetryBase * (1 << attempt)
		m.logger.Warn("tool call failed, retrying",
			"tool", name, "attempt", attempt+1, "delay", delay, "error", err)
		if !m.sleep(ctx, delay) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("mcp: tool %s failed after %d attempts: %w", name, maxToolRetries+1, lastErr)
}

// Close shuts down every server, stdio children included.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, c := range m.servers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(m.servers, name)
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
