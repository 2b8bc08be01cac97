// Package gateway wires the long-lived pieces together: configured
// providers, the shared rate-limit coordinator, the fallback chain, the
// tool registry and connected MCP servers, and the usage ledger. One
// Gateway is built at startup and passed explicitly to whatever needs
// it; there is no package-level state.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/relay-gw/relay/internal/config"
	"github.com/relay-gw/relay/internal/errclass"
	"github.com/relay-gw/relay/internal/fallback"
	"github.com/relay-gw/relay/internal/mcp"
	"github.com/relay-gw/relay/internal/provider"
	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/internal/tool"
	"github.com/relay-gw/relay/internal/usage"
	"github.com/relay-gw/relay/pkg/protocol"
)

// Gateway is the dependency root for one running relay process.
type Gateway struct {
	providers map[string]provider.Provider
	models    map[string]string
	chain     []string
	limits    *ratelimit.Coordinator
	coord     *fallback.Coordinator
	mcp       *mcp.Manager
	tools     *tool.Registry
	usage     *usage.Store
	logger    *slog.Logger
}

// Options collects the collaborators a Gateway is built from. Usage,
// MCP and Tools are optional; nil gets a working empty default (or, for
// Usage, no ledger).
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Usage  *usage.Store
	MCP    *mcp.Manager
	Tools  *tool.Registry
}

// New builds every configured provider and the fallback coordinator.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRPM := make(map[string]int)
	for name, pc := range cfg.Providers {
		if pc.MaxPerMinute > 0 {
			maxRPM[name] = pc.MaxPerMinute
		}
	}
	limits := ratelimit.NewCoordinator(maxRPM)

	reg := provider.NewRegistry()
	providers := make(map[string]provider.Provider, len(cfg.Providers))
	models := make(map[string]string, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		typ := pc.Type
		if typ == "" {
			typ = "openai"
		}
		p, err := reg.New(typ, provider.Settings{
			Name:         name,
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Model:        pc.Model,
			MaxPerMinute: pc.MaxPerMinute,
			Headers:      pc.Headers,
		}, limits)
		if err != nil {
			return nil, fmt.Errorf("gateway: provider %q: %w", name, err)
		}
		providers[name] = p
		models[name] = pc.Model
	}

	g := &Gateway{
		providers: providers,
		models:    models,
		chain:     append([]string(nil), cfg.Fallback...),
		limits:    limits,
		coord:     fallback.NewCoordinator(limits, logger),
		mcp:       opts.MCP,
		tools:     opts.Tools,
		usage:     opts.Usage,
		logger:    logger,
	}
	g.coord.SetLanguage(cfg.Language)
	if g.mcp == nil {
		g.mcp = mcp.NewManager(logger)
	}
	if g.tools == nil {
		g.tools = tool.NewRegistry()
	}
	if g.usage != nil {
		g.coord.SetFinishHook(g.recordAttempt)
	}
	return g, nil
}

// Stream runs one chat request through the fallback chain, primary
// first, with the merged tool catalog attached.
func (g *Gateway) Stream(ctx context.Context, primary string, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	req.Tools = g.MergedTools(req.Tools)

	chain := g.orderChain(primary)
	if len(chain) == 0 {
		out := make(chan protocol.StreamEvent, 1)
		out <- protocol.ErrorEvent(fmt.Sprintf("unknown provider %q and no fallback configured", primary))
		close(out)
		return out
	}
	return g.coord.Stream(ctx, chain, req)
}

// orderChain puts the requested primary first, then the configured
// chain, skipping duplicates and unknown names.
func (g *Gateway) orderChain(primary string) []provider.Provider {
	seen := make(map[string]bool)
	var out []provider.Provider

	add := func(name string) {
		if seen[name] {
			return
		}
		if p, ok := g.providers[name]; ok {
			out = append(out, p)
			seen[name] = true
		}
	}

	add(primary)
	for _, name := range g.chain {
		add(name)
	}
	return out
}

// MergedTools combines request-supplied schemas with the built-in
// registry and every connected MCP server. First declaration of a name
// wins, so callers can shadow a built-in.
func (g *Gateway) MergedTools(extra []protocol.ToolSchema) []protocol.ToolSchema {
	var merged []protocol.ToolSchema
	seen := make(map[string]bool)

	for _, set := range [][]protocol.ToolSchema{extra, g.tools.Schemas(), g.mcp.Schemas()} {
		for _, s := range set {
			if seen[s.Name] {
				continue
			}
			merged = append(merged, s)
			seen[s.Name] = true
		}
	}
	return merged
}

// CallTool routes an mcp_-prefixed name to its tool server and anything
// else to the built-in registry.
func (g *Gateway) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if g.mcp.Handles(name) {
		return g.mcp.CallTool(ctx, name, args)
	}
	return g.tools.Execute(ctx, name, args)
}

// Providers returns the configured provider names, sorted.
func (g *Gateway) Providers() []string {
	out := make([]string, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Provider looks up a configured provider by name.
func (g *Gateway) Provider(name string) (provider.Provider, bool) {
	p, ok := g.providers[name]
	return p, ok
}

// Models queries each provider for its model list.
func (g *Gateway) Models(ctx context.Context) map[string][]string {
	out := make(map[string][]string, len(g.providers))
	for name, p := range g.providers {
		out[name] = p.Models(ctx)
	}
	return out
}

// ProviderStatus is one provider's health snapshot.
type ProviderStatus struct {
	Name      string             `json:"name"`
	Model     string             `json:"model"`
	RateLimit ratelimit.Snapshot `json:"rate_limit"`
	Failures  int                `json:"failures"`
	Priority  int                `json:"priority"`
}

// Status aggregates limiter, failure-tracker, MCP and ledger state for
// the status endpoint.
type Status struct {
	Providers []ProviderStatus      `json:"providers"`
	Fallback  []string              `json:"fallback"`
	MCP       []mcp.ServerStats     `json:"mcp_servers"`
	Usage     []usage.ProviderUsage `json:"usage,omitempty"`
}

func (g *Gateway) Status() Status {
	st := Status{
		Fallback: append([]string(nil), g.chain...),
		MCP:      g.mcp.Stats(),
	}
	for _, name := range g.Providers() {
		st.Providers = append(st.Providers, ProviderStatus{
			Name:      name,
			Model:     g.models[name],
			RateLimit: g.limits.Limiter(name).Status(),
			Failures:  g.coord.Tracker().Failures(name),
			Priority:  g.coord.Tracker().Priority(name),
		})
	}
	if g.usage != nil {
		summary, err := g.usage.Summary()
		if err != nil {
			g.logger.Warn("usage summary failed", "error", err)
		} else {
			st.Usage = summary
		}
	}
	return st
}

// RecentUsage returns the newest ledger rows, most recent first, or nil
// when no ledger is configured.
func (g *Gateway) RecentUsage(limit int) ([]usage.Record, error) {
	if g.usage == nil {
		return nil, nil
	}
	return g.usage.Recent(limit)
}

// recordAttempt writes one ledger row per provider attempt.
func (g *Gateway) recordAttempt(providerName string, ev protocol.StreamEvent, elapsed time.Duration) {
	rec := usage.Record{
		Provider:   providerName,
		Model:      g.models[providerName],
		DurationMS: elapsed.Milliseconds(),
	}
	if ev.Usage != nil {
		rec.PromptTokens = ev.Usage.PromptTokens
		rec.CompletionTokens = ev.Usage.CompletionTokens
	}
	if ev.Type == protocol.EventError {
		rec.ErrorKind = string(errclass.Classify(ev.Message, providerName).Kind)
	}
	if err := g.usage.Record(rec); err != nil {
		g.logger.Warn("usage record failed", "provider", providerName, "error", err)
	}
}

// Close releases the gateway's owned resources.
func (g *Gateway) Close() error {
	return g.mcp.Close()
}
