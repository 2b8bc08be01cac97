package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/pkg/protocol"
)

// Provider is the abstraction over streaming LLM APIs. Stream returns a
// channel that delivers normalized events and is closed after exactly one
// terminal event (Done or Error).
type Provider interface {
	Name() string
	Stream(ctx context.Context, req protocol.ChatRequest) <-chan protocol.StreamEvent
	Models(ctx context.Context) []string
	ValidateCredentials() (bool, string)
}

// Settings holds everything needed to construct a provider instance.
type Settings struct {
	Name         string // instance name used for rate limiting and logs
	APIKey       string
	BaseURL      string
	Model        string
	MaxPerMinute int
	Headers      map[string]string
}

// Constructor builds a provider from settings. The limiter coordinator is
// shared so window state is visible across the fallback chain.
type Constructor func(s Settings, limits *ratelimit.Coordinator) (Provider, error)

// Registry maps provider type names to constructors. A flat factory map:
// config names a type, the registry builds it.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry creates a registry with all built-in provider types.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("openai", newOpenAICompat)
	r.Register("anthropic", newAnthropicStream)
	r.Register("gemini", newGemini)

	// OpenAI-compatible gateways differ only in defaults.
	for alias, base := range openAICompatBases {
		alias, base := alias, base
		r.Register(alias, func(s Settings, limits *ratelimit.Coordinator) (Provider, error) {
			if s.BaseURL == "" {
				s.BaseURL = base
			}
			return newOpenAICompat(s, limits)
		})
	}
	return r
}

// Register adds a constructor for a provider type.
func (r *Registry) Register(typ string, c Constructor) {
	r.constructors[typ] = c
}

// New builds a provider of the given type.
func (r *Registry) New(typ string, s Settings, limits *ratelimit.Coordinator) (Provider, error) {
	c, ok := r.constructors[typ]
	if !ok {
		return nil, fmt.Errorf("provider: unknown type %q", typ)
	}
	return c(s, limits)
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// openAICompatBases maps gateway aliases to their default endpoints.
var openAICompatBases = map[string]string{
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"nvidia":     "https://integrate.api.nvidia.com/v1",
}

// Read timeouts. Extended covers models that reason at length before the
// first token arrives.
const (
	connectTimeout      = 10 * time.Second
	readTimeout         = 90 * time.Second
	extendedReadTimeout = 180 * time.Second
)

// newStreamClient builds an HTTP client for one streaming call. The total
// timeout bounds the whole response; the dialer bounds connection setup.
func newStreamClient(extended bool) *http.Client {
	total := readTimeout
	if extended {
		total = extendedReadTimeout
	}
	return &http.Client{
		Timeout: total,
		Transport: &http.Transport{
			DialContext:       (&net.Dialer{Timeout: connectTimeout}).DialContext,
			DisableKeepAlives: true, // one-shot client, no idle pool to leak
		},
	}
}

// eventBuffer is the stream channel capacity. Producers block once the
// consumer falls this far behind, which naturally paces the HTTP read.
const eventBuffer = 32

// sender wraps a StreamEvent channel with context-aware delivery.
type sender struct {
	ctx context.Context
	ch  chan<- protocol.StreamEvent
}

// send delivers an event. Returns false when the consumer is gone.
func (s sender) send(ev protocol.StreamEvent) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}
