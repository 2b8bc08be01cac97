package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/pkg/protocol"
)

// OpenAICompat implements Provider for any OpenAI-compatible chat API
// (OpenAI, Groq, Mistral, DeepSeek, OpenRouter, NVIDIA, custom gateways).
type OpenAICompat struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	headers map[string]string
	exec    *executor
}

func newOpenAICompat(s Settings, limits *ratelimit.Coordinator) (Provider, error) {
	name := s.Name
	if name == "" {
		name = "openai"
	}
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompat{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  s.APIKey,
		model:   s.Model,
		headers: s.Headers,
		exec:    newExecutor("openai", name, limits, s.MaxPerMinute),
	}, nil
}

func (p *OpenAICompat) Name() string { return p.name }

// ValidateCredentials checks local configuration only; it never calls
// the network.
func (p *OpenAICompat) ValidateCredentials() (bool, string) {
	if strings.TrimSpace(p.apiKey) == "" {
		return false, fmt.Sprintf("%s API key not configured", p.name)
	}
	return true, ""
}

func (p *OpenAICompat) Stream(ctx context.Context, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	return p.exec.run(ctx, func(ctx context.Context, s sender) streamOutcome {
		return p.attempt(ctx, req, s)
	})
}

func (p *OpenAICompat) attempt(ctx context.Context, req protocol.ChatRequest, s sender) streamOutcome {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := openaiStreamRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openaiStreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		body.Tools = toOpenAITools(req.Tools)
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return streamOutcome{err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return streamOutcome{err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := newStreamClient(req.Extended).Do(httpReq)
	if err != nil {
		return streamOutcome{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	updateLimiterFromHeaders(p.exec.limiter, resp.Header)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return streamOutcome{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	return consumeOpenAIStream(resp.Body, s)
}

// Models lists available model IDs. Discovery failures fall back to the
// configured model so callers never deal with an error here.
func (p *OpenAICompat) Models(ctx context.Context) []string {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return p.fallbackModels()
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := newStreamClient(false).Do(httpReq)
	if err != nil {
		return p.fallbackModels()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.fallbackModels()
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list.Data) == 0 {
		return p.fallbackModels()
	}

	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, m.ID)
	}
	sort.Strings(out)
	return out
}

func (p *OpenAICompat) fallbackModels() []string {
	if p.model != "" {
		return []string{p.model}
	}
	return []string{"gpt-4o", "gpt-4o-mini"}
}

// updateLimiterFromHeaders folds standard rate-limit response headers
// into the limiter.
func updateLimiterFromHeaders(l *ratelimit.Limiter, h http.Header) {
	var remaining *int
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = &n
		}
	}
	var resetUnix int64
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetUnix = n
		}
	}
	var retryAfter float64
	if v := h.Get("retry-after"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			retryAfter = f
		}
	}
	if remaining != nil || resetUnix > 0 || retryAfter > 0 {
		l.UpdateFromHeaders(remaining, resetUnix, retryAfter)
	}
}

// --- OpenAI wire format types ---

type openaiStreamRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string           `json:"type"`
	Function openaiToolSchema `json:"function"`
}

type openaiToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// --- Conversion helpers ---

func toOpenAIMessages(msgs []protocol.ChatMessage) []openaiMessage {
	out := make([]openaiMessage, len(msgs))
	for i, m := range msgs {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if args == "" {
				args = "{}"
			}
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out[i] = om
	}
	return out
}

func toOpenAITools(tools []protocol.ToolSchema) []openaiTool {
	out := make([]openaiTool, len(tools))
	for i, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openaiTool{
			Type: "function",
			Function: openaiToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
