package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/relay-gw/relay/internal/ratelimit"
	"github.com/relay-gw/relay/pkg/protocol"
)

// Gemini implements Provider for the Google Gemini generateContent API.
type Gemini struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	exec    *executor
}

func newGemini(s Settings, limits *ratelimit.Coordinator) (Provider, error) {
	name := s.Name
	if name == "" {
		name = "gemini"
	}
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := s.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Gemini{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  s.APIKey,
		model:   model,
		exec:    newExecutor("google", name, limits, s.MaxPerMinute),
	}, nil
}

func (p *Gemini) Name() string { return p.name }

func (p *Gemini) ValidateCredentials() (bool, string) {
	if strings.TrimSpace(p.apiKey) == "" {
		return false, fmt.Sprintf("%s API key not configured", p.name)
	}
	return true, ""
}

func (p *Gemini) Stream(ctx context.Context, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	return p.exec.run(ctx, func(ctx context.Context, s sender) streamOutcome {
		return p.attempt(ctx, req, s)
	})
}

func (p *Gemini) attempt(ctx context.Context, req protocol.ChatRequest, s sender) streamOutcome {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := geminiRequest{
		Contents:          toGeminiContents(req.Messages),
		SystemInstruction: geminiSystemInstruction(req.Messages),
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		body.GenerationConfig = &geminiGenerationConfig{}
		if req.MaxTokens > 0 {
			body.GenerationConfig.MaxOutputTokens = req.MaxTokens
		}
		if req.Temperature > 0 {
			body.GenerationConfig.Temperature = &req.Temperature
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, len(req.Tools))
		for i, t := range req.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			decls[i] = geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			}
		}
		body.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return streamOutcome{err: fmt.Errorf("gemini: marshal: %w", err)}
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return streamOutcome{err: fmt.Errorf("gemini: create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := newStreamClient(req.Extended).Do(httpReq)
	if err != nil {
		return streamOutcome{err: fmt.Errorf("gemini: http request: %w", err)}
	}
	defer resp.Body.Close()

	updateLimiterFromHeaders(p.exec.limiter, resp.Header)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return streamOutcome{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	return consumeGeminiStream(resp.Body, s)
}

// Models returns the configured model; Gemini discovery needs a separate
// endpoint shape, so the fallback stays local.
func (p *Gemini) Models(_ context.Context) []string {
	return []string{p.model}
}

// consumeGeminiStream reads streamGenerateContent SSE frames. Text and
// functionCall parts arrive inside candidate content; the finish reason
// rides on the last candidate frame.
func consumeGeminiStream(body io.Reader, s sender) streamOutcome {
	var out streamOutcome
	var usage *protocol.Usage
	finish := ""
	acc := newToolAccumulator()
	toolIndex := 0

	err := readSSE(body, func(_ string, data []byte) error {
		var chunk geminiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil
		}

		if chunk.Error != nil {
			msg := chunk.Error.Message
			if msg == "" {
				msg = chunk.Error.Status
			}
			if !s.send(protocol.ErrorEvent(msg)) {
				return errStreamConsumerGone
			}
			out.terminal = true
			return errStreamDone
		}

		if chunk.UsageMetadata != nil {
			usage = &protocol.Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}

		if len(chunk.Candidates) == 0 {
			return nil
		}
		cand := chunk.Candidates[0]
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				if !s.send(protocol.TextEvent(part.Text)) {
					return errStreamConsumerGone
				}
				out.textStarted = true
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				acc.add(toolIndex, fmt.Sprintf("call_%d", toolIndex), part.FunctionCall.Name, string(args))
				toolIndex++
			}
		}
		if cand.FinishReason != "" {
			finish = cand.FinishReason
		}
		return nil
	})

	switch {
	case errors.Is(err, errStreamConsumerGone):
		out.consumerGone = true
		return out
	case errors.Is(err, errStreamDone):
		return out
	case err != nil:
		out.err = err
		return out
	}

	// Gemini has no explicit terminator; EOF with a finish reason (or any
	// accumulated function calls) ends the response.
	if finish == "" && acc.empty() && !out.textStarted {
		out.err = io.ErrUnexpectedEOF
		return out
	}
	var calls []protocol.ToolCall
	if !acc.empty() {
		calls = acc.finalize()
	}
	if !s.send(protocol.DoneEvent(geminiFinishReason(finish, len(calls) > 0), usage, calls)) {
		out.consumerGone = true
		return out
	}
	out.terminal = true
	return out
}

func geminiFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return protocol.FinishToolCalls
	}
	switch reason {
	case "STOP", "":
		return protocol.FinishStop
	case "MAX_TOKENS":
		return protocol.FinishLength
	}
	return strings.ToLower(reason)
}

// --- Gemini wire format types ---

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// geminiSystemInstruction extracts system messages into the dedicated
// field; Gemini has no system role in contents.
func geminiSystemInstruction(msgs []protocol.ChatMessage) *geminiContent {
	var text string
	for _, m := range msgs {
		if m.Role == "system" {
			if text != "" {
				text += "\n\n"
			}
			text += m.Content
		}
	}
	if text == "" {
		return nil
	}
	return &geminiContent{Parts: []geminiPart{{Text: text}}}
}

func toGeminiContents(msgs []protocol.ChatMessage) []geminiContent {
	var out []geminiContent
	for _, m := range msgs {
		switch m.Role {
		case "system":
			continue // handled by systemInstruction
		case "assistant":
			parts := []geminiPart{}
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
				})
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})
		case "tool":
			out = append(out, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     m.Name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		default:
			out = append(out, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	return out
}
