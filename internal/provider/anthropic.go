package provider

import (
	"bufio"
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

const anthropicAPIVersion = "2023-06-01"

// AnthropicStream implements Provider for the Anthropic Messages API
// streaming protocol.
type AnthropicStream struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	headers map[string]string
	exec    *executor
}

func newAnthropicStream(s Settings, limits *ratelimit.Coordinator) (Provider, error) {
	name := s.Name
	if name == "" {
		name = "anthropic"
	}
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicStream{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  s.APIKey,
		model:   s.Model,
		headers: s.Headers,
		exec:    newExecutor("anthropic", name, limits, s.MaxPerMinute),
	}, nil
}

func (p *AnthropicStream) Name() string { return p.name }

func (p *AnthropicStream) ValidateCredentials() (bool, string) {
	if strings.TrimSpace(p.apiKey) == "" {
		return false, fmt.Sprintf("%s API key not configured", p.name)
	}
	return true, ""
}

func (p *AnthropicStream) Stream(ctx context.Context, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	return p.exec.run(ctx, func(ctx context.Context, s sender) streamOutcome {
		return p.attempt(ctx, req, s)
	})
}

func (p *AnthropicStream) attempt(ctx context.Context, req protocol.ChatRequest, s sender) streamOutcome {
	model := req.Model
	if model == "" {
		model = p.model
	}

	system, messages := toAnthropicMessages(req.Messages)
	body := anthropicStreamRequest{
		Model:    model,
		Messages: messages,
		System:   system,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	} else {
		body.MaxTokens = 4096 // required field
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return streamOutcome{err: fmt.Errorf("anthropic: marshal: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return streamOutcome{err: fmt.Errorf("anthropic: create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := newStreamClient(req.Extended).Do(httpReq)
	if err != nil {
		return streamOutcome{err: fmt.Errorf("anthropic: http request: %w", err)}
	}
	defer resp.Body.Close()

	updateLimiterFromHeaders(p.exec.limiter, resp.Header)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return streamOutcome{err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	return consumeAnthropicStream(resp.Body, s)
}

// Models returns the configured model. Anthropic's model list endpoint
// requires a separate permission scope, so discovery stays local.
func (p *AnthropicStream) Models(_ context.Context) []string {
	if p.model != "" {
		return []string{p.model}
	}
	return []string{"claude-sonnet-4-20250514", "claude-haiku-4-20250414"}
}

// consumeAnthropicStream reads Messages API SSE frames and forwards
// normalized events. Text arrives as content_block_delta/text_delta;
// tool calls open with content_block_start and grow by
// input_json_delta fragments.
func consumeAnthropicStream(body io.Reader, s sender) streamOutcome {
	var out streamOutcome
	var usage protocol.Usage
	sawUsage := false
	stopReason := ""
	acc := newToolAccumulator()
	// block index -> accumulator index for tool_use blocks
	toolBlocks := make(map[int]int)
	nextTool := 0

	err := readSSE(body, func(_ string, data []byte) error {
		var frame anthropicStreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil // malformed frame, skip
		}

		switch frame.Type {
		case "message_start":
			if frame.Message != nil && frame.Message.Usage != nil {
				usage.PromptTokens = frame.Message.Usage.InputTokens
				sawUsage = true
			}
		case "content_block_start":
			if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
				toolBlocks[frame.Index] = nextTool
				acc.add(nextTool, frame.ContentBlock.ID, frame.ContentBlock.Name, "")
				nextTool++
			}
		case "content_block_delta":
			if frame.Delta == nil {
				return nil
			}
			switch frame.Delta.Type {
			case "text_delta":
				if frame.Delta.Text != "" {
					if !s.send(protocol.TextEvent(frame.Delta.Text)) {
						return errStreamConsumerGone
					}
					out.textStarted = true
				}
			case "input_json_delta":
				if idx, ok := toolBlocks[frame.Index]; ok {
					acc.add(idx, "", "", frame.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if frame.Delta != nil && frame.Delta.StopReason != "" {
				stopReason = frame.Delta.StopReason
			}
			if frame.Usage != nil {
				usage.CompletionTokens = frame.Usage.OutputTokens
				sawUsage = true
			}
		case "message_stop":
			var u *protocol.Usage
			if sawUsage {
				u = &usage
			}
			var calls []protocol.ToolCall
			if !acc.empty() {
				calls = acc.finalize()
			}
			if !s.send(protocol.DoneEvent(anthropicStopReason(stopReason), u, calls)) {
				return errStreamConsumerGone
			}
			out.terminal = true
			return errStreamDone
		case "error":
			msg := "anthropic stream error"
			if frame.Error != nil && frame.Error.Message != "" {
				msg = frame.Error.Message
			}
			if !s.send(protocol.ErrorEvent(msg)) {
				return errStreamConsumerGone
			}
			out.terminal = true
			return errStreamDone
		}
		return nil
	})

	switch {
	case err == nil && !out.terminal:
		out.err = io.ErrUnexpectedEOF
	case errors.Is(err, errStreamConsumerGone):
		out.consumerGone = true
	case errors.Is(err, errStreamDone):
		// already terminal
	case err != nil:
		out.err = err
	}
	return out
}

func anthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return protocol.FinishStop
	case "max_tokens":
		return protocol.FinishLength
	case "tool_use":
		return protocol.FinishToolCalls
	case "":
		return protocol.FinishStop
	}
	return reason
}

// Sentinel errors used to unwind readSSE early.
var (
	errStreamDone         = errors.New("stream done")
	errStreamConsumerGone = errors.New("stream consumer gone")
)

// readSSE parses server-sent events frames and invokes onFrame per frame.
// Multi-line data fields are joined with newlines; comment lines are
// skipped.
func readSSE(r io.Reader, onFrame func(event string, data []byte) error) error {
	reader := bufio.NewReader(r)
	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		err := onFrame(eventName, []byte(payload))
		eventName = ""
		dataLines = nil
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if fErr := flush(); fErr != nil {
				return fErr
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}

		if err == io.EOF {
			return flush()
		}
	}
}

// --- Anthropic wire format types ---

type anthropicStreamRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicStreamFrame struct {
	Type         string                  `json:"type"`
	Index        int                     `json:"index"`
	Message      *anthropicStreamMessage `json:"message"`
	ContentBlock *anthropicBlockInfo     `json:"content_block"`
	Delta        *anthropicDelta         `json:"delta"`
	Usage        *anthropicUsageDelta    `json:"usage"`
	Error        *anthropicError         `json:"error"`
}

type anthropicStreamMessage struct {
	Usage *anthropicUsageStart `json:"usage"`
}

type anthropicUsageStart struct {
	InputTokens int `json:"input_tokens"`
}

type anthropicUsageDelta struct {
	OutputTokens int `json:"output_tokens"`
}

type anthropicBlockInfo struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// contentBlock is a union type for Anthropic content blocks. A custom
// marshaler emits only the fields relevant to each block type.
type contentBlock struct {
	Type      string `json:"-"`
	Text      string `json:"-"`
	ID        string `json:"-"`
	Name      string `json:"-"`
	Input     string `json:"-"` // raw JSON arguments for tool_use
	ToolUseID string `json:"-"`
	Content   string `json:"-"` // tool_result content
}

func (b contentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case "tool_use":
		input := json.RawMessage(b.Input)
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case "tool_result":
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
		}{b.Type, b.ToolUseID, b.Content})
	default: // "text"
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	}
}

// toAnthropicMessages converts protocol messages to the Messages API
// shape. System messages collapse into the top-level system field; tool
// results become user-role tool_result blocks.
func toAnthropicMessages(msgs []protocol.ChatMessage) (string, []anthropicMessage) {
	var system string
	var result []anthropicMessage

	for _, m := range msgs {
		switch {
		case m.Role == "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case m.Role == "tool":
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			result = append(result, anthropicMessage{
				Role:    m.Role,
				Content: []contentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	return system, result
}
