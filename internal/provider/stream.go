package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/relay-gw/relay/pkg/protocol"
)

// streamOutcome describes how a single stream attempt ended.
type streamOutcome struct {
	// terminal is true when a Done or Error event was delivered.
	terminal bool
	// textStarted is true once any Text event was delivered. Retrying
	// after that point would duplicate output.
	textStarted bool
	// consumerGone is true when the caller cancelled the context.
	consumerGone bool
	// err is set for transport failures and incomplete streams.
	err error
}

// toolAccumulator assembles streamed tool-call fragments keyed by index.
// The id is set by the first non-empty fragment, the name and arguments
// grow by appending.
type toolAccumulator struct {
	byIndex map[int]*toolPartial
}

type toolPartial struct {
	id   string
	name strings.Builder
	args strings.Builder
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{byIndex: make(map[int]*toolPartial)}
}

func (a *toolAccumulator) add(index int, id, name, args string) {
	p, ok := a.byIndex[index]
	if !ok {
		p = &toolPartial{}
		a.byIndex[index] = p
	}
	if p.id == "" && id != "" {
		p.id = id
	}
	p.name.WriteString(name)
	p.args.WriteString(args)
}

func (a *toolAccumulator) empty() bool { return len(a.byIndex) == 0 }

// finalize returns accumulated calls in ascending index order.
func (a *toolAccumulator) finalize() []protocol.ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]protocol.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		p := a.byIndex[idx]
		out = append(out, protocol.ToolCall{
			ID:        p.id,
			Name:      p.name.String(),
			Arguments: p.args.String(),
		})
	}
	return out
}

// openAIStreamChunk is one SSE data frame from a chat-completions stream.
type openAIStreamChunk struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
	Error   json.RawMessage      `json:"error"`
}

type openAIStreamChoice struct {
	Delta        openAIStreamDelta `json:"delta"`
	FinishReason string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Content   string                `json:"content"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls"`
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// consumeOpenAIStream reads an OpenAI-style SSE body and forwards
// normalized events to s. Frames are line-delimited "data: <json>";
// reading by line keeps multi-byte runes intact even when the server
// splits them across network chunks.
//
// Providers like Groq can report failures as an {"error": ...} object
// inside an HTTP 200 stream. A frame carrying error with no choices is
// a hard failure and terminates the stream.
func consumeOpenAIStream(body io.Reader, s sender) streamOutcome {
	var out streamOutcome
	var usage *protocol.Usage
	lastFinish := ""
	acc := newToolAccumulator()

	emitDone := func(finish string) bool {
		var calls []protocol.ToolCall
		if !acc.empty() {
			calls = acc.finalize()
		}
		return s.send(protocol.DoneEvent(finish, usage, calls))
	}

	reader := bufio.NewReader(body)
	for {
		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch {
			case data == "":
				// keep-alive frame
			case data == "[DONE]":
				if !emitDone(lastFinish) {
					out.consumerGone = true
					return out
				}
				out.terminal = true
				return out
			default:
				var chunk openAIStreamChunk
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					break // malformed frame, skip
				}

				if len(chunk.Error) > 0 && chunk.Choices == nil {
					if !s.send(protocol.ErrorEvent(streamErrorMessage(chunk.Error))) {
						out.consumerGone = true
						return out
					}
					out.terminal = true
					return out
				}

				if chunk.Usage != nil {
					usage = &protocol.Usage{
						PromptTokens:     chunk.Usage.PromptTokens,
						CompletionTokens: chunk.Usage.CompletionTokens,
					}
				}
				if len(chunk.Choices) > 0 {
					choice := chunk.Choices[0]
					for _, tc := range choice.Delta.ToolCalls {
						acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
					}
					if choice.Delta.Content != "" {
						if !s.send(protocol.TextEvent(choice.Delta.Content)) {
							out.consumerGone = true
							return out
						}
						out.textStarted = true
					}
					if choice.FinishReason != "" {
						lastFinish = choice.FinishReason
					}
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				// Stream ended without [DONE]. A seen finish reason still
				// counts as a complete response.
				if lastFinish != "" {
					if !emitDone(lastFinish) {
						out.consumerGone = true
						return out
					}
					out.terminal = true
					return out
				}
				out.err = io.ErrUnexpectedEOF
				return out
			}
			out.err = readErr
			return out
		}
	}
}

// streamErrorMessage extracts a printable message from an in-stream
// error object, which may be a JSON object or a bare string.
func streamErrorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Msg != "" {
			return obj.Msg
		}
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil && str != "" {
		return str
	}
	return string(raw)
}
