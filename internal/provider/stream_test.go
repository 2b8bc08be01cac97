package provider

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/relay-gw/relay/pkg/protocol"
)

// runNormalizer feeds raw SSE bytes through consumeOpenAIStream and
// returns the emitted events plus the outcome.
func runNormalizer(t *testing.T, raw string) ([]protocol.StreamEvent, streamOutcome) {
	t.Helper()
	ch := make(chan protocol.StreamEvent, 256)
	out := consumeOpenAIStream(strings.NewReader(raw), sender{ctx: context.Background(), ch: ch})
	close(ch)
	var events []protocol.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events, out
}

func terminalCount(events []protocol.StreamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestNormalizer_TextThenDone(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"

	events, out := runNormalizer(t, raw)
	if !out.terminal {
		t.Fatal("expected terminal outcome")
	}
	if terminalCount(events) != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminalCount(events))
	}

	var text string
	for _, ev := range events {
		if ev.Type == protocol.EventText {
			text += ev.Delta
		}
	}
	if text != "Hello" {
		t.Errorf("expected text 'Hello', got %q", text)
	}
	last := events[len(events)-1]
	if last.Type != protocol.EventDone || last.FinishReason != protocol.FinishStop {
		t.Errorf("expected done/stop terminal, got %+v", last)
	}
}

func TestNormalizer_ErrorObjectInStream(t *testing.T) {
	// Groq-style: HTTP 200 but the stream carries an error object.
	raw := "data: {\"error\":{\"message\":\"model overloaded\",\"type\":\"server_error\"}}\n\n" +
		"data: [DONE]\n\n"

	events, out := runNormalizer(t, raw)
	if !out.terminal {
		t.Fatal("in-stream error should terminate the stream")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != protocol.EventError {
		t.Fatalf("expected error event, got %s", events[0].Type)
	}
	if !strings.Contains(events[0].Message, "model overloaded") {
		t.Errorf("error message lost: %q", events[0].Message)
	}
}

func TestNormalizer_ErrorKeyWithChoicesIsNotError(t *testing.T) {
	// A frame that has both error and choices keys is a regular chunk.
	raw := "data: {\"error\":null,\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events, _ := runNormalizer(t, raw)
	for _, ev := range events {
		if ev.Type == protocol.EventError {
			t.Fatal("chunk with choices must not become an error event")
		}
	}
}

func TestNormalizer_ToolCallAccumulation(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_a\",\"function\":{\"name\":\"get_weather\",\"arguments\":\"\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"city\\\":\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":1,\"id\":\"call_b\",\"function\":{\"name\":\"get_time\",\"arguments\":\"{}\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"Rome\\\"}\"}}]}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n" +
		"data: [DONE]\n\n"

	events, out := runNormalizer(t, raw)
	if !out.terminal {
		t.Fatal("expected terminal outcome")
	}
	last := events[len(events)-1]
	if last.FinishReason != protocol.FinishToolCalls {
		t.Fatalf("expected tool_calls finish, got %q", last.FinishReason)
	}
	if len(last.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(last.ToolCalls))
	}
	// Ascending index order.
	if last.ToolCalls[0].ID != "call_a" || last.ToolCalls[1].ID != "call_b" {
		t.Errorf("tool calls out of order: %+v", last.ToolCalls)
	}
	if last.ToolCalls[0].Name != "get_weather" {
		t.Errorf("expected name get_weather, got %q", last.ToolCalls[0].Name)
	}
	if last.ToolCalls[0].Arguments != `{"city":"Rome"}` {
		t.Errorf("arguments not accumulated: %q", last.ToolCalls[0].Arguments)
	}
}

func TestNormalizer_ToolCallIDFirstNonEmptyWins(t *testing.T) {
	acc := newToolAccumulator()
	acc.add(0, "", "get_", "")
	acc.add(0, "call_first", "weather", `{"a`)
	acc.add(0, "call_second", "", `":1}`)

	calls := acc.finalize()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "call_first" {
		t.Errorf("expected first non-empty id to win, got %q", calls[0].ID)
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("name should append: %q", calls[0].Name)
	}
	if calls[0].Arguments != `{"a":1}` {
		t.Errorf("arguments should append: %q", calls[0].Arguments)
	}
}

func TestNormalizer_FinishReasonWithEmptyContent(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n\n" +
		"data: [DONE]\n\n"

	events, out := runNormalizer(t, raw)
	if !out.terminal {
		t.Fatal("expected terminal outcome")
	}
	last := events[len(events)-1]
	if last.FinishReason != protocol.FinishLength {
		t.Errorf("finish reason must propagate without content, got %q", last.FinishReason)
	}
}

func TestNormalizer_UsageOnlyChunk(t *testing.T) {
	// stream_options.include_usage delivers a final chunk with empty
	// choices carrying the usage totals.
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3}}\n\n" +
		"data: [DONE]\n\n"

	events, _ := runNormalizer(t, raw)
	last := events[len(events)-1]
	if last.Usage == nil {
		t.Fatal("usage from usage-only chunk must reach the done event")
	}
	if last.Usage.PromptTokens != 12 || last.Usage.CompletionTokens != 3 {
		t.Errorf("wrong usage: %+v", last.Usage)
	}
}

func TestNormalizer_EOFWithoutDoneIsError(t *testing.T) {
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"

	_, out := runNormalizer(t, raw)
	if out.terminal {
		t.Fatal("truncated stream must not report terminal")
	}
	if out.err != io.ErrUnexpectedEOF {
		t.Errorf("expected unexpected EOF, got %v", out.err)
	}
	if !out.textStarted {
		t.Error("textStarted should be set after a text event")
	}
}

func TestNormalizer_EOFAfterFinishReasonCompletes(t *testing.T) {
	// Some gateways close the connection without sending [DONE].
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"done\"},\"finish_reason\":\"stop\"}]}\n"

	events, out := runNormalizer(t, raw)
	if !out.terminal {
		t.Fatal("finish reason seen, stream should complete")
	}
	if terminalCount(events) != 1 {
		t.Errorf("expected one terminal event, got %d", terminalCount(events))
	}
}

func TestNormalizer_MalformedFramesSkipped(t *testing.T) {
	raw := "data: {not json}\n\n" +
		": comment line\n" +
		"event: something\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events, out := runNormalizer(t, raw)
	if !out.terminal {
		t.Fatal("expected terminal outcome")
	}
	var text string
	for _, ev := range events {
		if ev.Type == protocol.EventText {
			text += ev.Delta
		}
	}
	if text != "ok" {
		t.Errorf("expected text 'ok', got %q", text)
	}
}

func TestNormalizer_MultiByteRunesAcrossFrames(t *testing.T) {
	// Each frame carries complete JSON; runes split across deltas must
	// reassemble in order on the consumer side.
	raw := "data: {\"choices\":[{\"delta\":{\"content\":\"città\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" è bella\"}}]}\n\n" +
		"data: [DONE]\n\n"

	events, _ := runNormalizer(t, raw)
	var text string
	for _, ev := range events {
		if ev.Type == protocol.EventText {
			text += ev.Delta
		}
	}
	if !strings.HasSuffix(text, "è bella") {
		t.Errorf("multi-byte text corrupted: %q", text)
	}
}
