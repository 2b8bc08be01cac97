package protocol

// EventType discriminates StreamEvent variants.
type EventType string

const (
	// EventStatus carries progress information (e.g. "retrying in 2s").
	EventStatus EventType = "status"
	// EventText carries a chunk of assistant text.
	EventText EventType = "text"
	// EventDone terminates a successful stream.
	EventDone EventType = "done"
	// EventError terminates a failed stream.
	EventError EventType = "error"
)

// Finish reasons reported on EventDone.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// StreamEvent is one element of a normalized provider stream.
// Every stream carries exactly one terminal event (Done or Error)
// and nothing after it.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Message is the status text (Status) or error description (Error).
	Message string `json:"message,omitempty"`

	// Delta is the text chunk for Text events.
	Delta string `json:"delta,omitempty"`

	// Done fields.
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// StatusEvent creates a progress event.
func StatusEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventStatus, Message: msg}
}

// TextEvent creates a text chunk event.
func TextEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventText, Delta: delta}
}

// DoneEvent creates a successful terminal event.
func DoneEvent(finishReason string, usage *Usage, toolCalls []ToolCall) StreamEvent {
	if finishReason == "" {
		finishReason = FinishStop
	}
	return StreamEvent{
		Type:         EventDone,
		FinishReason: finishReason,
		Usage:        usage,
		ToolCalls:    toolCalls,
	}
}

// ErrorEvent creates a failed terminal event.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Message: msg}
}
