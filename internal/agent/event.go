package agent

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventAssistantMessage EventType = "assistant_message"
	EventToolUse          EventType = "tool_use"
	EventToolResult       EventType = "tool_result"
	EventSessionInit      EventType = "session_init"
	EventControlRequest   EventType = "control_request"
	EventError            EventType = "error"
	EventTurnCompleted    EventType = "turn_completed"
)

// Event is one decoded item of an agent output stream. Which fields are set
// depends on Kind.
type Event struct {
	Kind       EventType       `json:"type"`
	OccurredAt time.Time       `json:"timestamp"`
	Text       string          `json:"text,omitempty"`
	Tool       *ToolCall       `json:"tool,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Model      string          `json:"model,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	Error      string          `json:"error,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

type ToolCall struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (e Event) Type() string {
	return string(e.Kind)
}

func (e Event) Timestamp() time.Time {
	return e.OccurredAt
}

func newEvent(kind EventType) Event {
	return Event{Kind: kind, OccurredAt: time.Now().UTC()}
}

func NewSessionInitEvent(sessionID, model string) Event {
	event := newEvent(EventSessionInit)
	event.SessionID = sessionID
	event.Model = model
	return event
}

func NewAssistantMessageEvent(text string) Event {
	event := newEvent(EventAssistantMessage)
	event.Text = text
	return event
}

func NewToolUseEvent(call ToolCall) Event {
	event := newEvent(EventToolUse)
	event.Tool = &call
	return event
}

func NewToolResultEvent(call ToolCall) Event {
	event := newEvent(EventToolResult)
	event.Tool = &call
	return event
}

func NewControlRequestEvent(requestID string, request json.RawMessage) Event {
	event := newEvent(EventControlRequest)
	event.RequestID = requestID
	event.Request = request
	return event
}

func NewErrorEvent(message string) Event {
	event := newEvent(EventError)
	event.Error = message
	return event
}

func NewTurnCompletedEvent(text string, usage *Usage) Event {
	event := newEvent(EventTurnCompleted)
	event.Text = text
	event.Usage = usage
	return event
}
