package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNotJSON = errors.New("line is not a json object")

// Decoder turns one stdout line into zero or more events.
type Decoder interface {
	Decode(line []byte) ([]Event, error)
}

type decoderFunc func(line []byte) ([]Event, error)

func (f decoderFunc) Decode(line []byte) ([]Event, error) {
	return f(line)
}

func (v Vendor) Decoder() Decoder {
	switch v {
	case VendorClaude:
		return decoderFunc(decodeClaude)
	case VendorCodex:
		return decoderFunc(decodeCodex)
	case VendorGemini:
		return decoderFunc(decodeGemini)
	default:
		return decoderFunc(func([]byte) ([]Event, error) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, string(v))
		})
	}
}

func unmarshalLine(line []byte, target any) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return errNotJSON
	}
	return json.Unmarshal(line, target)
}

type claudeLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Message   *claudeMessage  `json:"message"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	Usage     *Usage          `json:"usage"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type claudeMessage struct {
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func decodeClaude(line []byte) ([]Event, error) {
	var msg claudeLine
	if err := unmarshalLine(line, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			return []Event{NewSessionInitEvent(msg.SessionID, msg.Model)}, nil
		}
	case "assistant":
		if msg.Message == nil {
			return nil, nil
		}
		var events []Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, NewAssistantMessageEvent(block.Text))
				}
			case "tool_use":
				events = append(events, NewToolUseEvent(ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: block.Input,
				}))
			}
		}
		return events, nil
	case "user":
		if msg.Message == nil {
			return nil, nil
		}
		var events []Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			events = append(events, NewToolResultEvent(ToolCall{
				ID:      block.ToolUseID,
				Output:  flattenClaudeContent(block.Content),
				IsError: block.IsError,
			}))
		}
		return events, nil
	case "control_request":
		return []Event{NewControlRequestEvent(msg.RequestID, msg.Request)}, nil
	case "result":
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			message := msg.Result
			if message == "" {
				message = msg.Subtype
			}
			return []Event{NewErrorEvent(message)}, nil
		}
		return []Event{NewTurnCompletedEvent(msg.Result, msg.Usage)}, nil
	}
	return nil, nil
}

// flattenClaudeContent accepts either a string or a list of text blocks.
func flattenClaudeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type codexLine struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Item     *codexItem  `json:"item"`
	Usage    *Usage      `json:"usage"`
	Error    *codexError `json:"error"`
	Message  string      `json:"message"`
}

type codexItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Text             string          `json:"text"`
	Command          string          `json:"command"`
	AggregatedOutput string          `json:"aggregated_output"`
	ExitCode         *int            `json:"exit_code"`
	Status           string          `json:"status"`
	Server           string          `json:"server"`
	Tool             string          `json:"tool"`
	Arguments        json.RawMessage `json:"arguments"`
	Changes          json.RawMessage `json:"changes"`
}

type codexError struct {
	Message string `json:"message"`
}

func decodeCodex(line []byte) ([]Event, error) {
	var msg codexLine
	if err := unmarshalLine(line, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "thread.started":
		if msg.ThreadID != "" {
			return []Event{NewSessionInitEvent(msg.ThreadID, "")}, nil
		}
	case "item.started":
		if msg.Item == nil {
			return nil, nil
		}
		if call, ok := codexToolCall(msg.Item); ok {
			return []Event{NewToolUseEvent(call)}, nil
		}
	case "item.completed":
		if msg.Item == nil {
			return nil, nil
		}
		if msg.Item.Type == "agent_message" {
			return []Event{NewAssistantMessageEvent(msg.Item.Text)}, nil
		}
		if call, ok := codexToolCall(msg.Item); ok {
			call.Output = msg.Item.AggregatedOutput
			call.IsError = msg.Item.Status == "failed" || (msg.Item.ExitCode != nil && *msg.Item.ExitCode != 0)
			return []Event{NewToolResultEvent(call)}, nil
		}
	case "turn.completed":
		return []Event{NewTurnCompletedEvent("", msg.Usage)}, nil
	case "turn.failed":
		message := "turn failed"
		if msg.Error != nil && msg.Error.Message != "" {
			message = msg.Error.Message
		}
		return []Event{NewErrorEvent(message)}, nil
	case "error":
		return []Event{NewErrorEvent(msg.Message)}, nil
	}
	return nil, nil
}

func codexToolCall(item *codexItem) (ToolCall, bool) {
	switch item.Type {
	case "command_execution":
		input, _ := json.Marshal(map[string]string{"command": item.Command})
		return ToolCall{ID: item.ID, Name: "command_execution", Input: input}, true
	case "mcp_tool_call":
		name := item.Tool
		if item.Server != "" {
			name = item.Server + "." + item.Tool
		}
		return ToolCall{ID: item.ID, Name: name, Input: item.Arguments}, true
	case "file_change":
		return ToolCall{ID: item.ID, Name: "file_change", Input: item.Changes}, true
	default:
		return ToolCall{}, false
	}
}

type geminiLine struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Model      string          `json:"model"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolName   string          `json:"tool_name"`
	ToolID     string          `json:"tool_id"`
	Parameters json.RawMessage `json:"parameters"`
	Status     string          `json:"status"`
	Output     string          `json:"output"`
	Message    string          `json:"message"`
	Error      *geminiError    `json:"error"`
}

type geminiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeGemini(line []byte) ([]Event, error) {
	var msg geminiLine
	if err := unmarshalLine(line, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "init":
		if msg.SessionID != "" {
			return []Event{NewSessionInitEvent(msg.SessionID, msg.Model)}, nil
		}
	case "message":
		if msg.Role == "assistant" && msg.Content != "" {
			return []Event{NewAssistantMessageEvent(msg.Content)}, nil
		}
	case "tool_use":
		return []Event{NewToolUseEvent(ToolCall{
			ID:    msg.ToolID,
			Name:  msg.ToolName,
			Input: msg.Parameters,
		})}, nil
	case "tool_result":
		call := ToolCall{ID: msg.ToolID, Output: msg.Output, IsError: msg.Status == "error"}
		if call.IsError && msg.Error != nil && call.Output == "" {
			call.Output = msg.Error.Message
		}
		return []Event{NewToolResultEvent(call)}, nil
	case "error":
		return []Event{NewErrorEvent(msg.Message)}, nil
	case "result":
		if msg.Status == "error" {
			message := "gemini run failed"
			if msg.Error != nil && msg.Error.Message != "" {
				message = msg.Error.Message
			}
			return []Event{NewErrorEvent(message)}, nil
		}
		return []Event{NewTurnCompletedEvent("", nil)}, nil
	}
	return nil, nil
}
