package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conduit/internal/agent"

	"github.com/google/uuid"
)

const (
	msgSubscribe        = "subscribe"
	msgUnsubscribe      = "unsubscribe"
	msgStartSession     = "start_session"
	msgSendInput        = "send_input"
	msgRespondToControl = "respond_to_control"
	msgStopSession      = "stop_session"
	msgPing             = "ping"

	msgSubscribed     = "subscribed"
	msgUnsubscribed   = "unsubscribed"
	msgSessionStarted = "session_started"
	msgAgentEvent     = "agent_event"
	msgSessionEnded   = "session_ended"
	msgError          = "error"
	msgPong           = "pong"

	endReasonCompleted = "completed"
	endReasonStopped   = "stopped"
	endReasonError     = "error"
)

// inboundMessage is the union of every client frame. Unknown fields are
// ignored.
type inboundMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Prompt     string          `json:"prompt"`
	WorkingDir string          `json:"working_dir"`
	Model      string          `json:"model"`
	Images     []agent.Image   `json:"images"`
	Input      string          `json:"input"`
	RequestID  string          `json:"request_id"`
	Response   json.RawMessage `json:"response"`
}

// command is a decoded inbound frame with its session id parsed.
type command struct {
	inboundMessage
	sessionID uuid.UUID
}

// decodeError carries the session id when it could be parsed so the error
// frame can be scoped.
type decodeError struct {
	message   string
	sessionID *uuid.UUID
}

func (e *decodeError) Error() string { return e.message }

func decodeCommand(data []byte) (command, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return command{}, &decodeError{message: "invalid message: " + err.Error()}
	}
	msg.Type = strings.TrimSpace(msg.Type)
	cmd := command{inboundMessage: msg}

	var scoped *uuid.UUID
	if raw := strings.TrimSpace(msg.SessionID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return cmd, &decodeError{message: fmt.Sprintf("invalid session_id %q", raw)}
		}
		cmd.sessionID = id
		scoped = &id
	}

	missing := func(field string) error {
		return &decodeError{message: fmt.Sprintf("%s requires %s", msg.Type, field), sessionID: scoped}
	}
	switch msg.Type {
	case msgPing:
		return cmd, nil
	case msgSubscribe, msgUnsubscribe, msgStopSession, msgStartSession, msgSendInput, msgRespondToControl:
	case "":
		return cmd, &decodeError{message: "missing message type", sessionID: scoped}
	default:
		return cmd, &decodeError{message: fmt.Sprintf("unknown message type %q", msg.Type), sessionID: scoped}
	}
	if scoped == nil {
		return cmd, missing("session_id")
	}

	switch msg.Type {
	case msgStartSession:
		if strings.TrimSpace(msg.Prompt) == "" && len(msg.Images) == 0 {
			return cmd, missing("prompt")
		}
		if strings.TrimSpace(msg.WorkingDir) == "" {
			return cmd, missing("working_dir")
		}
	case msgSendInput:
		if msg.Input == "" && len(msg.Images) == 0 {
			return cmd, missing("input")
		}
	case msgRespondToControl:
		if strings.TrimSpace(msg.RequestID) == "" {
			return cmd, missing("request_id")
		}
		if len(msg.Response) == 0 {
			return cmd, missing("response")
		}
	}
	return cmd, nil
}

func decodeErrorSession(err error) *uuid.UUID {
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.sessionID
	}
	return nil
}

type outboundFrame interface {
	frameType() string
}

type sessionFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
}

func (f sessionFrame) frameType() string { return f.Type }

type sessionStartedFrame struct {
	Type           string       `json:"type"`
	SessionID      uuid.UUID    `json:"session_id"`
	AgentType      agent.Vendor `json:"agent_type"`
	AgentSessionID string       `json:"agent_session_id,omitempty"`
}

func (f sessionStartedFrame) frameType() string { return f.Type }

type agentEventFrame struct {
	Type      string      `json:"type"`
	SessionID uuid.UUID   `json:"session_id"`
	Event     agent.Event `json:"event"`
}

func (f agentEventFrame) frameType() string { return f.Type }

type sessionEndedFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
}

func (f sessionEndedFrame) frameType() string { return f.Type }

type errorFrame struct {
	Type      string     `json:"type"`
	Message   string     `json:"message"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

func (f errorFrame) frameType() string { return f.Type }

type pongFrame struct {
	Type string `json:"type"`
}

func (f pongFrame) frameType() string { return f.Type }

func newErrorFrame(message string, sessionID *uuid.UUID) errorFrame {
	return errorFrame{Type: msgError, Message: message, SessionID: sessionID}
}
