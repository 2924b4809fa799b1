package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Image is a base64 encoded attachment.
type Image struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
}

// Message is one input for an agent process. Raw, when set, is written
// verbatim and the other fields are ignored.
type Message struct {
	Text   string
	Images []Image
	Raw    []byte
}

type claudeUserLine struct {
	Type    string            `json:"type"`
	Message claudeUserMessage `json:"message"`
}

type claudeUserMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type promptLine struct {
	Text   string  `json:"text"`
	Images []Image `json:"images,omitempty"`
}

type controlResponseLine struct {
	Type     string          `json:"type"`
	Response controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}

// Encode renders msg as one newline terminated line of the vendor's input
// protocol.
func (v Vendor) Encode(msg Message) ([]byte, error) {
	if msg.Raw != nil {
		return terminateLine(msg.Raw), nil
	}

	var payload any
	switch v {
	case VendorClaude:
		content := make([]claudeContentBlock, 0, 1+len(msg.Images))
		if msg.Text != "" || len(msg.Images) == 0 {
			content = append(content, claudeContentBlock{Type: "text", Text: msg.Text})
		}
		for _, image := range msg.Images {
			content = append(content, claudeContentBlock{
				Type: "image",
				Source: &claudeImageSource{
					Type:      "base64",
					MediaType: image.MediaType,
					Data:      image.Data,
				},
			})
		}
		payload = claudeUserLine{
			Type:    "user",
			Message: claudeUserMessage{Role: "user", Content: content},
		}
	case VendorCodex, VendorGemini:
		payload = promptLine{Text: msg.Text, Images: msg.Images}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, string(v))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s input: %w", v, err)
	}
	return append(data, '\n'), nil
}

// ControlResponse builds the success envelope answering a control request.
func ControlResponse(requestID string, response json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(response)) == 0 {
		response = json.RawMessage("null")
	}
	data, err := json.Marshal(controlResponseLine{
		Type: "control_response",
		Response: controlResponse{
			Subtype:   "success",
			RequestID: requestID,
			Response:  response,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode control response: %w", err)
	}
	return append(data, '\n'), nil
}

func terminateLine(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\n' {
		return data
	}
	line := make([]byte, len(data), len(data)+1)
	copy(line, data)
	return append(line, '\n')
}
