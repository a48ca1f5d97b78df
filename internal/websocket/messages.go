package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType defines the type of WebSocket control message
type MessageType string

// Supported message types
const (
	// Inbound from the caller
	MessageTypeListeningStart MessageType = "listening_start"
	MessageTypeListeningEnd   MessageType = "listening_end"

	// Outbound to the caller
	MessageTypeTranscriptUpdate MessageType = "transcript_update"
	MessageTypeSpeakingStart    MessageType = "speaking_start"
	MessageTypeSpeakingEnd      MessageType = "speaking_end"
	MessageTypeError            MessageType = "error"
)

// BaseMessage defines the common structure for all control messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// ListeningStartMessage opens a caller turn. Audio frames follow as binary
// messages until listening_end.
type ListeningStartMessage struct {
	BaseMessage
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Language   string `json:"language,omitempty"`
}

// ListeningEndMessage closes the caller turn and hands it to the pipeline.
// Text optionally carries the client-side transcript of the turn; it is
// used only when streaming recognition delivered nothing.
type ListeningEndMessage struct {
	BaseMessage
	Text string `json:"text,omitempty"`
}

// ListeningAck confirms a listening transition back to the caller.
type ListeningAck struct {
	BaseMessage
	TurnID uint64 `json:"turn_id"`
	Error  string `json:"error,omitempty"`
}

// TranscriptUpdateMessage carries a live (possibly still revising) transcript
// line to the caller UI.
type TranscriptUpdateMessage struct {
	BaseMessage
	Role   string `json:"role"`
	TurnID uint64 `json:"turn_id"`
	Text   string `json:"text"`
	Final  bool   `json:"final"`
}

// SpeakingMarker brackets the binary audio frames of one agent utterance.
type SpeakingMarker struct {
	BaseMessage
	TurnID uint64 `json:"turn_id,omitempty"`
}

// ErrorMessage reports a transport-level failure to the peer.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

var validEncodings = map[string]bool{
	"LINEAR16": true, "WAV": true, "FLAC": true, "MULAW": true,
	"OGG_OPUS": true, "WEBM_OPUS": true,
}

// ParseControlMessage parses and validates an inbound caller control message.
func ParseControlMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeListeningStart:
		var msg ListeningStartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_start message: %w", err)
		}
		if msg.SampleRate != 0 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
			return nil, fmt.Errorf("sample_rate must be between 8000 and 48000")
		}
		if msg.Encoding != "" && !validEncodings[msg.Encoding] {
			return nil, fmt.Errorf("unsupported encoding %q", msg.Encoding)
		}
		return &msg, nil

	case MessageTypeListeningEnd:
		var msg ListeningEndMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_end message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// NewErrorMessage creates a standardized error message
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now().Format(time.RFC3339),
		},
		Code:    code,
		Message: message,
	}
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
