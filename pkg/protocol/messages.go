// Package protocol defines the wire protocol exchanged between collab-hub and
// browser clients over WebSocket.
//
// Every frame is a JSON object with an "event" name and a "data" payload
// whose structure depends on the event.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names.
const (
	EventProjectMessage   = "project-message"
	EventProjectRun       = "project-run"
	EventProjectRunOutput = "project-run-output"
	EventProjectRunExit   = "project-run-exit"
	EventError            = "error"
)

// AISenderID is the reserved sender id stamped on generated messages.
const AISenderID = "ai"

// Frame is the top-level wire format for all events.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Sender is the identity snapshot attached to a chat message.
type Sender struct {
	ID       string `json:"_id"`
	Email    string `json:"email,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// IsAI reports whether the sender is the sentinel AI identity.
func (s Sender) IsAI() bool { return s.ID == AISenderID }

// AISender returns the sentinel sender used for generated messages.
func AISender() *Sender {
	return &Sender{ID: AISenderID, Email: "AI"}
}

// ProjectMessage is the payload of a project-message event in both directions.
// Inbound, Sender is ignored: the hub stamps the verified session identity.
type ProjectMessage struct {
	Message   string  `json:"message"`
	Sender    *Sender `json:"sender,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"` // RFC 3339
}

// AIEnvelope is the JSON document carried in Message for AI senders.
// FileTree encodes as null when absent.
type AIEnvelope struct {
	Text     string          `json:"text"`
	FileTree json.RawMessage `json:"fileTree"`
}

// HasFileTree reports whether the envelope carries a non-null file tree.
func (e AIEnvelope) HasFileTree() bool {
	return len(e.FileTree) > 0 && string(e.FileTree) != "null"
}

// IsFileTree reports whether raw is a JSON object, the only shape a project
// file tree may take.
func IsFileTree(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

// --- Sandbox runs ---

// RunRequest asks the hub to run the project's current file tree.
type RunRequest struct{}

// RunOutput carries one line of sandbox output back to the requester.
type RunOutput struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Line   string `json:"line"`
}

// RunExit reports the end of a sandbox run.
type RunExit struct {
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// ErrorPayload is sent to a single client when one of its frames is rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds a serialized frame for the given event and payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Decode parses a raw frame. The payload is left encoded.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("parse frame: missing event name")
	}
	return f, nil
}
