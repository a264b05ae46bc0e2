// Package comfy is the client for a ComfyUI-compatible generation server:
// a persistent WebSocket for pushed events plus an adjacent HTTP surface
// for submissions and queries.
package comfy

import (
	"encoding/json"
	"fmt"
)

// EventKind identifies a server-pushed event on the WebSocket.
type EventKind string

// Event kinds re-emitted to subscribers. connection_error is synthesized
// client-side when the transport fails; the rest map to server message
// types.
const (
	EventStatus           EventKind = "status"
	EventProgress         EventKind = "progress"
	EventExecutionError   EventKind = "execution_error"
	EventExecutionSuccess EventKind = "execution_success"
	EventConnectionError  EventKind = "connection_error"
)

// Event is one server-pushed notification, normalized from the wire shape.
type Event struct {
	Kind EventKind

	// PromptID identifies the server-side job the event belongs to, when
	// the server includes it.
	PromptID string

	// Value and Max carry progress (current step / total steps).
	Value int
	Max   int

	// Message carries execution_error and connection_error detail.
	Message string

	// Raw is the undecoded data payload, for logging.
	Raw json.RawMessage
}

// Handler receives events in transport order.
type Handler func(Event)

// wireMessage is the envelope every text frame carries.
type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID  string `json:"prompt_id"`
	NodeType  string `json:"node_type"`
	Message   string `json:"exception_message"`
	Exception string `json:"exception_type"`
}

type executionSuccessData struct {
	PromptID string `json:"prompt_id"`
}

// parseEvent normalizes one text frame into an Event. Message types the
// client does not track (executing, execution_cached, ...) map to status
// events so subscribers still observe a complete ordered stream.
func parseEvent(frame []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Event{}, fmt.Errorf("comfy: malformed event frame: %w", err)
	}

	evt := Event{Raw: msg.Data}
	switch msg.Type {
	case "progress":
		var data progressData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return Event{}, fmt.Errorf("comfy: malformed progress payload: %w", err)
		}
		evt.Kind = EventProgress
		evt.Value = data.Value
		evt.Max = data.Max
		evt.PromptID = data.PromptID

	case "execution_error":
		var data executionErrorData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return Event{}, fmt.Errorf("comfy: malformed execution_error payload: %w", err)
		}
		evt.Kind = EventExecutionError
		evt.PromptID = data.PromptID
		evt.Message = data.Message
		if evt.Message == "" && data.Exception != "" {
			evt.Message = data.Exception
		}

	case "execution_success":
		var data executionSuccessData
		// Older servers send no data with execution_success.
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				return Event{}, fmt.Errorf("comfy: malformed execution_success payload: %w", err)
			}
		}
		evt.Kind = EventExecutionSuccess
		evt.PromptID = data.PromptID

	default:
		evt.Kind = EventStatus
	}

	return evt, nil
}
