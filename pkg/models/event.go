package models

// EventType enumerates the stream events emitted while processing a turn.
// The web layer forwards these verbatim as SSE event names.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventToolStart      EventType = "tool_start"
	EventToolResult     EventType = "tool_result"
	EventRenderReady    EventType = "render_ready"
	EventValidateResult EventType = "validate_result"
	EventTurnComplete   EventType = "turn_complete"
	EventError          EventType = "error"
)

// Event is one item on a turn's event channel. Payload is the JSON-ready
// body for the event type.
type Event struct {
	Type    EventType
	Payload map[string]any
}

// NewEvent builds an event with the given payload.
func NewEvent(t EventType, payload map[string]any) Event {
	return Event{Type: t, Payload: payload}
}

// TextDeltaEvent builds a text_delta event.
func TextDeltaEvent(delta string) Event {
	return Event{Type: EventTextDelta, Payload: map[string]any{"delta": delta}}
}

// ErrorEvent builds an error event with a message payload.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Payload: map[string]any{"message": message}}
}
