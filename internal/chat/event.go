package chat

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates turn events on the wire.
type EventType string

// Turn event types. Exactly one of EventContextUpdate or EventError is
// emitted per turn, always last before stream termination.
const (
	EventText          EventType = "text"
	EventToolStart     EventType = "tool_start"
	EventToolEnd       EventType = "tool_end"
	EventContextUpdate EventType = "context_update"
	EventError         EventType = "error"
)

// ToolStart is the content payload of a tool_start event.
type ToolStart struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Notice      string          `json:"notice,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// ToolEnd is the content payload of a tool_end event. Its ID matches the
// corresponding ToolStart.
type ToolEnd struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

// Event is one typed turn event. It is a tagged union: Type selects which
// payload field is meaningful. Events are emitted in strict chronological
// order and are never reordered or batched across types.
type Event struct {
	Type EventType

	Text      string     // EventText
	ToolStart *ToolStart // EventToolStart
	ToolEnd   *ToolEnd   // EventToolEnd
	Context   *Context   // EventContextUpdate
	Err       string     // EventError
}

// TextEvent returns a text fragment event.
func TextEvent(fragment string) Event {
	return Event{Type: EventText, Text: fragment}
}

// ToolStartEvent returns a tool_start event.
func ToolStartEvent(ts ToolStart) Event {
	return Event{Type: EventToolStart, ToolStart: &ts}
}

// ToolEndEvent returns a tool_end event.
func ToolEndEvent(te ToolEnd) Event {
	return Event{Type: EventToolEnd, ToolEnd: &te}
}

// ContextUpdateEvent returns the terminal success event carrying the full
// updated conversation context.
func ContextUpdateEvent(c *Context) Event {
	return Event{Type: EventContextUpdate, Context: c}
}

// ErrorEvent returns the terminal failure event.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Err: msg}
}

// wireEvent is the framed representation: a type discriminator plus a
// type-dependent content payload.
type wireEvent struct {
	Type    EventType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON frames the event as {"type": ..., "content": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	var content any
	switch e.Type {
	case EventText:
		content = e.Text
	case EventToolStart:
		content = e.ToolStart
	case EventToolEnd:
		content = e.ToolEnd
	case EventContextUpdate:
		content = e.Context
	case EventError:
		content = e.Err
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", e.Type, err)
	}
	return json.Marshal(wireEvent{Type: e.Type, Content: raw})
}

// UnmarshalJSON reverses MarshalJSON. Primarily used by tests and client
// tooling that consume the wire protocol.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal event frame: %w", err)
	}

	*e = Event{Type: w.Type}
	switch w.Type {
	case EventText:
		return json.Unmarshal(w.Content, &e.Text)
	case EventToolStart:
		e.ToolStart = &ToolStart{}
		return json.Unmarshal(w.Content, e.ToolStart)
	case EventToolEnd:
		e.ToolEnd = &ToolEnd{}
		return json.Unmarshal(w.Content, e.ToolEnd)
	case EventContextUpdate:
		e.Context = &Context{}
		return json.Unmarshal(w.Content, e.Context)
	case EventError:
		return json.Unmarshal(w.Content, &e.Err)
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
}

// Terminal reports whether the event ends the turn.
func (e Event) Terminal() bool {
	return e.Type == EventContextUpdate || e.Type == EventError
}
