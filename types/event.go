package types

import "encoding/json"

// EventType tags one StreamEvent variant.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventStatus         EventType = "status"
	EventWebSearch      EventType = "web_search"
	EventToken          EventType = "token"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventInfo           EventType = "info"
)

// StreamEvent is one element of the ordered per-query response stream.
// Exactly one terminal event (done or error) closes every stream; token
// events are append-only and carry no fixed granularity guarantee.
type StreamEvent struct {
	Type       EventType        `json:"type"`
	Content    string           `json:"content,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Sources    []RerankedResult `json:"sources,omitempty"`
	WebSources []WebResult      `json:"web_sources,omitempty"`
	Cached     bool             `json:"cached,omitempty"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}

// IsTerminal reports whether the event closes the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// SessionCreatedEvent announces a server-assigned session id. Emitted at most
// once, and only when the caller supplied no session id.
func SessionCreatedEvent(sessionID string) StreamEvent {
	return StreamEvent{Type: EventSessionCreated, SessionID: sessionID}
}

// StatusEvent carries a human-readable phase label, one per stage transition.
func StatusEvent(label string) StreamEvent {
	return StreamEvent{Type: EventStatus, Content: label}
}

// WebSearchEvent carries the web results once augmentation completes.
func WebSearchEvent(sources []WebResult) StreamEvent {
	return StreamEvent{Type: EventWebSearch, WebSources: sources}
}

// TokenEvent carries one incremental fragment of the answer text.
func TokenEvent(content string) StreamEvent {
	return StreamEvent{Type: EventToken, Content: content}
}

// DoneEvent is the successful terminal event.
func DoneEvent(payload FinalAnswerPayload) StreamEvent {
	return StreamEvent{
		Type:       EventDone,
		SessionID:  payload.SessionID,
		Sources:    payload.Sources,
		WebSources: payload.WebSources,
		Cached:     payload.Cached,
		Cancelled:  payload.Cancelled,
	}
}

// ErrorEvent is the failed terminal event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Content: message}
}

// InfoEvent is advisory and non-fatal (e.g. tier restriction notices).
func InfoEvent(message string) StreamEvent {
	return StreamEvent{Type: EventInfo, Content: message}
}

// Encode renders the wire shape: one JSON object per event.
func (e StreamEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
