package protocol

// Event kinds published by the world runtime.
const (
	EventMessage     = "message"
	EventStreamStart = "stream-start"
	EventStreamChunk = "stream-chunk"
	EventStreamEnd   = "stream-end"
	EventStreamError = "stream-error"
	EventToolStart   = "tool-start"
	EventToolResult  = "tool-result"
	EventToolError   = "tool-error"
	EventHITLOption  = "hitl-option-request"
	EventSystem      = "system"
)

// EventPayload is the free-form body of a sequenced event.
type EventPayload map[string]any

// Event is the unit delivered to subscribers. Seq is assigned by the
// broadcaster and is strictly increasing per (world_id, chat_id).
type Event struct {
	Type    string       `json:"type"`
	WorldID string       `json:"world_id"`
	ChatID  string       `json:"chat_id,omitempty"`
	Seq     uint64       `json:"seq"`
	Payload EventPayload `json:"payload,omitempty"`
}
