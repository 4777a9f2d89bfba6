package content

import (
	"encoding/json"
	"time"
)

// EventType names one content event.
type EventType string

const (
	EventContentCreated     EventType = "ContentCreated"
	EventContentUpdated     EventType = "ContentUpdated"
	EventContentPublished   EventType = "ContentPublished"
	EventContentUnpublished EventType = "ContentUnpublished"
	EventContentDeleted     EventType = "ContentDeleted"
	EventSchemaUpdated      EventType = "SchemaUpdated"
)

// Event is an immutable fact from the content event log.
type Event struct {
	// Position is the global log position, assigned by the log.
	Position uint64 `json:"position"`
	AppID    string `json:"app_id"`
	SchemaID string `json:"schema_id"`
	// ContentID is empty for schema events.
	ContentID string `json:"content_id,omitempty"`
	// Seq increases by one per content stream, starting at 1.
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Key returns the content stream the event belongs to.
func (e Event) Key() StreamKey {
	return StreamKey{AppID: e.AppID, ContentID: e.ContentID}
}

// IsSchemaEvent reports whether the event targets a schema instead of a
// content stream.
func (e Event) IsSchemaEvent() bool {
	return e.Type == EventSchemaUpdated
}

// CreatedPayload is the payload of ContentCreated.
type CreatedPayload struct {
	Data map[string]any `json:"data"`
	// Publish creates the record directly in the published state.
	Publish bool `json:"publish,omitempty"`
}

// UpdatedPayload is the payload of ContentUpdated.
type UpdatedPayload struct {
	Data map[string]any `json:"data"`
}

// SchemaUpdatedPayload is the payload of SchemaUpdated.
type SchemaUpdatedPayload struct {
	Version int64 `json:"version"`
}
