// Package content defines content records, their lifecycle and the events
// that drive it.
package content

import (
	"fmt"
	"time"
)

// Status describes the lifecycle label of a content record.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusPublished   Status = "published"
	StatusUnpublished Status = "unpublished"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusUnpublished:
		return true
	default:
		return false
	}
}

// StreamKey identifies one content stream.
type StreamKey struct {
	AppID     string
	ContentID string
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s", k.AppID, k.ContentID)
}

// Record is one content item in the read model.
type Record struct {
	AppID    string
	SchemaID string
	ID       string
	Status   Status
	// Data is the raw field data as written by the authoring side.
	Data map[string]any
	// Typed is the flat typed projection keyed by query property name.
	Typed map[string]any
	// Version increases on every data-changing event.
	Version int64
	// LastSeq is the stream sequence of the last applied event.
	LastSeq uint64
	// SchemaVersion is the schema version Typed was derived from.
	SchemaVersion int64
	CreatedAt     time.Time
	ModifiedAt    time.Time
	// Deleted marks a soft-deleted record. Deleted records are terminal and
	// never returned by reads.
	Deleted bool
}

// Key returns the stream key of the record.
func (r Record) Key() StreamKey {
	return StreamKey{AppID: r.AppID, ContentID: r.ID}
}
