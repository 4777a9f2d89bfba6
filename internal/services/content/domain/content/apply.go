package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates an event that is illegal in the current
	// lifecycle state.
	ErrInvalidTransition = errors.New("invalid content transition")
	// ErrMalformedPayload indicates an event payload that cannot be decoded.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Apply folds evt into the current record. current is nil when the stream
// has no record yet. The returned record has raw data and lifecycle fields
// updated; deriving the typed projection is the caller's job when
// DataChanged reports true.
func Apply(current *Record, evt Event) (Record, error) {
	switch evt.Type {
	case EventContentCreated:
		if current != nil {
			return Record{}, transitionError(current, evt)
		}
		var payload CreatedPayload
		if err := decodePayload(evt, &payload); err != nil {
			return Record{}, err
		}
		status := StatusDraft
		if payload.Publish {
			status = StatusPublished
		}
		return Record{
			AppID:      evt.AppID,
			SchemaID:   evt.SchemaID,
			ID:         evt.ContentID,
			Status:     status,
			Data:       normalizeData(payload.Data),
			Version:    1,
			LastSeq:    evt.Seq,
			CreatedAt:  evt.Timestamp.UTC(),
			ModifiedAt: evt.Timestamp.UTC(),
		}, nil
	}

	if current == nil || current.Deleted {
		return Record{}, transitionError(current, evt)
	}
	next := *current
	next.LastSeq = evt.Seq
	next.ModifiedAt = evt.Timestamp.UTC()

	switch evt.Type {
	case EventContentUpdated:
		var payload UpdatedPayload
		if err := decodePayload(evt, &payload); err != nil {
			return Record{}, err
		}
		next.Data = normalizeData(payload.Data)
		next.Version++
	case EventContentPublished:
		if current.Status != StatusDraft && current.Status != StatusUnpublished {
			return Record{}, transitionError(current, evt)
		}
		next.Status = StatusPublished
	case EventContentUnpublished:
		if current.Status != StatusPublished {
			return Record{}, transitionError(current, evt)
		}
		next.Status = StatusUnpublished
	case EventContentDeleted:
		next.Deleted = true
	default:
		return Record{}, fmt.Errorf("%w: unsupported event type %q", ErrMalformedPayload, evt.Type)
	}
	return next, nil
}

// DataChanged reports whether applying evt replaces raw field data.
func DataChanged(evt Event) bool {
	return evt.Type == EventContentCreated || evt.Type == EventContentUpdated
}

func transitionError(current *Record, evt Event) error {
	state := "nonexistent"
	switch {
	case current == nil:
	case current.Deleted:
		state = "deleted"
	default:
		state = string(current.Status)
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, evt.Type, state)
}

func decodePayload(evt Event, target any) error {
	if len(bytes.TrimSpace(evt.Payload)) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedPayload, evt.Type)
	}
	decoder := json.NewDecoder(bytes.NewReader(evt.Payload))
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, evt.Type, err)
	}
	return nil
}

func normalizeData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}
