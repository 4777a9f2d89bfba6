package content

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func event(seq uint64, typ EventType, payload string) Event {
	evt := Event{
		AppID:     "blog",
		SchemaID:  "article",
		ContentID: "A",
		Seq:       seq,
		Type:      typ,
		Timestamp: testTime.Add(time.Duration(seq) * time.Minute),
	}
	if payload != "" {
		evt.Payload = json.RawMessage(payload)
	}
	return evt
}

func TestApplyLifecycle(t *testing.T) {
	created, err := Apply(nil, event(1, EventContentCreated, `{"data":{"title":"Hello","views":5}}`))
	if err != nil {
		t.Fatalf("apply created: %v", err)
	}
	if created.Status != StatusDraft || created.Version != 1 || created.LastSeq != 1 {
		t.Fatalf("unexpected created record: %+v", created)
	}
	if created.Data["views"] != json.Number("5") {
		t.Fatalf("expected numeric data to keep json.Number, got %T", created.Data["views"])
	}

	published, err := Apply(&created, event(2, EventContentPublished, ""))
	if err != nil {
		t.Fatalf("apply published: %v", err)
	}
	if published.Status != StatusPublished || published.Version != 1 {
		t.Fatalf("unexpected published record: %+v", published)
	}

	updated, err := Apply(&published, event(3, EventContentUpdated, `{"data":{"title":"Hi","views":7}}`))
	if err != nil {
		t.Fatalf("apply updated: %v", err)
	}
	if updated.Status != StatusPublished || updated.Version != 2 || updated.Data["title"] != "Hi" {
		t.Fatalf("unexpected updated record: %+v", updated)
	}
	if !updated.ModifiedAt.Equal(testTime.Add(3 * time.Minute)) {
		t.Fatalf("expected modified time from event, got %s", updated.ModifiedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("expected created time to stay unchanged")
	}

	unpublished, err := Apply(&updated, event(4, EventContentUnpublished, ""))
	if err != nil {
		t.Fatalf("apply unpublished: %v", err)
	}
	if unpublished.Status != StatusUnpublished {
		t.Fatalf("expected unpublished, got %s", unpublished.Status)
	}

	republished, err := Apply(&unpublished, event(5, EventContentPublished, ""))
	if err != nil {
		t.Fatalf("apply republished: %v", err)
	}

	deleted, err := Apply(&republished, event(6, EventContentDeleted, ""))
	if err != nil {
		t.Fatalf("apply deleted: %v", err)
	}
	if !deleted.Deleted || deleted.LastSeq != 6 {
		t.Fatalf("unexpected deleted record: %+v", deleted)
	}
}

func TestApplyCreatedWithPublishFlag(t *testing.T) {
	record, err := Apply(nil, event(1, EventContentCreated, `{"data":{},"publish":true}`))
	if err != nil {
		t.Fatalf("apply created: %v", err)
	}
	if record.Status != StatusPublished {
		t.Fatalf("expected published on create, got %s", record.Status)
	}
}

func TestApplyRejectsInvalidTransitions(t *testing.T) {
	draft := Record{AppID: "blog", ID: "A", Status: StatusDraft, Version: 1, LastSeq: 1}
	published := Record{AppID: "blog", ID: "A", Status: StatusPublished, Version: 1, LastSeq: 1}
	deleted := Record{AppID: "blog", ID: "A", Status: StatusPublished, Deleted: true, LastSeq: 1}

	tests := []struct {
		name    string
		current *Record
		evt     Event
	}{
		{name: "update nonexistent", current: nil, evt: event(1, EventContentUpdated, `{"data":{}}`)},
		{name: "publish nonexistent", current: nil, evt: event(1, EventContentPublished, "")},
		{name: "delete nonexistent", current: nil, evt: event(1, EventContentDeleted, "")},
		{name: "create twice", current: &draft, evt: event(2, EventContentCreated, `{"data":{}}`)},
		{name: "unpublish draft", current: &draft, evt: event(2, EventContentUnpublished, "")},
		{name: "publish published", current: &published, evt: event(2, EventContentPublished, "")},
		{name: "update deleted", current: &deleted, evt: event(2, EventContentUpdated, `{"data":{}}`)},
		{name: "delete deleted", current: &deleted, evt: event(2, EventContentDeleted, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.current, tt.evt)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		})
	}
}

func TestApplyRejectsMalformedPayload(t *testing.T) {
	tests := []Event{
		event(1, EventContentCreated, ""),
		event(1, EventContentCreated, `{"data":`),
		event(1, EventContentCreated, `{"data":"not-an-object"}`),
	}
	for _, evt := range tests {
		if _, err := Apply(nil, evt); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("expected malformed payload for %q, got %v", evt.Payload, err)
		}
	}

	draft := Record{AppID: "blog", ID: "A", Status: StatusDraft}
	if _, err := Apply(&draft, event(2, "ContentArchived", "")); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected unknown type to be malformed, got %v", err)
	}
}

func TestDataChanged(t *testing.T) {
	if !DataChanged(Event{Type: EventContentCreated}) || !DataChanged(Event{Type: EventContentUpdated}) {
		t.Fatal("expected created and updated to change data")
	}
	if DataChanged(Event{Type: EventContentPublished}) {
		t.Fatal("expected publish not to change data")
	}
}

func TestStreamKeyString(t *testing.T) {
	if got := (Event{AppID: "blog", ContentID: "A"}).Key().String(); got != "blog/A" {
		t.Fatalf("expected blog/A, got %q", got)
	}
}
