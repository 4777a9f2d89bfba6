package projection

import (
	"cmp"
	"slices"
	"time"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
)

// pendingStream holds events that arrived ahead of their predecessors.
type pendingStream struct {
	events map[uint64]content.Event
	// since is when the stream last made progress while holding events.
	since time.Time
}

// reorderBuffer parks out-of-order events per stream. It is owned by a single
// partition and is not safe for concurrent use.
type reorderBuffer struct {
	max     int
	streams map[content.StreamKey]*pendingStream
}

func newReorderBuffer(max int) *reorderBuffer {
	return &reorderBuffer{max: max, streams: make(map[content.StreamKey]*pendingStream)}
}

// add parks evt. It returns false when the stream already holds max events.
// Adding a sequence that is already parked is a no-op.
func (b *reorderBuffer) add(evt content.Event, now time.Time) bool {
	key := evt.Key()
	stream, ok := b.streams[key]
	if !ok {
		stream = &pendingStream{events: make(map[uint64]content.Event), since: now}
		b.streams[key] = stream
	}
	if _, dup := stream.events[evt.Seq]; dup {
		return true
	}
	if len(stream.events) >= b.max {
		return false
	}
	stream.events[evt.Seq] = evt
	return true
}

// next returns the lowest parked sequence of a stream.
func (b *reorderBuffer) next(key content.StreamKey) (content.Event, bool) {
	stream, ok := b.streams[key]
	if !ok || len(stream.events) == 0 {
		return content.Event{}, false
	}
	lowest := uint64(0)
	for seq := range stream.events {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return stream.events[lowest], true
}

// remove drops one parked event and marks the stream as progressing.
func (b *reorderBuffer) remove(key content.StreamKey, seq uint64, now time.Time) {
	stream, ok := b.streams[key]
	if !ok {
		return
	}
	delete(stream.events, seq)
	if len(stream.events) == 0 {
		delete(b.streams, key)
		return
	}
	stream.since = now
}

// drop discards every parked event of a stream.
func (b *reorderBuffer) drop(key content.StreamKey) int {
	stream, ok := b.streams[key]
	if !ok {
		return 0
	}
	delete(b.streams, key)
	return len(stream.events)
}

// expired lists streams that made no progress within timeout, sorted for
// deterministic handling.
func (b *reorderBuffer) expired(now time.Time, timeout time.Duration) []content.StreamKey {
	var keys []content.StreamKey
	for key, stream := range b.streams {
		if now.Sub(stream.since) >= timeout {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b content.StreamKey) int {
		return cmp.Or(cmp.Compare(a.AppID, b.AppID), cmp.Compare(a.ContentID, b.ContentID))
	})
	return keys
}

// oldestPosition returns the lowest log position still parked.
func (b *reorderBuffer) oldestPosition() (uint64, bool) {
	var (
		oldest uint64
		found  bool
	)
	for _, stream := range b.streams {
		for _, evt := range stream.events {
			if !found || evt.Position < oldest {
				oldest = evt.Position
				found = true
			}
		}
	}
	return oldest, found
}

func (b *reorderBuffer) len() int {
	total := 0
	for _, stream := range b.streams {
		total += len(stream.events)
	}
	return total
}
