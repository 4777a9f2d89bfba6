// Package eventlog stores content events in badger as an ordered,
// replayable log.
//
// Keys:
//
//	e/<position>                 event JSON
//	s/<app>\x00<content>\x00<seq>  position of a stream event
//	m/position                   last assigned position
//
// Positions and sequences are big-endian so badger's key order is log order.
package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
)

var (
	prefixEvents  = []byte("e/")
	prefixStreams = []byte("s/")
	keyPosition   = []byte("m/position")
)

var (
	// ErrSequenceExists reports an append that reuses a stream sequence.
	ErrSequenceExists = errors.New("stream sequence already exists")
	// ErrInvalidEvent reports an event that cannot be appended.
	ErrInvalidEvent = errors.New("invalid event")
)

// Options configures a Log.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Log is a badger-backed content event log.
type Log struct {
	db  *badger.DB
	log zerolog.Logger
	now func() time.Time

	// appendMu serializes position assignment.
	appendMu sync.Mutex
}

// Open opens or creates a log.
func Open(opts Options) (*Log, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("event log path is required")
	}
	badgerOpts := badger.DefaultOptions(opts.Path).
		WithLoggingLevel(badger.ERROR).
		WithSyncWrites(true)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := &Log{
		db:  db,
		log: opts.Logger.With().Str("component", "eventlog").Logger(),
		now: now,
	}
	last, err := l.LastPosition(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	l.log.Info().Uint64("position", last).Msg("event log opened")
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// LastPosition returns the highest assigned position, or 0 for an empty log.
func (l *Log) LastPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var last uint64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readPosition(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	return last, nil
}

// Append writes events atomically and returns them with positions assigned.
// Missing timestamps are set to the current time.
func (l *Log) Append(ctx context.Context, events ...content.Event) ([]content.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	for _, evt := range events {
		if err := validate(evt); err != nil {
			return nil, err
		}
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	out := make([]content.Event, len(events))
	err := l.db.Update(func(txn *badger.Txn) error {
		last, err := readPosition(txn)
		if err != nil {
			return err
		}
		for i, evt := range events {
			last++
			evt.Position = last
			if evt.Timestamp.IsZero() {
				evt.Timestamp = l.now().UTC()
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := txn.Set(eventKey(evt.Position), data); err != nil {
				return err
			}
			if !evt.IsSchemaEvent() {
				key := streamKey(evt.Key(), evt.Seq)
				if _, err := txn.Get(key); err == nil {
					return fmt.Errorf("%w: %s seq %d", ErrSequenceExists, evt.Key(), evt.Seq)
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				if err := txn.Set(key, encodeUint(evt.Position)); err != nil {
					return err
				}
			}
			out[i] = evt
		}
		return txn.Set(keyPosition, encodeUint(last))
	})
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	l.log.Debug().Int("count", len(out)).Uint64("position", out[len(out)-1].Position).Msg("events appended")
	return out, nil
}

// Read returns up to limit events with a position greater than after.
func (l *Log) Read(ctx context.Context, after uint64, limit int) ([]content.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var events []content.Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixEvents
		opts.PrefetchSize = min(limit, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(after + 1)); it.ValidForPrefix(prefixEvents) && len(events) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			evt, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events after %d: %w", after, err)
	}
	return events, nil
}

// ReadStream returns up to limit events of one stream with a sequence greater
// than afterSeq, in sequence order.
func (l *Log) ReadStream(ctx context.Context, key content.StreamKey, afterSeq uint64, limit int) ([]content.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	prefix := streamPrefix(key)
	var events []content.Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(streamKey(key, afterSeq+1)); it.ValidForPrefix(prefix) && len(events) < limit; it.Next() {
			var position uint64
			if err := it.Item().Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt stream index %q", it.Item().Key())
				}
				position = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get(eventKey(position))
			if err != nil {
				return fmt.Errorf("load event %d: %w", position, err)
			}
			evt, err := decodeItem(item)
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", key, err)
	}
	return events, nil
}

func validate(evt content.Event) error {
	if strings.TrimSpace(evt.AppID) == "" {
		return fmt.Errorf("%w: app id is required", ErrInvalidEvent)
	}
	if evt.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if evt.IsSchemaEvent() {
		return nil
	}
	if strings.TrimSpace(evt.ContentID) == "" {
		return fmt.Errorf("%w: content id is required", ErrInvalidEvent)
	}
	if strings.ContainsRune(evt.AppID, 0) || strings.ContainsRune(evt.ContentID, 0) {
		return fmt.Errorf("%w: ids must not contain NUL", ErrInvalidEvent)
	}
	if evt.Seq == 0 {
		return fmt.Errorf("%w: seq starts at 1", ErrInvalidEvent)
	}
	return nil
}

func readPosition(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(keyPosition)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var position uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt position value")
		}
		position = binary.BigEndian.Uint64(val)
		return nil
	})
	return position, err
}

func decodeItem(item *badger.Item) (content.Event, error) {
	var evt content.Event
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &evt)
	})
	if err != nil {
		return content.Event{}, fmt.Errorf("decode event %q: %w", item.Key(), err)
	}
	return evt, nil
}

func eventKey(position uint64) []byte {
	return append(append([]byte{}, prefixEvents...), encodeUint(position)...)
}

func streamPrefix(key content.StreamKey) []byte {
	buf := append([]byte{}, prefixStreams...)
	buf = append(buf, key.AppID...)
	buf = append(buf, 0)
	buf = append(buf, key.ContentID...)
	return append(buf, 0)
}

func streamKey(key content.StreamKey, seq uint64) []byte {
	return append(streamPrefix(key), encodeUint(seq)...)
}

func encodeUint(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
