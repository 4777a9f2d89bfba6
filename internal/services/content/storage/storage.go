package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/query"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrInvalidFilter indicates a failure listing filter that cannot be parsed.
var ErrInvalidFilter = errors.New("invalid filter")

// ErrTransient indicates a temporary backend failure worth retrying.
var ErrTransient = errors.New("storage temporarily unavailable")

// ErrCorruptRecord indicates a stored record that can no longer be decoded.
var ErrCorruptRecord = errors.New("corrupt stored record")

// SequenceGapError reports an event that does not directly follow the
// stream checkpoint.
type SequenceGapError struct {
	Key      content.StreamKey
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("event sequence gap on %s: expected %d got %d", e.Key, e.Expected, e.Got)
}

// Tenancy scopes a physical query to one app and schema.
type Tenancy struct {
	AppID    string
	SchemaID string
}

// RecordCursor is a lazy, finite, single-use sequence of records.
type RecordCursor interface {
	// Next advances to the next record. It returns false at the end, on
	// error, or when the query context is done.
	Next() bool
	// Record decodes the current row. A decode error affects only this row.
	Record() (content.Record, error)
	Err() error
	Close() error
}

// ContentStore serves the query side of the read model.
type ContentStore interface {
	EnsureCollection(ctx context.Context, appID string) error
	Get(ctx context.Context, appID, schemaID, id string) (content.Record, error)
	FindMissing(ctx context.Context, appID, schemaID string, ids []string) ([]string, error)
	Query(ctx context.Context, tenancy Tenancy, q query.Query) (RecordCursor, error)
	Count(ctx context.Context, tenancy Tenancy, q query.Query) (int64, error)
}

// ApplyFunc folds one event into the current record. current is nil when
// the stream has no record yet.
type ApplyFunc func(ctx context.Context, current *content.Record) (content.Record, error)

// Failure is one entry of the projection failure ledger.
type Failure struct {
	ID         string
	Key        content.StreamKey
	Seq        uint64
	EventType  content.EventType
	Position   uint64
	Reason     string
	FailedAt   time.Time
	ResolvedAt *time.Time
}

// ProjectionStore serves the write side of the read model.
type ProjectionStore interface {
	// ApplyExactlyOnce applies evt in one transaction together with its
	// stream checkpoint. It returns false without calling apply when the
	// sequence was already applied, and a *SequenceGapError when the
	// sequence skips ahead.
	ApplyExactlyOnce(ctx context.Context, evt content.Event, apply ApplyFunc) (bool, error)
	StreamCheckpoint(ctx context.Context, key content.StreamKey) (uint64, error)

	ConsumerPosition(ctx context.Context, consumer string) (uint64, error)
	SaveConsumerPosition(ctx context.Context, consumer string, position uint64) error

	RecordFailure(ctx context.Context, failure Failure) error
	OpenFailures(ctx context.Context) ([]Failure, error)
	ResolveFailures(ctx context.Context, key content.StreamKey) (int64, error)
	ListFailures(ctx context.Context, filter string, limit int) ([]Failure, error)
}
