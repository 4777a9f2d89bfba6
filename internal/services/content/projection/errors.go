package projection

import (
	"errors"
	"fmt"

	apperrors "github.com/louisbranch/cmsread/internal/platform/errors"
	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
)

var (
	// ErrSourceRequired indicates a missing event source.
	ErrSourceRequired = errors.New("event source is required")
	// ErrStoreRequired indicates a missing projection store.
	ErrStoreRequired = errors.New("projection store is required")
	// ErrSchemasRequired indicates a missing schema provider.
	ErrSchemasRequired = errors.New("schema provider is required")
	// ErrStreamIsolated indicates an event was not applied because its stream
	// is waiting for recovery.
	ErrStreamIsolated = errors.New("stream is isolated")
)

// ApplyError is a permanent failure to project one event. The stream it
// belongs to is isolated until recovered.
type ApplyError struct {
	Key      content.StreamKey
	Seq      uint64
	Type     content.EventType
	Position uint64
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s to %s seq %d: %v", e.Type, e.Key, e.Seq, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// AppError converts the failure into a coded application error.
func (e *ApplyError) AppError() *apperrors.Error {
	return apperrors.WithMetadata(apperrors.CodeProjectionApply, e.Error(), map[string]string{
		"app_id":     e.Key.AppID,
		"content_id": e.Key.ContentID,
		"seq":        fmt.Sprintf("%d", e.Seq),
		"event_type": string(e.Type),
	})
}

func newApplyError(evt content.Event, err error) *ApplyError {
	return &ApplyError{
		Key:      evt.Key(),
		Seq:      evt.Seq,
		Type:     evt.Type,
		Position: evt.Position,
		Err:      err,
	}
}
