package projection

import (
	"context"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
)

// Source is an ordered, replayable content event log.
type Source interface {
	// Read returns up to limit events with a position greater than after, in
	// position order.
	Read(ctx context.Context, after uint64, limit int) ([]content.Event, error)
	// ReadStream returns up to limit events of one stream with a sequence
	// greater than afterSeq, in sequence order.
	ReadStream(ctx context.Context, key content.StreamKey, afterSeq uint64, limit int) ([]content.Event, error)
}
