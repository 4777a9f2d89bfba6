package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

// ApplyExactlyOnce applies one content event inside a transaction that also
// advances the stream checkpoint, so a redelivered sequence is a no-op.
func (s *Store) ApplyExactlyOnce(ctx context.Context, evt content.Event, apply storage.ApplyFunc) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if apply == nil {
		return false, fmt.Errorf("projection apply callback is required")
	}
	if strings.TrimSpace(evt.AppID) == "" || strings.TrimSpace(evt.ContentID) == "" {
		return false, fmt.Errorf("app id and content id are required")
	}
	if evt.Seq == 0 {
		return false, fmt.Errorf("event sequence must be greater than zero")
	}
	if err := s.EnsureCollection(ctx, evt.AppID); err != nil {
		return false, err
	}
	table := TableName(evt.AppID)

	const (
		maxBusyRetries = 8
		retryBaseDelay = 10 * time.Millisecond
	)

	waitForRetry := func(attempt int) error {
		delay := time.Duration(attempt+1) * retryBaseDelay
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		applied, err := s.applyInTx(ctx, table, evt, apply)
		if err == nil {
			return applied, nil
		}
		if !isSQLiteBusyError(err) {
			return false, err
		}
		lastBusyErr = err
		if attempt >= maxBusyRetries {
			break
		}
		if waitErr := waitForRetry(attempt); waitErr != nil {
			return false, waitErr
		}
	}
	return false, fmt.Errorf("apply %s seq %d: %w: %w", evt.Key(), evt.Seq, storage.ErrTransient, lastBusyErr)
}

func (s *Store) applyInTx(ctx context.Context, table string, evt content.Event, apply storage.ApplyFunc) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin projection apply tx: %w", err)
	}
	defer tx.Rollback()

	checkpoint, err := readCheckpoint(ctx, tx, evt.Key())
	if err != nil {
		return false, err
	}
	if evt.Seq <= checkpoint {
		return false, nil
	}
	if evt.Seq != checkpoint+1 {
		return false, &storage.SequenceGapError{Key: evt.Key(), Expected: checkpoint + 1, Got: evt.Seq}
	}

	current, err := loadForUpdate(ctx, tx, table, evt.AppID, evt.ContentID)
	if err != nil {
		return false, err
	}
	next, err := apply(ctx, current)
	if err != nil {
		return false, err
	}
	if err := upsertRecord(ctx, tx, table, next); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_checkpoints (app_id, content_id, seq, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(app_id, content_id) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		evt.AppID, evt.ContentID, int64(evt.Seq), toMillis(time.Now()),
	); err != nil {
		return false, fmt.Errorf("save stream checkpoint %s: %w", evt.Key(), err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit projection apply tx: %w", err)
	}
	return true, nil
}

// StreamCheckpoint returns the last applied sequence of a stream, or 0.
func (s *Store) StreamCheckpoint(ctx context.Context, key content.StreamKey) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	seq, err := readCheckpoint(ctx, s.sqlDB, key)
	return seq, classify(err)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readCheckpoint(ctx context.Context, q queryRower, key content.StreamKey) (uint64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		"SELECT seq FROM stream_checkpoints WHERE app_id = ? AND content_id = ?",
		key.AppID, key.ContentID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stream checkpoint %s: %w", key, err)
	}
	return uint64(seq), nil
}

// loadForUpdate reads the current record including soft-deleted ones.
func loadForUpdate(ctx context.Context, tx *sql.Tx, table, appID, id string) (*content.Record, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM "+table+" WHERE app_id = ? AND id = ?", appID, id)
	raw, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load content %s: %w", id, err)
	}
	record, err := raw.decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrCorruptRecord, err)
	}
	return &record, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, table string, record content.Record) error {
	data, err := encodeDocument(record.Data)
	if err != nil {
		return fmt.Errorf("encode content data %s: %w", record.ID, err)
	}
	typed, err := encodeDocument(record.Typed)
	if err != nil {
		return fmt.Errorf("encode typed projection %s: %w", record.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(app_id, id) DO UPDATE SET
		   schema_id = excluded.schema_id,
		   status = excluded.status,
		   data = excluded.data,
		   typed = excluded.typed,
		   version = excluded.version,
		   last_seq = excluded.last_seq,
		   schema_version = excluded.schema_version,
		   modified_at = excluded.modified_at,
		   deleted = excluded.deleted`,
		record.AppID, record.SchemaID, record.ID, string(record.Status), data, typed,
		record.Version, int64(record.LastSeq), record.SchemaVersion,
		toMillis(record.CreatedAt), toMillis(record.ModifiedAt), record.Deleted,
	); err != nil {
		return fmt.Errorf("upsert content %s: %w", record.ID, err)
	}
	return nil
}
