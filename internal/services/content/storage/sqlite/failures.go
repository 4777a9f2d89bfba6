package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/cmsread/internal/platform/pagination"
	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

const failureColumns = "id, app_id, content_id, seq, event_type, position, reason, failed_at, resolved_at"

// RecordFailure appends a failure to the ledger. An empty ID is assigned.
func (s *Store) RecordFailure(ctx context.Context, failure storage.Failure) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(failure.Key.AppID) == "" || strings.TrimSpace(failure.Key.ContentID) == "" {
		return fmt.Errorf("failure stream key is required")
	}
	if failure.ID == "" {
		failure.ID = uuid.NewString()
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		"INSERT INTO projection_failures ("+failureColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)",
		failure.ID, failure.Key.AppID, failure.Key.ContentID, int64(failure.Seq), string(failure.EventType),
		int64(failure.Position), failure.Reason, toMillis(failure.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("record projection failure %s: %w", failure.Key, classify(err))
	}
	return nil
}

// OpenFailures lists unresolved failures, oldest first.
func (s *Store) OpenFailures(ctx context.Context) ([]storage.Failure, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryFailures(ctx,
		"SELECT "+failureColumns+" FROM projection_failures WHERE resolved_at IS NULL ORDER BY failed_at, id")
}

// ResolveFailures marks every open failure of a stream as resolved.
func (s *Store) ResolveFailures(ctx context.Context, key content.StreamKey) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE projection_failures SET resolved_at = ? WHERE app_id = ? AND content_id = ? AND resolved_at IS NULL",
		toMillis(time.Now()), key.AppID, key.ContentID,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve projection failures %s: %w", key, classify(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect resolved failures %s: %w", key, err)
	}
	return affected, nil
}

// ListFailures lists failures matching an AIP-160 filter, newest first.
func (s *Store) ListFailures(ctx context.Context, filter string, limit int) ([]storage.Failure, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	cond, err := ParseFailureFilter(filter)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = pagination.Failures.Default
	}
	limit = pagination.ClampTake(&limit, pagination.Failures)
	sqlText := "SELECT " + failureColumns + " FROM projection_failures"
	args := append([]any{}, cond.Params...)
	if cond.Clause != "" {
		sqlText += " WHERE " + cond.Clause
	}
	sqlText += " ORDER BY failed_at DESC, id LIMIT ?"
	args = append(args, limit)
	return s.queryFailures(ctx, sqlText, args...)
}

func (s *Store) queryFailures(ctx context.Context, sqlText string, args ...any) ([]storage.Failure, error) {
	rows, err := s.sqlDB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query projection failures: %w", classify(err))
	}
	defer rows.Close()

	var failures []storage.Failure
	for rows.Next() {
		var (
			f          storage.Failure
			seq, pos   int64
			eventType  string
			failedAt   int64
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.Key.AppID, &f.Key.ContentID, &seq, &eventType, &pos, &f.Reason, &failedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan projection failure: %w", err)
		}
		f.Seq = uint64(seq)
		f.Position = uint64(pos)
		f.EventType = content.EventType(eventType)
		f.FailedAt = fromMillis(failedAt)
		if resolvedAt.Valid {
			t := fromMillis(resolvedAt.Int64)
			f.ResolvedAt = &t
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projection failures: %w", classify(err))
	}
	return failures, nil
}
