package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConsumerPosition returns the committed log position of a consumer, or 0.
func (s *Store) ConsumerPosition(ctx context.Context, consumer string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var position int64
	err := s.sqlDB.QueryRowContext(ctx, "SELECT position FROM consumer_positions WHERE consumer = ?", consumer).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get consumer position %s: %w", consumer, classify(err))
	}
	return uint64(position), nil
}

// SaveConsumerPosition commits a consumer position. Positions never move
// backwards.
func (s *Store) SaveConsumerPosition(ctx context.Context, consumer string, position uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(consumer) == "" {
		return fmt.Errorf("consumer name is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO consumer_positions (consumer, position, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(consumer) DO UPDATE SET
		   position = MAX(consumer_positions.position, excluded.position),
		   updated_at = excluded.updated_at`,
		consumer, int64(position), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save consumer position %s: %w", consumer, classify(err))
	}
	return nil
}
