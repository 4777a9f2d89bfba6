package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// TableName returns the physical table of an app's collection.
func TableName(appID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(appID))
	return fmt.Sprintf("contents_%016x", h.Sum64())
}

const collectionDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    app_id TEXT NOT NULL,
    schema_id TEXT NOT NULL,
    id TEXT NOT NULL,
    status TEXT NOT NULL,
    data TEXT NOT NULL,
    typed TEXT NOT NULL,
    version INTEGER NOT NULL,
    last_seq INTEGER NOT NULL,
    schema_version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (app_id, id)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_lookup ON %[1]s (app_id, schema_id, id);
CREATE INDEX IF NOT EXISTS idx_%[1]s_visibility ON %[1]s (app_id, schema_id, deleted, status, modified_at);
`

// EnsureCollection creates the app's collection table and indexes. It is
// safe to call on every startup.
func (s *Store) EnsureCollection(ctx context.Context, appID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return fmt.Errorf("app id is required")
	}
	if _, ok := s.cachedTable(appID); ok {
		return nil
	}

	table := TableName(appID)
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ensure collection tx: %w", classify(err))
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT app_id FROM collections WHERE table_name = ?", table).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("check collection owner: %w", classify(err))
	case owner != appID:
		return fmt.Errorf("collection table %s already belongs to app %q", table, owner)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(collectionDDL, table)); err != nil {
		return fmt.Errorf("create collection %s: %w", table, classify(err))
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (app_id, table_name, created_at) VALUES (?, ?, ?)",
		appID, table, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("register collection %s: %w", table, classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ensure collection: %w", classify(err))
	}

	s.cacheTable(appID, table)
	return nil
}

// collectionTable returns the table of a registered app. ok is false when
// the app has no collection yet.
func (s *Store) collectionTable(ctx context.Context, appID string) (string, bool, error) {
	if table, ok := s.cachedTable(appID); ok {
		return table, true, nil
	}
	var table string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT table_name FROM collections WHERE app_id = ?", appID).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup collection: %w", classify(err))
	}
	s.cacheTable(appID, table)
	return table, true, nil
}

// Collections lists registered app ids.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT app_id FROM collections ORDER BY app_id")
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", classify(err))
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var appID string
		if err := rows.Scan(&appID); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		apps = append(apps, appID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", classify(err))
	}
	return apps, nil
}

func (s *Store) cachedTable(appID string) (string, bool) {
	s.tablesMu.RLock()
	defer s.tablesMu.RUnlock()
	table, ok := s.tables[appID]
	return table, ok
}

func (s *Store) cacheTable(appID, table string) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	s.tables[appID] = table
}
