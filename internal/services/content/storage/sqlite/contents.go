package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/query"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

const recordColumns = "app_id, schema_id, id, status, data, typed, version, last_seq, schema_version, created_at, modified_at, deleted"

// rowData holds one undecoded collection row.
type rowData struct {
	appID, schemaID, id, status string
	data, typed                 string
	version                     int64
	lastSeq                     int64
	schemaVersion               int64
	createdAt, modifiedAt       int64
	deleted                     bool
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (rowData, error) {
	var r rowData
	err := row.Scan(
		&r.appID, &r.schemaID, &r.id, &r.status, &r.data, &r.typed,
		&r.version, &r.lastSeq, &r.schemaVersion, &r.createdAt, &r.modifiedAt, &r.deleted,
	)
	return r, err
}

// decode converts a row into a record. On error the returned record carries
// only its identity so callers can report which row failed.
func (r rowData) decode() (content.Record, error) {
	identity := content.Record{AppID: r.appID, SchemaID: r.schemaID, ID: r.id}
	record := content.Record{
		AppID:         r.appID,
		SchemaID:      r.schemaID,
		ID:            r.id,
		Status:        content.Status(r.status),
		Version:       r.version,
		LastSeq:       uint64(r.lastSeq),
		SchemaVersion: r.schemaVersion,
		CreatedAt:     fromMillis(r.createdAt),
		ModifiedAt:    fromMillis(r.modifiedAt),
		Deleted:       r.deleted,
	}
	if !record.Status.Valid() {
		return identity, fmt.Errorf("record %s: invalid status %q", r.id, r.status)
	}
	data, err := decodeDocument(r.data)
	if err != nil {
		return identity, fmt.Errorf("record %s: decode data: %w", r.id, err)
	}
	typed, err := decodeDocument(r.typed)
	if err != nil {
		return identity, fmt.Errorf("record %s: decode typed projection: %w", r.id, err)
	}
	record.Data = data
	record.Typed = typed
	return record, nil
}

func decodeDocument(raw string) (map[string]any, error) {
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func encodeDocument(doc map[string]any) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(doc); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Get returns one visible record. Missing and soft-deleted records are
// storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, appID, schemaID, id string) (content.Record, error) {
	if err := s.ready(ctx); err != nil {
		return content.Record{}, err
	}
	table, ok, err := s.collectionTable(ctx, appID)
	if err != nil {
		return content.Record{}, err
	}
	if !ok {
		return content.Record{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM "+table+" WHERE app_id = ? AND schema_id = ? AND id = ? AND deleted = 0",
		appID, schemaID, id,
	)
	raw, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return content.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return content.Record{}, fmt.Errorf("get content %s: %w", id, classify(err))
	}
	return raw.decode()
}

// FindMissing returns the ids without a visible record, in input order with
// duplicates collapsed.
func (s *Store) FindMissing(ctx context.Context, appID, schemaID string, ids []string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return []string{}, nil
	}

	table, ok, err := s.collectionTable(ctx, appID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return unique, nil
	}

	found := make(map[string]struct{}, len(unique))
	const batchSize = 500
	for start := 0; start < len(unique); start += batchSize {
		end := min(start+batchSize, len(unique))
		batch := unique[start:end]

		args := make([]any, 0, len(batch)+2)
		args = append(args, appID, schemaID)
		for _, id := range batch {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", ")
		rows, err := s.sqlDB.QueryContext(ctx,
			"SELECT id FROM "+table+" WHERE app_id = ? AND schema_id = ? AND deleted = 0 AND id IN ("+placeholders+")",
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("find missing contents: %w", classify(err))
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan content id: %w", err)
			}
			found[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate content ids: %w", classify(err))
		}
		rows.Close()
	}

	missing := make([]string, 0, len(unique)-len(found))
	for _, id := range unique {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Query translates q and opens a cursor over the matching records.
func (s *Store) Query(ctx context.Context, tenancy storage.Tenancy, q query.Query) (storage.RecordCursor, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	physical, err := Translate(q, tenancy)
	if err != nil {
		return nil, err
	}
	table, ok, err := s.collectionTable(ctx, tenancy.AppID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Cursor{ctx: ctx}, nil
	}
	physical.Table = table

	args := append(append([]any{}, physical.Args...), physical.Limit, physical.Offset)
	rows, err := s.sqlDB.QueryContext(ctx, physical.SelectSQL(), args...)
	if err != nil {
		return nil, fmt.Errorf("query contents: %w", classify(err))
	}
	return &Cursor{ctx: ctx, rows: rows}, nil
}

// Count counts the records matching q's predicates, ignoring sort and paging.
func (s *Store) Count(ctx context.Context, tenancy storage.Tenancy, q query.Query) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	physical, err := Translate(q, tenancy)
	if err != nil {
		return 0, err
	}
	table, ok, err := s.collectionTable(ctx, tenancy.AppID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	physical.Table = table

	var count int64
	if err := s.sqlDB.QueryRowContext(ctx, physical.CountSQL(), physical.Args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count contents: %w", classify(err))
	}
	return count, nil
}

// Cursor iterates query results. It is single-use and must be closed.
type Cursor struct {
	ctx     context.Context
	rows    *sql.Rows
	current rowData
	err     error
	closed  bool
}

// Next advances to the next row.
func (c *Cursor) Next() bool {
	if c.closed || c.rows == nil {
		return false
	}
	if err := c.ctx.Err(); err != nil {
		c.err = err
		_ = c.Close()
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = classify(err)
		}
		_ = c.Close()
		return false
	}
	raw, err := scanRow(c.rows)
	if err != nil {
		c.err = fmt.Errorf("scan content: %w", err)
		_ = c.Close()
		return false
	}
	c.current = raw
	return true
}

// Record decodes the current row.
func (c *Cursor) Record() (content.Record, error) {
	return c.current.decode()
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the underlying rows. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rows == nil {
		return nil
	}
	return c.rows.Close()
}

// All ranges over the remaining records, yielding per-row decode errors.
// Iteration errors are reported by Err after the loop.
func (c *Cursor) All() iter.Seq2[content.Record, error] {
	return func(yield func(content.Record, error) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.Record()) {
				return
			}
		}
	}
}
