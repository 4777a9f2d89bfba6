package reader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/cmsread/internal/platform/errors"
	"github.com/louisbranch/cmsread/internal/platform/timeouts"
	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/query"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
	"github.com/louisbranch/cmsread/internal/storage/cursor"
)

const (
	tracerName       = "github.com/louisbranch/cmsread/internal/services/content/reader"
	defaultSchemaTTL = time.Minute
)

// Config controls reader dependencies.
type Config struct {
	Store   storage.ContentStore
	Schemas schema.Provider
	Logger  zerolog.Logger
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
	// QueryTimeout caps one call including cursor consumption.
	QueryTimeout time.Duration
	// SchemaTTL bounds how long a cached schema is trusted without an
	// invalidation.
	SchemaTTL time.Duration
	Now       func() time.Time
}

// QueryRequest selects content of one schema.
type QueryRequest struct {
	AppID              string
	SchemaID           string
	IncludeUnpublished bool
	// IDs restricts results to the listed ids when non-nil. An empty,
	// non-nil slice matches nothing.
	IDs []string
	// Query is the textual filter, sort and paging expression.
	Query string
	// PageToken continues a previous result page.
	PageToken string
}

// Skipped is a stored record left out of a result because its data no
// longer parses against the current schema.
type Skipped struct {
	ID     string
	Reason string
}

// Result is one page of query results.
type Result struct {
	Records []content.Record
	Skipped []Skipped
	// NextPageToken is empty on the last page.
	NextPageToken string
}

// Reader answers content queries. It is safe for concurrent use.
type Reader struct {
	store   storage.ContentStore
	log     zerolog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	models  *modelCache
}

// New builds a reader.
func New(cfg Config) (*Reader, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if cfg.Schemas == nil {
		return nil, fmt.Errorf("schema provider is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = timeouts.Query
	}
	if cfg.SchemaTTL <= 0 {
		cfg.SchemaTTL = defaultSchemaTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reader{
		store:   cfg.Store,
		log:     cfg.Logger.With().Str("component", "reader").Logger(),
		tracer:  cfg.Tracer,
		timeout: cfg.QueryTimeout,
		models:  newModelCache(cfg.Schemas, cfg.SchemaTTL, cfg.QueryTimeout, cfg.Now),
	}, nil
}

// Invalidate drops the cached query model of a schema.
func (r *Reader) Invalidate(appID, schemaID string) {
	r.models.Invalidate(appID, schemaID)
}

// Query returns one page of matching records. An unknown schema yields an
// empty result.
func (r *Reader) Query(ctx context.Context, req QueryRequest) (result Result, err error) {
	ctx, span := r.startSpan(ctx, "reader.Query", req.AppID, req.SchemaID)
	defer func() { endSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry, q, found, err := r.compile(ctx, req)
	if err != nil || !found {
		return Result{}, err
	}

	scope := pageScope(req)
	if req.PageToken != "" {
		token, err := cursor.Decode(req.PageToken)
		if err == nil {
			err = cursor.Validate(token, scope, q.FilterString(), q.OrderString())
		}
		if err != nil {
			return Result{}, apperrors.Wrap(apperrors.CodePageTokenInvalid, "page token is invalid for this query", err)
		}
		q.Skip = token.Skip
	}
	span.SetAttributes(attribute.Int("query.skip", q.Skip), attribute.Int("query.take", q.Take))

	rows, err := r.store.Query(ctx, storage.Tenancy{AppID: req.AppID, SchemaID: req.SchemaID}, q)
	if err != nil {
		return Result{}, r.storageError(ctx, "query contents", err)
	}
	defer rows.Close()

	result.Records = []content.Record{}
	read := 0
	for rows.Next() {
		read++
		record, err := rows.Record()
		if err == nil {
			record, err = r.retype(entry, record)
		}
		if err != nil {
			id := record.ID
			r.log.Warn().Err(err).Str("app_id", req.AppID).Str("schema_id", req.SchemaID).Str("content_id", id).Msg("skipping unreadable content")
			result.Skipped = append(result.Skipped, Skipped{ID: id, Reason: err.Error()})
			continue
		}
		result.Records = append(result.Records, record)
	}
	if err := rows.Err(); err != nil {
		return Result{}, r.storageError(ctx, "read contents", err)
	}

	if q.Take > 0 && read == q.Take {
		token, err := cursor.Encode(cursor.New(q.Skip+q.Take, scope, q.FilterString(), q.OrderString()))
		if err != nil {
			return Result{}, fmt.Errorf("encode page token: %w", err)
		}
		result.NextPageToken = token
	}
	span.SetAttributes(attribute.Int("result.records", len(result.Records)), attribute.Int("result.skipped", len(result.Skipped)))
	return result, nil
}

// Count counts records matching the request's filter, ignoring paging. An
// unknown schema counts zero.
func (r *Reader) Count(ctx context.Context, req QueryRequest) (count int64, err error) {
	ctx, span := r.startSpan(ctx, "reader.Count", req.AppID, req.SchemaID)
	defer func() { endSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, q, found, err := r.compile(ctx, req)
	if err != nil || !found {
		return 0, err
	}
	count, err = r.store.Count(ctx, storage.Tenancy{AppID: req.AppID, SchemaID: req.SchemaID}, q)
	if err != nil {
		return 0, r.storageError(ctx, "count contents", err)
	}
	return count, nil
}

// FindByID returns one visible record regardless of its status.
func (r *Reader) FindByID(ctx context.Context, appID, schemaID, id string) (record content.Record, err error) {
	ctx, span := r.startSpan(ctx, "reader.FindByID", appID, schemaID)
	defer func() { endSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry, found, err := r.resolve(ctx, appID, schemaID)
	if err != nil {
		return content.Record{}, err
	}
	if !found {
		return content.Record{}, apperrors.New(apperrors.CodeNotFound, "schema not found")
	}
	record, err = r.store.Get(ctx, appID, schemaID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return content.Record{}, apperrors.WithMetadata(apperrors.CodeNotFound, "content not found", map[string]string{"id": id})
	}
	if err != nil {
		return content.Record{}, r.storageError(ctx, "get content", err)
	}
	record, err = r.retype(entry, record)
	if err != nil {
		return content.Record{}, apperrors.Wrap(apperrors.CodeProjectionApply, "stored content does not match its schema", err)
	}
	return record, nil
}

// FindMissingIDs returns the ids that have no visible record, in input
// order.
func (r *Reader) FindMissingIDs(ctx context.Context, appID, schemaID string, ids []string) (missing []string, err error) {
	ctx, span := r.startSpan(ctx, "reader.FindMissingIDs", appID, schemaID)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("query.ids", len(ids)))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	missing, err = r.store.FindMissing(ctx, appID, schemaID, ids)
	if err != nil {
		return nil, r.storageError(ctx, "find missing contents", err)
	}
	return missing, nil
}

// compile resolves the schema and compiles the request. found is false when
// the schema does not exist.
func (r *Reader) compile(ctx context.Context, req QueryRequest) (resolved, query.Query, bool, error) {
	entry, found, err := r.resolve(ctx, req.AppID, req.SchemaID)
	if err != nil || !found {
		return resolved{}, query.Query{}, false, err
	}
	q, err := query.Compile(entry.model, req.Query)
	if err != nil {
		var compileErr *query.CompilationError
		if errors.As(err, &compileErr) {
			return resolved{}, query.Query{}, false, compileErr.AppError()
		}
		return resolved{}, query.Query{}, false, err
	}
	q.IncludeUnpublished = req.IncludeUnpublished
	if req.IDs != nil {
		q.IDs = slices.Clone(req.IDs)
	}
	return entry, q, true, nil
}

func (r *Reader) resolve(ctx context.Context, appID, schemaID string) (resolved, bool, error) {
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(schemaID) == "" {
		return resolved{}, false, apperrors.New(apperrors.CodeQueryMalformed, "app id and schema id are required")
	}
	entry, err := r.models.get(ctx, appID, schemaID)
	if errors.Is(err, schema.ErrNotFound) {
		return resolved{}, false, nil
	}
	if err != nil {
		return resolved{}, false, r.storageError(ctx, fmt.Sprintf("resolve schema %s/%s", appID, schemaID), err)
	}
	return entry, true, nil
}

// retype refreshes a typed projection derived from an older schema version.
func (r *Reader) retype(entry resolved, record content.Record) (content.Record, error) {
	if record.SchemaVersion == entry.schema.Version {
		return record, nil
	}
	typed, err := entry.model.Project(record.Data)
	if err != nil {
		return record, err
	}
	record.Typed = typed
	record.SchemaVersion = entry.schema.Version
	return record, nil
}

// storageError maps store failures onto coded errors. Caller cancellation is
// returned unchanged.
func (r *Reader) storageError(ctx context.Context, action string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeQueryTimeout, "query timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, storage.ErrTransient):
		return apperrors.Wrap(apperrors.CodeStorageUnavailable, "content storage is temporarily unavailable", err)
	default:
		return fmt.Errorf("%s: %w", action, err)
	}
}

func (r *Reader) startSpan(ctx context.Context, name, appID, schemaID string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("cms.app_id", appID),
		attribute.String("cms.schema_id", schemaID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

// pageScope binds a page token to everything that shapes the result set
// besides filter and order.
func pageScope(req QueryRequest) string {
	var b strings.Builder
	b.WriteString(req.AppID)
	b.WriteByte('/')
	b.WriteString(req.SchemaID)
	b.WriteByte('/')
	b.WriteString(strconv.FormatBool(req.IncludeUnpublished))
	if req.IDs != nil {
		ids := slices.Clone(req.IDs)
		slices.Sort(ids)
		b.WriteString("/ids:")
		b.WriteString(strings.Join(ids, ","))
	}
	return b.String()
}
