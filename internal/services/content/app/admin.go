package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	apperrors "github.com/louisbranch/cmsread/internal/platform/errors"
	"github.com/louisbranch/cmsread/internal/platform/pagination"
	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/reader"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

// FailureLister lists projection failures.
type FailureLister interface {
	ListFailures(ctx context.Context, filter string, limit int) ([]storage.Failure, error)
}

// StreamRecoverer replays isolated streams.
type StreamRecoverer interface {
	Recover(ctx context.Context, appID, contentID string) (int, error)
	Isolated() []content.StreamKey
}

// ContentReader answers read-model queries.
type ContentReader interface {
	Query(ctx context.Context, req reader.QueryRequest) (reader.Result, error)
	Count(ctx context.Context, req reader.QueryRequest) (int64, error)
	FindByID(ctx context.Context, appID, schemaID, id string) (content.Record, error)
}

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminConfig holds the admin router dependencies.
type AdminConfig struct {
	Failures FailureLister
	Streams  StreamRecoverer
	Contents ContentReader
	Health   Pinger
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type admin struct {
	cfg AdminConfig
	log zerolog.Logger
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type failureResponse struct {
	ID         string     `json:"id"`
	AppID      string     `json:"app_id"`
	ContentID  string     `json:"content_id"`
	Seq        uint64     `json:"seq"`
	EventType  string     `json:"event_type"`
	Position   uint64     `json:"position"`
	Reason     string     `json:"reason"`
	FailedAt   time.Time  `json:"failed_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type recordResponse struct {
	ID            string         `json:"id"`
	SchemaID      string         `json:"schema_id"`
	Status        string         `json:"status"`
	Version       int64          `json:"version"`
	SchemaVersion int64          `json:"schema_version"`
	Data          map[string]any `json:"data"`
	CreatedAt     time.Time      `json:"created_at"`
	ModifiedAt    time.Time      `json:"modified_at"`
}

type queryResponse struct {
	Records       []recordResponse `json:"records"`
	Skipped       []reader.Skipped `json:"skipped,omitempty"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

// NewAdminRouter builds the operator HTTP surface:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /failures?filter=&limit=
//	GET  /streams/isolated
//	POST /streams/:app/:content/recover
//	GET  /apps/:app/schemas/:schema/contents?q=&unpublished=&page_token=
//	GET  /apps/:app/schemas/:schema/contents/count?q=&unpublished=
//	GET  /apps/:app/schemas/:schema/contents/:id
func NewAdminRouter(cfg AdminConfig) *gin.Engine {
	a := &admin{cfg: cfg, log: cfg.Logger.With().Str("component", "admin").Logger()}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", a.handleHealth)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	if cfg.Failures != nil {
		router.GET("/failures", a.handleFailures)
	}
	if cfg.Streams != nil {
		router.GET("/streams/isolated", a.handleIsolated)
		router.POST("/streams/:app/:content/recover", a.handleRecover)
	}
	if cfg.Contents != nil {
		contents := router.Group("/apps/:app/schemas/:schema/contents")
		contents.GET("", a.handleQuery)
		contents.GET("/count", a.handleCount)
		contents.GET("/:id", a.handleFind)
	}
	return router
}

func (a *admin) handleHealth(c *gin.Context) {
	if a.cfg.Health != nil {
		if err := a.cfg.Health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *admin) handleFailures(c *gin.Context) {
	limit := pagination.Failures.Default
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Code: string(apperrors.CodeQueryMalformed), Message: "limit must be a positive integer"})
			return
		}
		limit = pagination.ClampTake(&parsed, pagination.Failures)
	}

	failures, err := a.cfg.Failures.ListFailures(c.Request.Context(), c.Query("filter"), limit)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, errorResponse{Code: string(apperrors.CodeQueryMalformed), Message: err.Error()})
			return
		}
		a.writeError(c, err)
		return
	}
	out := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureResponse{
			ID:         f.ID,
			AppID:      f.Key.AppID,
			ContentID:  f.Key.ContentID,
			Seq:        f.Seq,
			EventType:  string(f.EventType),
			Position:   f.Position,
			Reason:     f.Reason,
			FailedAt:   f.FailedAt,
			ResolvedAt: f.ResolvedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"failures": out})
}

func (a *admin) handleIsolated(c *gin.Context) {
	keys := a.cfg.Streams.Isolated()
	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		out = append(out, gin.H{"app_id": key.AppID, "content_id": key.ContentID})
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

func (a *admin) handleRecover(c *gin.Context) {
	appID, contentID := c.Param("app"), c.Param("content")
	replayed, err := a.cfg.Streams.Recover(c.Request.Context(), appID, contentID)
	if err != nil {
		a.log.Warn().Err(err).Str("app_id", appID).Str("content_id", contentID).Msg("stream recovery failed")
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"app_id": appID, "content_id": contentID, "replayed": replayed})
}

func (a *admin) handleQuery(c *gin.Context) {
	req := contentRequest(c)
	req.PageToken = c.Query("page_token")
	result, err := a.cfg.Contents.Query(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := queryResponse{
		Records:       make([]recordResponse, 0, len(result.Records)),
		Skipped:       result.Skipped,
		NextPageToken: result.NextPageToken,
	}
	for _, record := range result.Records {
		out.Records = append(out.Records, toRecordResponse(record))
	}
	c.JSON(http.StatusOK, out)
}

func (a *admin) handleCount(c *gin.Context) {
	count, err := a.cfg.Contents.Count(c.Request.Context(), contentRequest(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (a *admin) handleFind(c *gin.Context) {
	record, err := a.cfg.Contents.FindByID(c.Request.Context(), c.Param("app"), c.Param("schema"), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecordResponse(record))
}

func contentRequest(c *gin.Context) reader.QueryRequest {
	unpublished, _ := strconv.ParseBool(c.Query("unpublished"))
	req := reader.QueryRequest{
		AppID:              c.Param("app"),
		SchemaID:           c.Param("schema"),
		IncludeUnpublished: unpublished,
		Query:              c.Query("q"),
	}
	if ids, ok := c.GetQueryArray("id"); ok {
		req.IDs = ids
	}
	return req
}

func toRecordResponse(record content.Record) recordResponse {
	return recordResponse{
		ID:            record.ID,
		SchemaID:      record.SchemaID,
		Status:        string(record.Status),
		Version:       record.Version,
		SchemaVersion: record.SchemaVersion,
		Data:          record.Data,
		CreatedAt:     record.CreatedAt,
		ModifiedAt:    record.ModifiedAt,
	}
}

func (a *admin) writeError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.Status(499)
		return
	}
	var domainErr *apperrors.Error
	var convertible interface{ AppError() *apperrors.Error }
	if errors.As(err, &convertible) {
		domainErr = convertible.AppError()
	} else {
		errors.As(err, &domainErr)
	}
	if domainErr != nil {
		c.JSON(httpStatus(domainErr.Code), errorResponse{
			Code:     string(domainErr.Code),
			Message:  domainErr.Message,
			Metadata: domainErr.Metadata,
		})
		return
	}
	a.log.Error().Err(err).Str("path", c.FullPath()).Msg("admin request failed")
	c.JSON(http.StatusInternalServerError, errorResponse{Code: string(apperrors.CodeUnknown), Message: err.Error()})
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeQueryMalformed,
		apperrors.CodeQueryUnknownField,
		apperrors.CodeQueryTypeMismatch,
		apperrors.CodePageTokenInvalid:
		return http.StatusBadRequest
	case apperrors.CodeQueryUnsupported:
		return http.StatusNotImplemented
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeQueryTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.CodeProjectionApply:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
