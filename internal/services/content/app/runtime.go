// Package app wires the content read model into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/cmsread/internal/platform/grpc"
	"github.com/louisbranch/cmsread/internal/platform/timeouts"
	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/eventlog"
	"github.com/louisbranch/cmsread/internal/services/content/projection"
	"github.com/louisbranch/cmsread/internal/services/content/reader"
	"github.com/louisbranch/cmsread/internal/services/content/schemastore"
	contentsqlite "github.com/louisbranch/cmsread/internal/services/content/storage/sqlite"
)

// HealthService is the gRPC health service name of the projector.
const HealthService = "content.projector"

const (
	defaultPort      = 8095
	defaultAdminAddr = ":8096"
	defaultDBPath    = "data/content.db"
	defaultLogPath   = "data/events"
)

// RuntimeConfig controls projector startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port         int
	AdminAddr    string
	DBPath       string
	EventLogPath string
	SchemaFile   string

	Consumer        string
	Partitions      int
	BatchSize       int
	MaxPending      int
	GapTimeout      time.Duration
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	QueryTimeout    time.Duration
	SchemaTTL       time.Duration

	Logger zerolog.Logger
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.AdminAddr) == "" {
		c.AdminAddr = defaultAdminAddr
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaultDBPath
	}
	if strings.TrimSpace(c.EventLogPath) == "" {
		c.EventLogPath = defaultLogPath
	}
	return c
}

// Runtime holds the opened dependencies of one projector process.
type Runtime struct {
	Store    *contentsqlite.Store
	Log      *eventlog.Log
	Schemas  *schemastore.Store
	Reader   *reader.Reader
	Engine   *projection.Engine
	Registry *prometheus.Registry
	Admin    http.Handler

	cfg RuntimeConfig
	log zerolog.Logger
}

// invalidators fans schema change notices out to every cache.
type invalidators []schema.Invalidator

func (list invalidators) Invalidate(appID, schemaID string) {
	for _, inv := range list {
		inv.Invalidate(appID, schemaID)
	}
}

// Open opens stores and builds the reader and projection engine.
func Open(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	cfg = cfg.normalized()
	if strings.TrimSpace(cfg.SchemaFile) == "" {
		return nil, fmt.Errorf("schema file is required")
	}
	logger := cfg.Logger

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create content storage dir: %w", err)
		}
	}

	rt := &Runtime{cfg: cfg, log: logger.With().Str("component", "runtime").Logger()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var err error
	rt.Store, err = contentsqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open content sqlite store: %w", err)
	}
	rt.Log, err = eventlog.Open(eventlog.Options{Path: cfg.EventLogPath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	rt.Schemas, err = schemastore.Open(cfg.SchemaFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	rt.log.Info().Strs("apps", rt.Schemas.Apps()).Str("schema_file", cfg.SchemaFile).Msg("schema definitions loaded")

	rt.Reader, err = reader.New(reader.Config{
		Store:        rt.Store,
		Schemas:      rt.Schemas,
		Logger:       logger,
		QueryTimeout: cfg.QueryTimeout,
		SchemaTTL:    cfg.SchemaTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build reader: %w", err)
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt.Engine, err = projection.New(projection.Config{
		Source:          rt.Log,
		Store:           rt.Store,
		Schemas:         rt.Schemas,
		Invalidator:     invalidators{rt.Schemas, rt.Reader},
		Logger:          logger,
		Registerer:      rt.Registry,
		Consumer:        cfg.Consumer,
		Partitions:      cfg.Partitions,
		BatchSize:       cfg.BatchSize,
		MaxPending:      cfg.MaxPending,
		GapTimeout:      cfg.GapTimeout,
		PollInterval:    cfg.PollInterval,
		RetryInitial:    cfg.RetryInitial,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
	})
	if err != nil {
		return nil, fmt.Errorf("build projection engine: %w", err)
	}

	rt.Admin = NewAdminRouter(AdminConfig{
		Failures: rt.Store,
		Streams:  rt.Engine,
		Contents: rt.Reader,
		Health:   rt.Store,
		Gatherer: rt.Registry,
		Logger:   logger,
	})
	ok = true
	return rt, nil
}

// Close releases the stores. It is safe on a partially opened runtime.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Log != nil {
		if err := rt.Log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event log: %w", err))
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close content store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Serve runs the projection loop, the gRPC health server on grpcLis, and the
// admin router on adminLis until ctx ends.
func (rt *Runtime) Serve(ctx context.Context, grpcLis, adminLis net.Listener) error {
	grpcServer, healthServer := platformgrpc.NewHealthServer(HealthService)
	adminServer := &http.Server{
		Handler:           rt.Admin,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return grpcServer.Serve(grpcLis)
	})
	group.Go(func() error {
		if err := adminServer.Serve(adminLis); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := rt.Engine.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			rt.log.Warn().Err(err).Msg("admin server shutdown")
		}
		grpcServer.GracefulStop()
		return nil
	})

	rt.log.Info().
		Str("grpc_addr", grpcLis.Addr().String()).
		Str("admin_addr", adminLis.Addr().String()).
		Msg("projector serving")
	return group.Wait()
}

// Run opens the runtime, listens on the configured ports, and serves until
// ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	gin.SetMode(gin.ReleaseMode)

	rt, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.log.Error().Err(err).Msg("close runtime")
		}
	}()

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on projector port %d: %w", cfg.Port, err)
	}
	adminLis, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen on admin address %s: %w", cfg.AdminAddr, err)
	}
	return rt.Serve(ctx, grpcLis, adminLis)
}
