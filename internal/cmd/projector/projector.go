// Package projector parses projector command flags and launches the content
// read-model runtime.
package projector

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	entrypoint "github.com/louisbranch/cmsread/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/cmsread/internal/platform/grpc"
	contentapp "github.com/louisbranch/cmsread/internal/services/content/app"
)

// Config holds projector command configuration.
type Config struct {
	Port            int           `env:"PROJECTOR_PORT" envDefault:"8095"`
	AdminAddr       string        `env:"PROJECTOR_ADMIN_ADDR" envDefault:":8096"`
	DBPath          string        `env:"PROJECTOR_DB_PATH" envDefault:"data/content.db"`
	EventLogPath    string        `env:"PROJECTOR_EVENT_LOG_PATH" envDefault:"data/events"`
	SchemaFile      string        `env:"PROJECTOR_SCHEMA_FILE" envDefault:"schemas.yaml"`
	Consumer        string        `env:"PROJECTOR_CONSUMER" envDefault:"content-projector"`
	Partitions      int           `env:"PROJECTOR_PARTITIONS" envDefault:"8"`
	BatchSize       int           `env:"PROJECTOR_BATCH_SIZE" envDefault:"256"`
	MaxPending      int           `env:"PROJECTOR_MAX_PENDING" envDefault:"64"`
	GapTimeout      time.Duration `env:"PROJECTOR_GAP_TIMEOUT" envDefault:"30s"`
	PollInterval    time.Duration `env:"PROJECTOR_POLL_INTERVAL" envDefault:"1s"`
	RetryInitial    time.Duration `env:"PROJECTOR_RETRY_INITIAL" envDefault:"50ms"`
	RetryMaxElapsed time.Duration `env:"PROJECTOR_RETRY_MAX_ELAPSED" envDefault:"30s"`
	QueryTimeout    time.Duration `env:"QUERY_TIMEOUT" envDefault:"10s"`
	SchemaTTL       time.Duration `env:"SCHEMA_TTL" envDefault:"1m"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	// Probe checks the health of a running projector and exits.
	Probe bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The projector health gRPC server port")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "The admin HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The read-model SQLite database path")
	fs.StringVar(&cfg.EventLogPath, "event-log-path", cfg.EventLogPath, "The badger event log directory")
	fs.StringVar(&cfg.SchemaFile, "schema-file", cfg.SchemaFile, "The YAML app and schema definitions file")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Event log consumer name")
	fs.IntVar(&cfg.Partitions, "partitions", cfg.Partitions, "Number of projection partitions")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Events read per batch")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "Out-of-order events parked per stream")
	fs.DurationVar(&cfg.GapTimeout, "gap-timeout", cfg.GapTimeout, "How long a sequence gap may stall before isolation")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Event log poll interval")
	fs.DurationVar(&cfg.RetryInitial, "retry-initial", cfg.RetryInitial, "Initial transient retry delay")
	fs.DurationVar(&cfg.RetryMaxElapsed, "retry-max-elapsed", cfg.RetryMaxElapsed, "Transient retry budget per event")
	fs.DurationVar(&cfg.QueryTimeout, "query-timeout", cfg.QueryTimeout, "Read-model query timeout")
	fs.DurationVar(&cfg.SchemaTTL, "schema-ttl", cfg.SchemaTTL, "Cached schema lifetime")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")
	fs.BoolVar(&cfg.Probe, "probe", false, "Check the health of a running projector and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the process logger.
func NewLogger(cfg Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", entrypoint.ServiceProjector).
		Logger(), nil
}

// Run starts the projector runtime, or probes a running one when cfg.Probe
// is set.
func Run(ctx context.Context, cfg Config) error {
	logger, err := NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	if cfg.Probe {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return platformgrpc.Probe(probeCtx, fmt.Sprintf("127.0.0.1:%d", cfg.Port), contentapp.HealthService, logger)
	}
	options := entrypoint.RunOptions{Logger: logger}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceProjector, options, func(ctx context.Context) error {
		return contentapp.Run(ctx, runtimeConfig(cfg, logger))
	})
}

const probeTimeout = 5 * time.Second

func runtimeConfig(cfg Config, logger zerolog.Logger) contentapp.RuntimeConfig {
	return contentapp.RuntimeConfig{
		Port:            cfg.Port,
		AdminAddr:       cfg.AdminAddr,
		DBPath:          cfg.DBPath,
		EventLogPath:    cfg.EventLogPath,
		SchemaFile:      cfg.SchemaFile,
		Consumer:        cfg.Consumer,
		Partitions:      cfg.Partitions,
		BatchSize:       cfg.BatchSize,
		MaxPending:      cfg.MaxPending,
		GapTimeout:      cfg.GapTimeout,
		PollInterval:    cfg.PollInterval,
		RetryInitial:    cfg.RetryInitial,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
		QueryTimeout:    cfg.QueryTimeout,
		SchemaTTL:       cfg.SchemaTTL,
		Logger:          logger,
	}
}
