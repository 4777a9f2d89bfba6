package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
)

const (
	defaultConsumer        = "content-projector"
	defaultPartitions      = 8
	defaultBatchSize       = 256
	defaultMaxPending      = 64
	defaultGapTimeout      = 30 * time.Second
	defaultPollInterval    = time.Second
	defaultRetryInitial    = 50 * time.Millisecond
	defaultRetryMaxElapsed = 30 * time.Second
)

// Config controls engine dependencies and loop behavior.
type Config struct {
	Source  Source
	Store   storage.ProjectionStore
	Schemas schema.Provider
	// Invalidator is told about schema changes. When nil, Schemas is used if
	// it implements schema.Invalidator.
	Invalidator schema.Invalidator
	Logger      zerolog.Logger
	Registerer  prometheus.Registerer

	Consumer   string
	Partitions int
	BatchSize  int
	// MaxPending bounds the out-of-order events parked per stream.
	MaxPending int
	// GapTimeout is how long a stream may hold parked events without
	// progress before it is isolated.
	GapTimeout      time.Duration
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration

	Now func() time.Time
}

func (c Config) normalized() Config {
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = defaultConsumer
	}
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = defaultGapTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Invalidator == nil {
		if invalidator, ok := c.Schemas.(schema.Invalidator); ok {
			c.Invalidator = invalidator
		}
	}
	return c
}

// Engine projects content events into the read model.
type Engine struct {
	cfg        Config
	log        zerolog.Logger
	metrics    *metrics
	partitions []*partition

	// mu serializes RunOnce and Recover.
	mu        sync.Mutex
	loaded    bool
	restored  bool
	cursor    uint64
	committed uint64

	isolatedMu sync.Mutex
	isolated   map[content.StreamKey]struct{}
}

// partition owns the streams hashed to it for the duration of a batch.
type partition struct {
	index  int
	buffer *reorderBuffer
}

// New builds an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, ErrSourceRequired
	}
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Schemas == nil {
		return nil, ErrSchemasRequired
	}
	cfg = cfg.normalized()

	partitions := make([]*partition, cfg.Partitions)
	for i := range partitions {
		partitions[i] = &partition{index: i, buffer: newReorderBuffer(cfg.MaxPending)}
	}
	return &Engine{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "projection").Str("consumer", cfg.Consumer).Logger(),
		metrics:    newMetrics(cfg.Registerer),
		partitions: partitions,
		isolated:   make(map[content.StreamKey]struct{}),
	}, nil
}

// Run projects batches until ctx is done, waiting PollInterval whenever the
// log is drained or a batch fails.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Int("partitions", e.cfg.Partitions).Int("batch_size", e.cfg.BatchSize).Msg("projection engine started")
	for {
		processed, err := e.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Error().Err(err).Msg("projection batch failed")
		} else if processed > 0 {
			continue
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce projects one batch and commits the consumer position. It returns
// the number of events read from the log.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.prepare(ctx); err != nil {
		return 0, err
	}

	events, err := e.cfg.Source.Read(ctx, e.cursor, e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read events after %d: %w", e.cursor, err)
	}
	if len(events) > 0 {
		started := time.Now()
		if err := e.process(ctx, events); err != nil {
			return 0, err
		}
		e.cursor = events[len(events)-1].Position
		e.metrics.batch.Observe(time.Since(started).Seconds())
	}

	if err := e.expireGaps(ctx); err != nil {
		return len(events), err
	}
	if err := e.commit(ctx); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// Recover resolves the open failures of a stream and replays it from its
// checkpoint. It returns the number of events replayed.
func (e *Engine) Recover(ctx context.Context, appID, contentID string) (int, error) {
	key := content.StreamKey{AppID: strings.TrimSpace(appID), ContentID: strings.TrimSpace(contentID)}
	if key.AppID == "" || key.ContentID == "" {
		return 0, fmt.Errorf("app id and content id are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.prepare(ctx); err != nil {
		return 0, err
	}
	resolved, err := e.cfg.Store.ResolveFailures(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("resolve failures %s: %w", key, err)
	}
	e.setIsolated(key, false)
	p := e.partitionFor(key)
	p.buffer.drop(key)

	checkpoint, err := e.cfg.Store.StreamCheckpoint(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", key, err)
	}

	replayed := 0
	for {
		events, err := e.cfg.Source.ReadStream(ctx, key, checkpoint, e.cfg.BatchSize)
		if err != nil {
			return replayed, fmt.Errorf("read stream %s after %d: %w", key, checkpoint, err)
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			if evt.Seq != checkpoint+1 {
				applyErr := newApplyError(evt, &storage.SequenceGapError{Key: key, Expected: checkpoint + 1, Got: evt.Seq})
				if err := e.fail(ctx, p, applyErr, "gap"); err != nil {
					return replayed, err
				}
				return replayed, applyErr
			}
			if err := e.applyOne(ctx, evt); err != nil {
				applyErr, poisoned := streamFailure(evt, err)
				if !poisoned {
					return replayed, err
				}
				if err := e.fail(ctx, p, applyErr, "apply"); err != nil {
					return replayed, err
				}
				return replayed, applyErr
			}
			checkpoint = evt.Seq
			replayed++
		}
	}

	e.log.Info().
		Str("app_id", key.AppID).
		Str("content_id", key.ContentID).
		Int64("resolved_failures", resolved).
		Int("replayed", replayed).
		Uint64("seq", checkpoint).
		Msg("projection stream recovered")
	return replayed, nil
}

// Isolated lists the streams waiting for recovery.
func (e *Engine) Isolated() []content.StreamKey {
	e.isolatedMu.Lock()
	defer e.isolatedMu.Unlock()
	keys := make([]content.StreamKey, 0, len(e.isolated))
	for key := range e.isolated {
		keys = append(keys, key)
	}
	return keys
}

// prepare loads the committed position and restores isolated streams once.
func (e *Engine) prepare(ctx context.Context) error {
	if !e.loaded {
		position, err := e.cfg.Store.ConsumerPosition(ctx, e.cfg.Consumer)
		if err != nil {
			return fmt.Errorf("load consumer position: %w", err)
		}
		e.cursor, e.committed, e.loaded = position, position, true
		e.metrics.position.Set(float64(position))
	}
	if !e.restored {
		failures, err := e.cfg.Store.OpenFailures(ctx)
		if err != nil {
			return fmt.Errorf("load open failures: %w", err)
		}
		for _, failure := range failures {
			e.setIsolated(failure.Key, true)
		}
		e.restored = true
		if len(failures) > 0 {
			e.log.Warn().Int("failures", len(failures)).Msg("restored isolated projection streams")
		}
	}
	return nil
}

// process dispatches a batch to partitions, preserving log order within
// each partition.
func (e *Engine) process(ctx context.Context, events []content.Event) error {
	batches := make([][]content.Event, len(e.partitions))
	for _, evt := range events {
		if evt.IsSchemaEvent() {
			e.handleSchemaEvent(evt)
			continue
		}
		if strings.TrimSpace(evt.AppID) == "" || strings.TrimSpace(evt.ContentID) == "" || evt.Seq == 0 {
			e.metrics.skipped.WithLabelValues("invalid").Inc()
			e.log.Warn().Uint64("position", evt.Position).Str("event_type", string(evt.Type)).Msg("skipping event without a stream")
			continue
		}
		p := e.partitionFor(evt.Key())
		batches[p.index] = append(batches[p.index], evt)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		p := e.partitions[i]
		g.Go(func() error {
			for _, evt := range batch {
				if err := e.handle(gctx, p, evt); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) handle(ctx context.Context, p *partition, evt content.Event) error {
	key := evt.Key()
	if e.isIsolated(key) {
		e.metrics.skipped.WithLabelValues("isolated").Inc()
		return nil
	}

	err := e.applyOne(ctx, evt)
	var gap *storage.SequenceGapError
	applyErr, poisoned := streamFailure(evt, err)
	switch {
	case err == nil:
		return e.drain(ctx, p, key)
	case errors.As(err, &gap):
		if !p.buffer.add(evt, e.cfg.Now()) {
			overflow := newApplyError(evt, fmt.Errorf("more than %d events waiting for seq %d: %w", e.cfg.MaxPending, gap.Expected, gap))
			return e.fail(ctx, p, overflow, "buffer_overflow")
		}
		e.log.Debug().
			Str("app_id", key.AppID).
			Str("content_id", key.ContentID).
			Uint64("seq", evt.Seq).
			Uint64("expected", gap.Expected).
			Msg("parked out-of-order event")
		return nil
	case poisoned:
		return e.fail(ctx, p, applyErr, "apply")
	default:
		return err
	}
}

// drain applies parked events of a stream while they follow its checkpoint.
func (e *Engine) drain(ctx context.Context, p *partition, key content.StreamKey) error {
	for {
		next, ok := p.buffer.next(key)
		if !ok {
			return nil
		}
		err := e.applyOne(ctx, next)
		var gap *storage.SequenceGapError
		applyErr, poisoned := streamFailure(next, err)
		switch {
		case err == nil:
			p.buffer.remove(key, next.Seq, e.cfg.Now())
		case errors.As(err, &gap):
			return nil
		case poisoned:
			return e.fail(ctx, p, applyErr, "apply")
		default:
			return err
		}
	}
}

// applyOne applies evt exactly once, retrying transient storage failures.
func (e *Engine) applyOne(ctx context.Context, evt content.Event) error {
	apply := e.applyFunc(evt)
	operation := func() (bool, error) {
		applied, err := e.cfg.Store.ApplyExactlyOnce(ctx, evt, apply)
		if err != nil {
			if errors.Is(err, storage.ErrTransient) {
				return false, err
			}
			return false, backoff.Permanent(err)
		}
		return applied, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInitial
	applied, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(e.cfg.RetryMaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.metrics.retries.Inc()
			e.log.Warn().Err(err).Str("stream", evt.Key().String()).Uint64("seq", evt.Seq).Dur("wait", wait).Msg("retrying projection apply")
		}),
	)
	if err != nil {
		return err
	}
	if applied {
		e.metrics.applied.WithLabelValues(string(evt.Type)).Inc()
	} else {
		e.metrics.skipped.WithLabelValues("duplicate").Inc()
	}
	return nil
}

// streamFailure reports whether err is confined to the stream of evt, so
// the stream is isolated instead of the batch being aborted.
func streamFailure(evt content.Event, err error) (*ApplyError, bool) {
	if err == nil {
		return nil, false
	}
	var applyErr *ApplyError
	if errors.As(err, &applyErr) {
		return applyErr, true
	}
	if errors.Is(err, storage.ErrCorruptRecord) {
		return newApplyError(evt, err), true
	}
	return nil, false
}

// expireGaps isolates streams whose parked events made no progress within
// GapTimeout.
func (e *Engine) expireGaps(ctx context.Context) error {
	now := e.cfg.Now()
	for _, p := range e.partitions {
		for _, key := range p.buffer.expired(now, e.cfg.GapTimeout) {
			next, ok := p.buffer.next(key)
			if !ok {
				continue
			}
			checkpoint, err := e.cfg.Store.StreamCheckpoint(ctx, key)
			if err != nil {
				return fmt.Errorf("read checkpoint %s: %w", key, err)
			}
			gap := &storage.SequenceGapError{Key: key, Expected: checkpoint + 1, Got: next.Seq}
			applyErr := newApplyError(next, fmt.Errorf("no progress within %s: %w", e.cfg.GapTimeout, gap))
			if err := e.fail(ctx, p, applyErr, "gap_timeout"); err != nil {
				return err
			}
		}
	}
	return nil
}

// commit saves the read cursor, held back to just before the oldest parked
// event so a restart re-reads it.
func (e *Engine) commit(ctx context.Context) error {
	target := e.cursor
	buffered := 0
	for _, p := range e.partitions {
		buffered += p.buffer.len()
		if oldest, ok := p.buffer.oldestPosition(); ok {
			if oldest == 0 {
				target = 0
			} else if oldest-1 < target {
				target = oldest - 1
			}
		}
	}
	e.metrics.buffered.Set(float64(buffered))

	if target <= e.committed {
		return nil
	}
	if err := e.cfg.Store.SaveConsumerPosition(ctx, e.cfg.Consumer, target); err != nil {
		return fmt.Errorf("commit consumer position %d: %w", target, err)
	}
	e.committed = target
	e.metrics.position.Set(float64(target))
	return nil
}

// fail records a permanent failure and isolates the stream. The stream is
// isolated only once the failure is durable so a failed write is retried
// with the batch.
func (e *Engine) fail(ctx context.Context, p *partition, applyErr *ApplyError, cause string) error {
	key := applyErr.Key
	if err := e.cfg.Store.RecordFailure(ctx, storage.Failure{
		Key:       key,
		Seq:       applyErr.Seq,
		EventType: applyErr.Type,
		Position:  applyErr.Position,
		Reason:    applyErr.Err.Error(),
		FailedAt:  e.cfg.Now(),
	}); err != nil {
		return fmt.Errorf("record failure %s: %w", key, err)
	}
	dropped := p.buffer.drop(key)
	e.setIsolated(key, true)
	e.metrics.failures.WithLabelValues(cause).Inc()
	e.log.Error().
		Err(applyErr.Err).
		Str("app_id", key.AppID).
		Str("content_id", key.ContentID).
		Uint64("seq", applyErr.Seq).
		Str("event_type", string(applyErr.Type)).
		Int("dropped_pending", dropped).
		Msg("projection stream isolated")
	return nil
}

func (e *Engine) handleSchemaEvent(evt content.Event) {
	if e.cfg.Invalidator != nil {
		e.cfg.Invalidator.Invalidate(evt.AppID, evt.SchemaID)
	}
	e.metrics.skipped.WithLabelValues("schema").Inc()
	e.log.Info().Str("app_id", evt.AppID).Str("schema_id", evt.SchemaID).Msg("schema updated")
}

func (e *Engine) partitionFor(key content.StreamKey) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.AppID))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(key.ContentID))
	return e.partitions[h.Sum32()%uint32(len(e.partitions))]
}

func (e *Engine) isIsolated(key content.StreamKey) bool {
	e.isolatedMu.Lock()
	defer e.isolatedMu.Unlock()
	_, ok := e.isolated[key]
	return ok
}

func (e *Engine) setIsolated(key content.StreamKey, isolated bool) {
	e.isolatedMu.Lock()
	defer e.isolatedMu.Unlock()
	if isolated {
		e.isolated[key] = struct{}{}
	} else {
		delete(e.isolated, key)
	}
	e.metrics.isolated.Set(float64(len(e.isolated)))
}
