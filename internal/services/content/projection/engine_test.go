package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
	"github.com/louisbranch/cmsread/internal/services/content/domain/schema"
	"github.com/louisbranch/cmsread/internal/services/content/storage"
	"github.com/louisbranch/cmsread/internal/services/content/storage/sqlite"
)

var testTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// memorySource is an in-memory event log.
type memorySource struct {
	mu     sync.Mutex
	events []content.Event
}

func (s *memorySource) append(events ...content.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range events {
		evt.Position = uint64(len(s.events) + 1)
		s.events = append(s.events, evt)
	}
}

func (s *memorySource) Read(_ context.Context, after uint64, limit int) ([]content.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []content.Event
	for _, evt := range s.events {
		if evt.Position > after && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *memorySource) ReadStream(_ context.Context, key content.StreamKey, afterSeq uint64, limit int) ([]content.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []content.Event
	for _, evt := range s.events {
		if evt.Key() == key && evt.Seq > afterSeq && !evt.IsSchemaEvent() {
			out = append(out, evt)
		}
	}
	slices.SortFunc(out, func(a, b content.Event) int { return int(a.Seq) - int(b.Seq) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// staticSchemas serves fixed definitions and records invalidations.
type staticSchemas struct {
	mu          sync.Mutex
	schemas     map[string]schema.Schema
	invalidated []string
}

func newStaticSchemas() *staticSchemas {
	return &staticSchemas{schemas: map[string]schema.Schema{
		"blog/article": {
			ID:      "article",
			AppID:   "blog",
			Version: 1,
			Fields: []schema.Field{
				{Name: "title", Kind: schema.KindString},
				{Name: "views", Kind: schema.KindNumber},
			},
		},
	}}
}

func (p *staticSchemas) FindSchema(_ context.Context, appID, schemaID string) (schema.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.schemas[appID+"/"+schemaID]
	if !ok {
		return schema.Schema{}, schema.ErrNotFound
	}
	return s, nil
}

func (p *staticSchemas) FindApp(_ context.Context, appID string) (schema.App, error) {
	return schema.App{ID: appID, Languages: []language.Tag{language.English}}, nil
}

func (p *staticSchemas) Invalidate(appID, schemaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, appID+"/"+schemaID)
}

func (p *staticSchemas) put(s schema.Schema) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas[s.AppID+"/"+s.ID] = s
}

// flakyStore fails the first failures applications with a transient error;
// a negative value fails every application.
type flakyStore struct {
	storage.ProjectionStore
	failures int64
	calls    atomic.Int64
}

func (f *flakyStore) ApplyExactlyOnce(ctx context.Context, evt content.Event, apply storage.ApplyFunc) (bool, error) {
	call := f.calls.Add(1)
	if f.failures < 0 || call <= f.failures {
		return false, fmt.Errorf("apply %s: %w", evt.Key(), storage.ErrTransient)
	}
	return f.ProjectionStore.ApplyExactlyOnce(ctx, evt, apply)
}

// corruptStore reports the stored record of one content as undecodable.
type corruptStore struct {
	storage.ProjectionStore
	contentID string
}

func (c *corruptStore) ApplyExactlyOnce(ctx context.Context, evt content.Event, apply storage.ApplyFunc) (bool, error) {
	if evt.ContentID == c.contentID {
		return false, fmt.Errorf("load content %s: %w: decode data: invalid character 'o'", evt.ContentID, storage.ErrCorruptRecord)
	}
	return c.ProjectionStore.ApplyExactlyOnce(ctx, evt, apply)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "read.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Schemas == nil {
		cfg.Schemas = newStaticSchemas()
	}
	cfg.Logger = zerolog.Nop()
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
	}
	engine, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func evt(id string, seq uint64, typ content.EventType, payload string) content.Event {
	e := content.Event{
		AppID:     "blog",
		SchemaID:  "article",
		ContentID: id,
		Seq:       seq,
		Type:      typ,
		Timestamp: testTime.Add(time.Duration(seq) * time.Minute),
	}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	return e
}

func runOnce(t *testing.T, engine *Engine) int {
	t.Helper()
	n, err := engine.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return n
}

func getRecord(t *testing.T, store *sqlite.Store, id string) content.Record {
	t.Helper()
	record, err := store.Get(context.Background(), "blog", "article", id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return record
}

func position(t *testing.T, store *sqlite.Store) uint64 {
	t.Helper()
	pos, err := store.ConsumerPosition(context.Background(), defaultConsumer)
	if err != nil {
		t.Fatalf("consumer position: %v", err)
	}
	return pos
}

func TestNewRequiresDependencies(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	cases := []struct {
		cfg  Config
		want error
	}{
		{cfg: Config{Store: store, Schemas: newStaticSchemas()}, want: ErrSourceRequired},
		{cfg: Config{Source: source, Schemas: newStaticSchemas()}, want: ErrStoreRequired},
		{cfg: Config{Source: source, Store: store}, want: ErrSchemasRequired},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); !errors.Is(err, tc.want) {
			t.Fatalf("New() error = %v, want %v", err, tc.want)
		}
	}
}

func TestEngineProjectsBatch(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	source.append(
		evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello","views":5}}`),
		evt("B", 1, content.EventContentCreated, `{"data":{"title":"Hey","views":2}}`),
		evt("A", 2, content.EventContentPublished, ""),
	)
	engine := newTestEngine(t, Config{Source: source, Store: store, Partitions: 4})

	if n := runOnce(t, engine); n != 3 {
		t.Fatalf("processed = %d, want 3", n)
	}
	a := getRecord(t, store, "A")
	if a.Status != content.StatusPublished || a.Version != 1 || a.LastSeq != 2 || a.SchemaVersion != 1 {
		t.Fatalf("unexpected A: %+v", a)
	}
	if a.Typed["views"] != json.Number("5") || a.Typed["title"] != "Hello" {
		t.Fatalf("unexpected typed projection: %#v", a.Typed)
	}
	if b := getRecord(t, store, "B"); b.Status != content.StatusDraft {
		t.Fatalf("unexpected B: %+v", b)
	}
	if pos := position(t, store); pos != 3 {
		t.Fatalf("position = %d, want 3", pos)
	}
	if got := testutil.ToFloat64(engine.metrics.applied.WithLabelValues(string(content.EventContentCreated))); got != 2 {
		t.Fatalf("applied created = %v, want 2", got)
	}
	if n := runOnce(t, engine); n != 0 {
		t.Fatalf("second pass processed = %d, want 0", n)
	}
}

func TestEngineConvergesOnOutOfOrderDelivery(t *testing.T) {
	created := evt("B", 1, content.EventContentCreated, `{"data":{"title":"Hello","views":5},"publish":true}`)
	updated := evt("B", 2, content.EventContentUpdated, `{"data":{"title":"Hello","views":7}}`)

	inOrderStore := openStore(t)
	inOrder := &memorySource{}
	inOrder.append(created, updated)
	runOnce(t, newTestEngine(t, Config{Source: inOrder, Store: inOrderStore}))

	reorderedStore := openStore(t)
	reordered := &memorySource{}
	reordered.append(updated, created)
	engine := newTestEngine(t, Config{Source: reordered, Store: reorderedStore})
	runOnce(t, engine)

	want := getRecord(t, inOrderStore, "B")
	got := getRecord(t, reorderedStore, "B")
	if got.Version != 2 || got.Typed["views"] != json.Number("7") {
		t.Fatalf("unexpected reordered record: %+v", got)
	}
	if !reflect.DeepEqual(got.Data, want.Data) || !reflect.DeepEqual(got.Typed, want.Typed) ||
		got.Status != want.Status || got.Version != want.Version || got.LastSeq != want.LastSeq {
		t.Fatalf("reordered state %+v differs from in-order state %+v", got, want)
	}
	if pos := position(t, reorderedStore); pos != 2 {
		t.Fatalf("position = %d, want 2 once the buffer drained", pos)
	}
	if got := testutil.ToFloat64(engine.metrics.buffered); got != 0 {
		t.Fatalf("buffered gauge = %v, want 0", got)
	}
}

func TestEngineHoldsPositionBeforeParkedEvents(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	source.append(
		evt("C", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`),
		evt("C", 3, content.EventContentUpdated, `{"data":{"title":"Later"}}`),
		evt("D", 1, content.EventContentCreated, `{"data":{"title":"Other"}}`),
	)
	engine := newTestEngine(t, Config{Source: source, Store: store})
	runOnce(t, engine)

	if pos := position(t, store); pos != 1 {
		t.Fatalf("position = %d, want 1 (held before parked event)", pos)
	}
	if got := testutil.ToFloat64(engine.metrics.buffered); got != 1 {
		t.Fatalf("buffered gauge = %v, want 1", got)
	}
	getRecord(t, store, "D")

	source.append(evt("C", 2, content.EventContentUpdated, `{"data":{"title":"Middle"}}`))
	runOnce(t, engine)

	c := getRecord(t, store, "C")
	if c.LastSeq != 3 || c.Data["title"] != "Later" || c.Version != 3 {
		t.Fatalf("unexpected C after gap filled: %+v", c)
	}
	if pos := position(t, store); pos != 4 {
		t.Fatalf("position = %d, want 4", pos)
	}
}

func TestEngineIsolatesStalledGapAndRecovers(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	source.append(
		evt("C", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`),
		evt("C", 3, content.EventContentUpdated, `{"data":{"title":"Later"}}`),
	)
	clk := &clock{now: testTime}
	engine := newTestEngine(t, Config{Source: source, Store: store, Now: clk.Now})
	runOnce(t, engine)

	clk.advance(defaultGapTimeout)
	runOnce(t, engine)

	open, err := store.OpenFailures(context.Background())
	if err != nil {
		t.Fatalf("open failures: %v", err)
	}
	if len(open) != 1 || open[0].Key.ContentID != "C" || open[0].Seq != 3 {
		t.Fatalf("unexpected failures: %+v", open)
	}
	if keys := engine.Isolated(); len(keys) != 1 || keys[0].ContentID != "C" {
		t.Fatalf("isolated = %v", keys)
	}
	if pos := position(t, store); pos != 2 {
		t.Fatalf("position = %d, want 2 after isolation released the hold", pos)
	}

	// The missing event shows up late; the isolated stream ignores it until
	// recovered.
	source.append(evt("C", 2, content.EventContentUpdated, `{"data":{"title":"Middle"}}`))
	runOnce(t, engine)
	if c := getRecord(t, store, "C"); c.LastSeq != 1 {
		t.Fatalf("isolated stream advanced: %+v", c)
	}

	replayed, err := engine.Recover(context.Background(), "blog", "C")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if replayed != 2 {
		t.Fatalf("replayed = %d, want 2", replayed)
	}
	if c := getRecord(t, store, "C"); c.LastSeq != 3 || c.Data["title"] != "Later" {
		t.Fatalf("unexpected C after recover: %+v", c)
	}
	if len(engine.Isolated()) != 0 {
		t.Fatal("expected stream to leave isolation")
	}
	open, _ = store.OpenFailures(context.Background())
	if len(open) != 0 {
		t.Fatalf("failures still open: %+v", open)
	}
}

func TestEngineIsolatesPermanentFailures(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	schemas := newStaticSchemas()
	orphan := evt("X", 1, content.EventContentCreated, `{"data":{"title":"Lost"}}`)
	orphan.SchemaID = "page"
	source.append(
		orphan,
		evt("Y", 1, content.EventContentCreated, `{"data":{"title":"Fine"}}`),
		evt("Z", 1, content.EventContentPublished, ""),
	)
	pageOrphan := evt("X", 2, content.EventContentPublished, "")
	pageOrphan.SchemaID = "page"
	source.append(pageOrphan)

	engine := newTestEngine(t, Config{Source: source, Store: store, Schemas: schemas})
	runOnce(t, engine)

	getRecord(t, store, "Y")
	if pos := position(t, store); pos != 4 {
		t.Fatalf("position = %d, want 4", pos)
	}
	open, err := store.OpenFailures(context.Background())
	if err != nil {
		t.Fatalf("open failures: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("failures = %+v, want X and Z", open)
	}
	if got := testutil.ToFloat64(engine.metrics.skipped.WithLabelValues("isolated")); got != 1 {
		t.Fatalf("isolated skips = %v, want 1", got)
	}

	_, err = engine.Recover(context.Background(), "blog", "Z")
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) || !errors.Is(err, content.ErrInvalidTransition) {
		t.Fatalf("expected apply error for Z, got %v", err)
	}

	schemas.put(schema.Schema{ID: "page", AppID: "blog", Version: 4, Fields: []schema.Field{{Name: "title", Kind: schema.KindString}}})
	replayed, err := engine.Recover(context.Background(), "blog", "X")
	if err != nil {
		t.Fatalf("recover X: %v", err)
	}
	if replayed != 2 {
		t.Fatalf("replayed = %d, want 2", replayed)
	}
	x, err := store.Get(context.Background(), "blog", "page", "X")
	if err != nil {
		t.Fatalf("get X: %v", err)
	}
	if x.Status != content.StatusPublished || x.SchemaVersion != 4 {
		t.Fatalf("unexpected X: %+v", x)
	}
}

func TestEngineIsolatesCorruptRecords(t *testing.T) {
	inner := openStore(t)
	store := &corruptStore{ProjectionStore: inner, contentID: "A"}
	source := &memorySource{}
	source.append(
		evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`),
		evt("B", 1, content.EventContentCreated, `{"data":{"title":"Hey"}}`),
		evt("A", 2, content.EventContentPublished, ""),
	)

	engine := newTestEngine(t, Config{Source: source, Store: store})
	runOnce(t, engine)

	getRecord(t, inner, "B")
	if pos := position(t, inner); pos != 3 {
		t.Fatalf("position = %d, want 3", pos)
	}
	key := content.StreamKey{AppID: "blog", ContentID: "A"}
	if keys := engine.Isolated(); len(keys) != 1 || keys[0] != key {
		t.Fatalf("isolated = %v, want [%s]", keys, key)
	}
	open, err := inner.OpenFailures(context.Background())
	if err != nil {
		t.Fatalf("open failures: %v", err)
	}
	if len(open) != 1 || open[0].Key != key || open[0].Seq != 1 {
		t.Fatalf("failures = %+v", open)
	}

	_, err = engine.Recover(context.Background(), "blog", "A")
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) || !errors.Is(err, storage.ErrCorruptRecord) {
		t.Fatalf("expected corrupt record apply error on recover, got %v", err)
	}
	if keys := engine.Isolated(); len(keys) != 1 {
		t.Fatalf("stream should stay isolated, got %v", keys)
	}
}

func TestEngineRetypesOnSchemaVersionChange(t *testing.T) {
	store := openStore(t)
	schemas := newStaticSchemas()
	source := &memorySource{}
	source.append(evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello","views":7,"summary":"short"}}`))

	engine := newTestEngine(t, Config{Source: source, Store: store, Schemas: schemas})
	runOnce(t, engine)
	if a := getRecord(t, store, "A"); a.SchemaVersion != 1 || a.Typed["summary"] != nil {
		t.Fatalf("unexpected A before schema change: %+v", a)
	}

	schemas.put(schema.Schema{ID: "article", AppID: "blog", Version: 2, Fields: []schema.Field{
		{Name: "title", Kind: schema.KindString},
		{Name: "summary", Kind: schema.KindString},
	}})
	source.append(evt("A", 2, content.EventContentPublished, ""))
	runOnce(t, engine)

	a := getRecord(t, store, "A")
	if a.Status != content.StatusPublished || a.SchemaVersion != 2 {
		t.Fatalf("unexpected A after publish: %+v", a)
	}
	if a.Typed["summary"] != "short" {
		t.Fatalf("typed projection not refreshed: %#v", a.Typed)
	}
	if _, ok := a.Typed["views"]; ok {
		t.Fatalf("removed field still typed: %#v", a.Typed)
	}
}

func TestEngineKeepsTypedProjectionWhenSchemaUnchanged(t *testing.T) {
	store := openStore(t)
	schemas := newStaticSchemas()
	source := &memorySource{}
	source.append(evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`))
	engine := newTestEngine(t, Config{Source: source, Store: store, Schemas: schemas})
	runOnce(t, engine)

	schemas.mu.Lock()
	delete(schemas.schemas, "blog/article")
	schemas.mu.Unlock()
	source.append(evt("A", 2, content.EventContentPublished, ""))
	runOnce(t, engine)

	a := getRecord(t, store, "A")
	if a.Status != content.StatusPublished || a.SchemaVersion != 1 || a.Typed["title"] != "Hello" {
		t.Fatalf("unexpected A: %+v", a)
	}
	if keys := engine.Isolated(); len(keys) != 0 {
		t.Fatalf("lifecycle event without schema isolated %v", keys)
	}
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{ProjectionStore: openStore(t), failures: 2}
	source := &memorySource{}
	source.append(evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`))

	engine := newTestEngine(t, Config{Source: source, Store: store})
	runOnce(t, engine)

	if got := testutil.ToFloat64(engine.metrics.retries); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
	seq, err := store.StreamCheckpoint(context.Background(), content.StreamKey{AppID: "blog", ContentID: "A"})
	if err != nil || seq != 1 {
		t.Fatalf("checkpoint = %d, %v", seq, err)
	}
}

func TestEngineKeepsPositionWhenRetriesExhausted(t *testing.T) {
	inner := openStore(t)
	store := &flakyStore{ProjectionStore: inner, failures: -1}
	source := &memorySource{}
	source.append(evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`))

	engine := newTestEngine(t, Config{Source: source, Store: store, RetryMaxElapsed: 20 * time.Millisecond})
	if _, err := engine.RunOnce(context.Background()); !errors.Is(err, storage.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if pos := position(t, inner); pos != 0 {
		t.Fatalf("position advanced to %d", pos)
	}
	open, err := inner.OpenFailures(context.Background())
	if err != nil || len(open) != 0 {
		t.Fatalf("transient failure recorded as permanent: %+v, %v", open, err)
	}
}

func TestEngineIgnoresRedeliveredEvents(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	created := evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`)
	updated := evt("A", 2, content.EventContentUpdated, `{"data":{"title":"Hi"}}`)
	source.append(created, updated, created, updated)

	engine := newTestEngine(t, Config{Source: source, Store: store})
	runOnce(t, engine)

	a := getRecord(t, store, "A")
	if a.Version != 2 || a.Data["title"] != "Hi" {
		t.Fatalf("redelivery changed state: %+v", a)
	}
	if got := testutil.ToFloat64(engine.metrics.skipped.WithLabelValues("duplicate")); got != 2 {
		t.Fatalf("duplicate skips = %v, want 2", got)
	}
}

func TestEngineRestoresIsolatedStreams(t *testing.T) {
	store := openStore(t)
	key := content.StreamKey{AppID: "blog", ContentID: "A"}
	if err := store.RecordFailure(context.Background(), storage.Failure{Key: key, Seq: 1, Reason: "earlier run"}); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	source := &memorySource{}
	source.append(evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`))

	engine := newTestEngine(t, Config{Source: source, Store: store})
	runOnce(t, engine)

	if _, err := store.Get(context.Background(), "blog", "article", "A"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("isolated stream was applied: %v", err)
	}
	if keys := engine.Isolated(); len(keys) != 1 || keys[0] != key {
		t.Fatalf("isolated = %v", keys)
	}
}

func TestEngineInvalidatesSchemasOnSchemaEvents(t *testing.T) {
	store := openStore(t)
	schemas := newStaticSchemas()
	source := &memorySource{}
	source.append(content.Event{AppID: "blog", SchemaID: "article", Type: content.EventSchemaUpdated, Payload: json.RawMessage(`{"version":2}`)})

	engine := newTestEngine(t, Config{Source: source, Store: store, Schemas: schemas})
	runOnce(t, engine)

	if !reflect.DeepEqual(schemas.invalidated, []string{"blog/article"}) {
		t.Fatalf("invalidated = %v", schemas.invalidated)
	}
	if pos := position(t, store); pos != 1 {
		t.Fatalf("position = %d, want 1", pos)
	}
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	store := openStore(t)
	source := &memorySource{}
	source.append(evt("A", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`))
	engine := newTestEngine(t, Config{Source: source, Store: store, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for position(t, store) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("engine did not project the event")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRecoverRequiresStream(t *testing.T) {
	engine := newTestEngine(t, Config{Source: &memorySource{}, Store: openStore(t)})
	if _, err := engine.Recover(context.Background(), "blog", " "); err == nil {
		t.Fatal("expected error for empty content id")
	}
}

func TestApplyErrorAppError(t *testing.T) {
	err := newApplyError(evt("A", 3, content.EventContentUpdated, ""), content.ErrMalformedPayload)
	appErr := err.AppError()
	if appErr.Metadata["seq"] != "3" || appErr.Metadata["content_id"] != "A" {
		t.Fatalf("unexpected metadata: %+v", appErr.Metadata)
	}
	if !errors.Is(err, content.ErrMalformedPayload) {
		t.Fatal("apply error should unwrap to its cause")
	}
}
