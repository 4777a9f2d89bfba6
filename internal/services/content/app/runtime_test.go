package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	platformgrpc "github.com/louisbranch/cmsread/internal/platform/grpc"
	"github.com/louisbranch/cmsread/internal/services/content/domain/content"
)

const articleYAML = `
apps:
  - id: blog
    languages: [en]
    schemas:
      - id: article
        version: 1
        fields:
          - {name: title, kind: string}
          - {name: views, kind: number}
`

func openTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	schemaFile := filepath.Join(dir, "schemas.yaml")
	if err := os.WriteFile(schemaFile, []byte(articleYAML), 0o600); err != nil {
		t.Fatalf("write schema file: %v", err)
	}
	rt, err := Open(context.Background(), RuntimeConfig{
		DBPath:       filepath.Join(dir, "db", "content.db"),
		EventLogPath: filepath.Join(dir, "events"),
		SchemaFile:   schemaFile,
		PollInterval: 10 * time.Millisecond,
		RetryInitial: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Fatalf("close runtime: %v", err)
		}
	})
	return rt
}

func appendEvents(t *testing.T, rt *Runtime, events ...content.Event) {
	t.Helper()
	if _, err := rt.Log.Append(context.Background(), events...); err != nil {
		t.Fatalf("append events: %v", err)
	}
}

func articleEvent(id string, seq uint64, typ content.EventType, payload string) content.Event {
	evt := content.Event{AppID: "blog", SchemaID: "article", ContentID: id, Seq: seq, Type: typ}
	if payload != "" {
		evt.Payload = json.RawMessage(payload)
	}
	return evt
}

func TestOpenRequiresSchemaFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), RuntimeConfig{
		DBPath:       filepath.Join(dir, "content.db"),
		EventLogPath: filepath.Join(dir, "events"),
		Logger:       zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error without schema file")
	}
	_, err = Open(context.Background(), RuntimeConfig{
		DBPath:       filepath.Join(dir, "content.db"),
		EventLogPath: filepath.Join(dir, "events"),
		SchemaFile:   filepath.Join(dir, "missing.yaml"),
		Logger:       zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error for missing schema file")
	}
}

func TestRuntimeProjectsLogIntoQueries(t *testing.T) {
	rt := openTestRuntime(t)
	appendEvents(t, rt,
		articleEvent("a", 1, content.EventContentCreated, `{"data":{"title":"Hello","views":5},"publish":true}`),
		articleEvent("b", 1, content.EventContentCreated, `{"data":{"title":"Draft","views":1}}`),
		articleEvent("c", 1, content.EventContentCreated, `{"data":{"title":"Other","views":9},"publish":true}`),
	)
	if _, err := rt.Engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	w := serve(t, rt.Admin, http.MethodGet, "/apps/blog/schemas/article/contents?q=views+gt+3")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var body queryResponse
	decodeBody(t, w, &body)
	if len(body.Records) != 2 {
		t.Fatalf("expected 2 published records, got %+v", body.Records)
	}

	w = serve(t, rt.Admin, http.MethodGet, "/apps/blog/schemas/article/contents/count?unpublished=true")
	if !strings.Contains(w.Body.String(), `"count":3`) {
		t.Fatalf("unexpected count: %s", w.Body.String())
	}

	w = serve(t, rt.Admin, http.MethodGet, "/apps/blog/schemas/article/contents?q=nope+eq+1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", w.Code)
	}

	if w := serve(t, rt.Admin, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	w = serve(t, rt.Admin, http.MethodGet, "/metrics")
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("expected go collector metrics")
	}
}

func TestRuntimeRecoversIsolatedStream(t *testing.T) {
	rt := openTestRuntime(t)
	appendEvents(t, rt,
		articleEvent("a", 1, content.EventContentCreated, `{"data":{"title":"Hello"}}`),
		articleEvent("a", 2, content.EventContentUpdated, `{"data":"oops"}`),
	)
	if _, err := rt.Engine.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	w := serve(t, rt.Admin, http.MethodGet, `/failures?filter=content_id+%3D+%22a%22`)
	var failures struct {
		Failures []failureResponse `json:"failures"`
	}
	decodeBody(t, w, &failures)
	if len(failures.Failures) != 1 || failures.Failures[0].Seq != 2 {
		t.Fatalf("unexpected failures: %s", w.Body.String())
	}
	if isolated := rt.Engine.Isolated(); len(isolated) != 1 {
		t.Fatalf("isolated = %v", isolated)
	}

	// Recovery replays the same malformed event, so it fails again.
	if w := serve(t, rt.Admin, http.MethodPost, "/streams/blog/a/recover"); w.Code != http.StatusConflict {
		t.Fatalf("expected recovery of a malformed stream to conflict, got %d %s", w.Code, w.Body.String())
	}
	if w := serve(t, rt.Admin, http.MethodGet, "/failures?filter=bogus+%3D+1"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status = %d", w.Code)
	}
}

func TestRuntimeServesHealthUntilCanceled(t *testing.T) {
	rt := openTestRuntime(t)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen grpc: %v", err)
	}
	adminLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen admin: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Serve(ctx, grpcLis, adminLis)
	}()

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer probeCancel()
	if err := platformgrpc.Probe(probeCtx, grpcLis.Addr().String(), HealthService, zerolog.Nop()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	appendEvents(t, rt, articleEvent("a", 1, content.EventContentCreated, `{"data":{"title":"Live"},"publish":true}`))
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get("http://" + adminLis.Addr().String() + "/apps/blog/schemas/article/contents/count")
		if err != nil {
			t.Fatalf("admin request: %v", err)
		}
		var body struct {
			Count int64 `json:"count"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode count: %v", err)
		}
		if body.Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine loop never projected the appended event")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
