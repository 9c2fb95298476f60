package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/errcode"
	"github.com/antigravity-dev/dustengine/internal/runner"
	"github.com/antigravity-dev/dustengine/internal/store"
	"github.com/antigravity-dev/dustengine/internal/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := memstore.New()
	mgr := config.NewManager(&config.Config{API: config.API{Bind: "127.0.0.1:0"}})
	return NewServer(mgr, st, testLogger()), st
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["healthy"] != true {
		t.Fatal("expected healthy=true")
	}
	if _, ok := resp["uptime_s"]; !ok {
		t.Fatal("missing uptime_s")
	}
}

func TestHandleListRuns(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	proj, err := st.CreateProject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateRunEmpty(ctx, proj.ID, store.RunTypeLocal, "apphash", json.RawMessage("{}")); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/runs", nil)
	w := httptest.NewRecorder()
	srv.routeProjects(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var runs []store.Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestHandleRunDetailAndStatus(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	proj, err := st.CreateProject(ctx)
	if err != nil {
		t.Fatal(err)
	}
	run, err := st.CreateRunEmpty(ctx, proj.ID, store.RunTypeLocal, "apphash", json.RawMessage("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AppendRunBlock(ctx, proj.ID, run.RunID, runner.BlockTrace{
		BlockIdx: 0, BlockType: "code", Name: "CODE1",
		Cells: []runner.Cell{{InputIdx: 0, MapIdx: 0, Value: json.RawMessage(`{"res":"ok"}`)}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateRunStatus(ctx, proj.ID, run.RunID, store.RunStatusSucceeded, ""); err != nil {
		t.Fatal(err)
	}

	// Detail
	req := httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/runs/"+run.RunID, nil)
	w := httptest.NewRecorder()
	srv.routeProjects(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if _, ok := detail["blocks"]; !ok {
		t.Fatal("missing blocks in run detail")
	}

	// Status only
	req = httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/runs/"+run.RunID+"/status", nil)
	w = httptest.NewRecorder()
	srv.routeProjects(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status store.Run
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != store.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", status.Status)
	}

	// Missing run
	req = httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/runs/does-not-exist", nil)
	w = httptest.NewRecorder()
	srv.routeProjects(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var engineErr errcode.Error
	if err := json.NewDecoder(w.Body).Decode(&engineErr); err != nil {
		t.Fatal(err)
	}
	if engineErr.Code != errcode.RunNotFound {
		t.Fatalf("expected code %q, got %q", errcode.RunNotFound, engineErr.Code)
	}
}

func TestRouteProjectsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/projects/", "/projects/p1", "/projects/p1/datasets"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.routeProjects(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("path %q: expected 404, got %d", path, w.Code)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestRequireAuthIntegration(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.mgr.Set(&config.Config{API: config.API{Bind: "127.0.0.1:0", APIKey: "topsecret"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.requireAuth(srv.handleHealth)(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	w = httptest.NewRecorder()
	srv.requireAuth(srv.handleHealth)(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}

	// a config reload rotates the key for requests already wrapped
	srv.mgr.Set(&config.Config{API: config.API{Bind: "127.0.0.1:0", APIKey: "rotated"}})

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	w = httptest.NewRecorder()
	srv.requireAuth(srv.handleHealth)(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with the stale key after rotation, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer rotated")
	w = httptest.NewRecorder()
	srv.requireAuth(srv.handleHealth)(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with the rotated key, got %d", w.Code)
	}
}
