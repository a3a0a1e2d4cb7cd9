package registrationapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/oc-outpost/orchestrator/internal/config"
	"github.com/oc-outpost/orchestrator/internal/containerengine"
	"github.com/oc-outpost/orchestrator/internal/instance"
	"github.com/oc-outpost/orchestrator/internal/portpool"
	"github.com/oc-outpost/orchestrator/internal/store"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *instance.Manager) {
	t.Helper()
	dir := t.TempDir()

	instances, err := store.OpenInstanceStore(filepath.Join(dir, "instances.db"))
	if err != nil {
		t.Fatalf("OpenInstanceStore: %v", err)
	}
	t.Cleanup(func() { instances.Close() })

	bindings, err := store.OpenBindingStore(filepath.Join(dir, "bindings.db"))
	if err != nil {
		t.Fatalf("OpenBindingStore: %v", err)
	}
	t.Cleanup(func() { bindings.Close() })

	pool := portpool.New(32000, 10)
	driver := containerengine.NewMockDriver()
	cfg := &config.Config{OpencodePortPoolSize: 10}
	mgr := instance.New(cfg, instance.Stores{Instances: instances, Bindings: bindings}, pool, driver)

	srv, err := New(":0", mgr, apiKey, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, mgr
}

func doJSON(t *testing.T, srv *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	srv.setupRoutes(mux)

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthRequiresNoAuth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "secret")
	rec := doJSON(t, srv, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health with no auth, got %d", rec.Code)
	}
}

func TestHandleRegisterRequiresAuth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "secret")
	rec := doJSON(t, srv, http.MethodPost, "/api/register", "", map[string]any{"projectPath": "/a", "port": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestHandleRegisterAndListInstances(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "secret")

	rec := doJSON(t, srv, http.MethodPost, "/api/register", "secret", map[string]any{"projectPath": "/a", "port": 4100})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/instances", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 registered instance, got %d", len(list))
	}
}

func TestHandleRegisterRejectsMissingFields(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "secret")
	rec := doJSON(t, srv, http.MethodPost, "/api/register", "secret", map[string]any{"projectPath": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rec.Code)
	}
}

func TestHandleUnregisterUnknownReturns404(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "secret")
	rec := doJSON(t, srv, http.MethodPost, "/api/unregister", "secret", map[string]any{"projectPath": "/never"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleStatusNormalizesPath(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "")
	doJSON(t, srv, http.MethodPost, "/api/register", "", map[string]any{"projectPath": "/srv/app", "port": 4200})

	// The tail after /api/status/ ("srv/app") lacks a leading slash and must
	// resolve to the registered "/srv/app".
	rec := doJSON(t, srv, http.MethodGet, "/api/status/srv/app", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for normalized path, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatusMissingInstanceReturns404(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "")
	rec := doJSON(t, srv, http.MethodGet, "/api/status/nowhere", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
