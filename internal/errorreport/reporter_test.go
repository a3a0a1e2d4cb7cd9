package errorreport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

func TestNewWithEmptyEndpointIsNilAndSafe(t *testing.T) {
	t.Parallel()
	r := New("", "", Config{})
	if r != nil {
		t.Fatal("expected New to return nil for an empty endpoint")
	}
	// Every method must be safe to call on a nil *Reporter.
	r.Report(wire.KindDatabaseError, nil, nil)
	r.Start()
	r.Shutdown()
}

func TestReportFlushesBatchAtMaxBatchSize(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var gotBatches [][]Entry
	received := make(chan struct{}, 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Errors []Entry `json:"errors"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		mu.Lock()
		gotBatches = append(gotBatches, body.Errors)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		received <- struct{}{}
	}))
	defer srv.Close()

	r := New(srv.URL+"/errors", "tok", Config{MaxBatchSize: 2, FlushInterval: time.Hour})
	if r == nil {
		t.Fatal("expected a non-nil Reporter for a configured endpoint")
	}

	r.Report(wire.KindDatabaseError, errTest("db down"), map[string]interface{}{"instance_id": "i1"})
	r.Report(wire.KindWorkerAPIError, errTest("worker unreachable"), map[string]interface{}{"session_id": "s1"})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the batch to flush at MaxBatchSize")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotBatches) != 1 || len(gotBatches[0]) != 2 {
		t.Fatalf("expected one batch of 2 entries, got %+v", gotBatches)
	}
	if gotBatches[0][0].Kind != wire.KindDatabaseError || gotBatches[0][0].Fields["instance_id"] != "i1" {
		t.Fatalf("unexpected first entry: %+v", gotBatches[0][0])
	}
}

func TestShutdownFlushesRemainingEntries(t *testing.T) {
	t.Parallel()
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		received <- struct{}{}
	}))
	defer srv.Close()

	r := New(srv.URL, "", Config{MaxBatchSize: 10, FlushInterval: time.Hour})
	r.Start()
	r.Report(wire.KindIOError, errTest("disk full"), nil)
	r.Shutdown()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Shutdown to flush the queued entry")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
