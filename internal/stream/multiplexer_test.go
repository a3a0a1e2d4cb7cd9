package stream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

// newSSEServer starts an httptest server that writes sseBody verbatim as an
// event-stream response, then blocks until the request context is cancelled
// (mirroring a worker holding the connection open after its events are done).
func newSSEServer(t *testing.T, sseBody string) (*httptest.Server, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseBody)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return srv, port
}

func TestSubscribeDeliversTextChunkEvent(t *testing.T) {
	t.Parallel()
	sse := "event: message.part.updated\n" +
		`data: {"type":"text","text":"hello"}` + "\n\n"
	_, port := newSSEServer(t, sse)

	resolve := func(sessionID string) (int, bool) { return port, true }
	mux := New(resolve)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := mux.Subscribe(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// First event: Reconnected (the initial successful connection signal).
	select {
	case ev := <-ch:
		if ev.Type != wire.EventReconnected {
			t.Fatalf("expected EventReconnected first, got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnected event")
	}

	// The batch is flushed by the 100ms housekeeping tick once 2s have
	// passed since the last append, so allow well over 2s for the chunk.
	deadline := time.After(4 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == wire.EventTextChunk && ev.Text == "hello" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for text chunk event")
		}
	}
}

func TestMarkFromTelegramBeforeSubscribeStillSuppressesEcho(t *testing.T) {
	t.Parallel()
	sse := "event: message.part.updated\n" +
		`data: {"type":"text","text":"hello"}` + "\n\n"
	_, port := newSSEServer(t, sse)

	resolve := func(sessionID string) (int, bool) { return port, true }
	mux := New(resolve)

	// Mark before the forwarder ever subscribes, as HandleInbound does on a
	// session's very first inbound message (mux.MarkFromTelegram happens
	// before ensureForwarder's Subscribe call).
	mux.MarkFromTelegram("sess-1", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := mux.Subscribe(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == wire.EventTextChunk {
				t.Fatalf("expected echoed text to be suppressed by the pre-subscribe mark, got chunk %q", ev.Text)
			}
		case <-deadline:
			return
		}
	}
}

func TestSubscribeReturnsSameChannelForSameSession(t *testing.T) {
	t.Parallel()
	_, port := newSSEServer(t, "")
	resolve := func(sessionID string) (int, bool) { return port, true }
	mux := New(resolve)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := mux.Subscribe(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// The test server holds the stream open, so the first subscription is
	// still active when the same session id is subscribed again.
	ch2, err := mux.Subscribe(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Subscribe (second): %v", err)
	}
	if ch1 != ch2 {
		t.Fatal("expected Subscribe to return the same channel for an already-subscribed session")
	}
}

func TestSubscribeUnresolvedSessionEmitsSessionError(t *testing.T) {
	t.Parallel()
	resolve := func(sessionID string) (int, bool) { return 0, false }
	mux := New(resolve)

	ch, err := mux.Subscribe(context.Background(), "sess-missing")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("expected a SessionError event, got a closed channel with no event")
		}
		if ev.Type != wire.EventSessionError {
			t.Fatalf("expected EventSessionError, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session error")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	_, port := newSSEServer(t, "")
	resolve := func(sessionID string) (int, bool) { return port, true }
	mux := New(resolve)

	ctx := context.Background()
	ch, err := mux.Subscribe(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Read the Reconnected event; the test server then holds the stream
	// open, so only Unsubscribe's cancel can end the task and close ch.
	<-ch

	mux.Unsubscribe("sess-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after Unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
