// Package stream implements the Stream Multiplexer: one subscription per
// worker session, parsing server-sent events, batching text, deduplicating
// echoed input, and reconnecting with exponential backoff. The reconnect
// loop is grounded on the teacher's journalctl-follow retry loop.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oc-outpost/orchestrator/internal/backoff"
	"github.com/oc-outpost/orchestrator/internal/workerapi"
	"github.com/oc-outpost/orchestrator/internal/wire"
)

const (
	dedupExpiry       = 30 * time.Second
	batchFlushAfter   = 2 * time.Second
	housekeepingTick  = 100 * time.Millisecond
	subscriberBufSize = 100
)

// PortResolver maps a session id to the port of the worker currently
// serving it. The Router owns this mapping via the Instance Manager; the
// Multiplexer only needs to resolve it once per (re)connect attempt.
type PortResolver func(sessionID string) (port int, ok bool)

type subscription struct {
	cancel context.CancelFunc
	ch     chan wire.StreamEvent
}

// Multiplexer manages one subscription per session.
type Multiplexer struct {
	mu          sync.Mutex
	subs        map[string]*subscription
	dedup       map[string]*dedupSet // by session id, independent of subscription lifetime
	resolvePort PortResolver
}

// New creates a Multiplexer. resolvePort is called at connect time (and on
// every reconnect) to find the current port for a session, so a
// resurrected instance on a new port is picked up transparently.
func New(resolvePort PortResolver) *Multiplexer {
	return &Multiplexer{
		subs:        make(map[string]*subscription),
		dedup:       make(map[string]*dedupSet),
		resolvePort: resolvePort,
	}
}

// dedupFor returns the session's dedup set, creating it if this is the
// first mark or subscribe for that session. Held independent of the
// subscription so a MarkFromTelegram that arrives before the session's
// first Subscribe (as it does for a brand-new binding) isn't dropped.
func (m *Multiplexer) dedupFor(sessionID string) *dedupSet {
	d, ok := m.dedup[sessionID]
	if !ok {
		d = newDedupSet(dedupExpiry)
		m.dedup[sessionID] = d
	}
	return d
}

// Subscribe opens a long-lived event-stream connection to the worker
// serving sessionID and returns a bounded channel of StreamEvents. Calling
// Subscribe again for an already-subscribed session returns the existing
// channel.
func (m *Multiplexer) Subscribe(ctx context.Context, sessionID string) (<-chan wire.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[sessionID]; ok {
		return sub.ch, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel: cancel,
		ch:     make(chan wire.StreamEvent, subscriberBufSize),
	}
	m.subs[sessionID] = sub
	dedup := m.dedupFor(sessionID)

	go m.runLoop(taskCtx, sessionID, sub, dedup)

	return sub.ch, nil
}

// Unsubscribe signals the session's task to close its connection and
// terminate, and removes it from the active-subscriptions map. The
// session's dedup set outlives the subscription, in case a fresh
// subscription for the same session is created again shortly after.
func (m *Multiplexer) Unsubscribe(sessionID string) {
	m.mu.Lock()
	sub, ok := m.subs[sessionID]
	if ok {
		delete(m.subs, sessionID)
	}
	m.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// MarkFromTelegram records outbound text so an echoed occurrence received
// from the worker within the dedup window is suppressed. Safe to call
// before the session's forwarder has subscribed: the dedup set is created
// on first use and picked up by Subscribe once it runs.
func (m *Multiplexer) MarkFromTelegram(sessionID, text string) {
	m.mu.Lock()
	dedup := m.dedupFor(sessionID)
	m.mu.Unlock()
	dedup.Mark(text)
}

func (m *Multiplexer) removeSub(sessionID string) {
	m.mu.Lock()
	delete(m.subs, sessionID)
	m.mu.Unlock()
}

// runLoop is the per-session task: connect, stream, reconnect with backoff
// on transport error, give up and emit SessionError after the attempt cap.
func (m *Multiplexer) runLoop(ctx context.Context, sessionID string, sub *subscription, dedup *dedupSet) {
	defer close(sub.ch)
	defer m.removeSub(sessionID)

	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		port, ok := m.resolvePort(sessionID)
		if !ok {
			sub.ch <- wire.StreamEvent{Type: wire.EventSessionError, Err: "no live instance for session"}
			return
		}

		err := m.runConnection(ctx, sessionID, port, sub, dedup)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Clean server-side close; treat like a transport error for
			// reconnect purposes, resetting the attempt counter since this
			// was a successful connection that ended gracefully.
			attempt = 0
			continue
		}

		attempt++
		slog.Warn("stream: connection error, will retry", "session", sessionID, "attempt", attempt, "error", err)

		if backoff.Default.Exhausted(attempt) {
			sub.ch <- wire.StreamEvent{Type: wire.EventSessionError, Err: "Connection lost after 5 attempts"}
			return
		}

		if sleepErr := backoff.Default.Sleep(ctx, attempt); sleepErr != nil {
			return
		}
	}
}

type textBatch struct {
	buf        strings.Builder
	lastUpdate time.Time
}

func (b *textBatch) append(s string) {
	b.buf.WriteString(s)
	b.lastUpdate = time.Now()
}

func (b *textBatch) flush(sub *subscription) {
	if b.buf.Len() == 0 {
		return
	}
	sub.ch <- wire.StreamEvent{Type: wire.EventTextChunk, Text: b.buf.String()}
	b.buf.Reset()
}

func (b *textBatch) dueForFlush() bool {
	return b.buf.Len() > 0 && time.Since(b.lastUpdate) >= batchFlushAfter
}

// runConnection runs a single SSE connection attempt to completion (either
// a clean EOF, a transport error, or context cancellation).
func (m *Multiplexer) runConnection(ctx context.Context, sessionID string, port int, sub *subscription, dedup *dedupSet) error {
	client := workerapi.New(port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.StreamURL(sessionID), nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.HTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}

	sub.ch <- wire.StreamEvent{Type: wire.EventReconnected}

	batch := &textBatch{lastUpdate: time.Now()}
	housekeeping := time.NewTicker(housekeepingTick)
	defer housekeeping.Stop()

	lines := make(chan string, 16)
	scanErrCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErrCh <- scanner.Err()
		close(lines)
	}()

	var eventName string
	var dataLines []string

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-housekeeping.C:
			if batch.dueForFlush() {
				batch.flush(sub)
			}
		case line, ok := <-lines:
			if !ok {
				batch.flush(sub)
				if err := <-scanErrCh; err != nil {
					return fmt.Errorf("read stream: %w", err)
				}
				return nil
			}
			switch {
			case line == "":
				if eventName != "" && len(dataLines) > 0 {
					m.dispatch(sub, dedup, eventName, strings.Join(dataLines, "\n"), batch)
				}
				eventName = ""
				dataLines = nil
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
	}
}

type textPartEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m *Multiplexer) dispatch(sub *subscription, dedup *dedupSet, eventName, data string, batch *textBatch) {
	switch eventName {
	case "message.part.updated":
		var part textPartEvent
		if err := json.Unmarshal([]byte(data), &part); err != nil {
			slog.Debug("stream: unparseable message.part.updated", "error", err)
			return
		}
		switch part.Type {
		case "text":
			if dedup.Seen(part.Text) {
				return
			}
			batch.append(part.Text)
		case "tool_use":
			batch.flush(sub)
			var payload struct {
				Name string `json:"name"`
				Args any    `json:"args"`
			}
			_ = json.Unmarshal([]byte(data), &payload)
			sub.ch <- wire.StreamEvent{Type: wire.EventToolInvocation, ToolName: payload.Name, ToolArgs: payload.Args}
		case "tool_result":
			batch.flush(sub)
			var payload struct {
				Result any `json:"result"`
			}
			_ = json.Unmarshal([]byte(data), &payload)
			sub.ch <- wire.StreamEvent{Type: wire.EventToolResult, ToolResult: payload.Result}
		default:
			slog.Debug("stream: unknown message.part.updated type", "type", part.Type)
		}

	case "message.updated":
		batch.flush(sub)
		var msg any
		_ = json.Unmarshal([]byte(data), &msg)
		sub.ch <- wire.StreamEvent{Type: wire.EventMessageComplete, Message: msg}

	case "session.idle":
		batch.flush(sub)
		sub.ch <- wire.StreamEvent{Type: wire.EventSessionIdle}

	case "session.error":
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(data), &payload)
		sub.ch <- wire.StreamEvent{Type: wire.EventSessionError, Err: payload.Error}

	case "permission.updated":
		var payload struct {
			ID      string `json:"id"`
			Kind    string `json:"kind"`
			Details any    `json:"details"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			slog.Debug("stream: unparseable permission.updated", "error", err)
			return
		}
		sub.ch <- wire.StreamEvent{Type: wire.EventPermissionReq, PermissionID: payload.ID, PermissionKind: payload.Kind, PermissionDetails: payload.Details}

	case "permission.replied":
		var payload struct {
			ID      string `json:"id"`
			Allowed bool   `json:"allowed"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			slog.Debug("stream: unparseable permission.replied", "error", err)
			return
		}
		sub.ch <- wire.StreamEvent{Type: wire.EventPermissionReply, PermissionID: payload.ID, PermissionAllowed: payload.Allowed}

	default:
		slog.Debug("stream: unknown event type", "event", eventName)
	}
}
