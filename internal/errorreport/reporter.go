// Package errorreport batches system-level errors (§7: never echoed to the
// chat user, always logged at ERROR with correlation fields) and optionally
// relays them to an external structured-log collector over HTTP. All
// methods are nil-safe: on a nil *Reporter, Report only logs locally and the
// other methods do nothing, so callers that never configure an endpoint can
// hold one unconditionally.
package errorreport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

// Entry is a single system error queued for the collector.
type Entry struct {
	Kind      wire.ErrorKind         `json:"kind"`
	Message   string                 `json:"message"`
	Timestamp string                 `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config tunes the batching reporter.
type Config struct {
	FlushInterval time.Duration // default 30s
	MaxBatchSize  int           // immediate-flush threshold, default 10
	MaxQueueSize  int           // entries reported while the queue is this full are dropped, default 100
	HTTPTimeout   time.Duration // default 10s
}

// Reporter batches Entry values and POSTs them to an external collector.
// A nil *Reporter is always safe to call: New returns nil when endpoint is
// empty, so an unconfigured collector is a pure no-op, not a special case
// callers must branch on.
type Reporter struct {
	endpoint  string
	authToken string
	config    Config
	client    *http.Client

	mu    sync.Mutex
	queue []Entry
	stopC chan struct{}
	doneC chan struct{}
}

// New creates a Reporter that POSTs batches to endpoint. If endpoint is
// empty, New returns nil: the log-service collector is an out-of-scope
// external collaborator, and its absence must not affect local logging.
func New(endpoint, authToken string, cfg Config) *Reporter {
	if endpoint == "" {
		return nil
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Reporter{
		endpoint:  strings.TrimRight(endpoint, "/"),
		authToken: authToken,
		config:    cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		queue:     make([]Entry, 0, cfg.MaxBatchSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	go r.flushLoop()
}

// Shutdown flushes any remaining entries and stops the background goroutine.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	close(r.stopC)
	<-r.doneC
}

// Report logs a system error locally at ERROR with its correlation fields
// (§7 requires chat_id/thread_id/sender_id/instance_id/session_id where
// applicable) and queues it for the external collector, if one is
// configured. User-triggered kinds should not be passed here — they belong
// in the chat reply, not the error-reporting channel; Report does not
// re-check wire.ErrorKind.IsUserTriggered, the caller decides.
func (r *Reporter) Report(kind wire.ErrorKind, err error, fields map[string]interface{}) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "kind", kind)
	for k, v := range fields {
		args = append(args, k, v)
	}
	slog.Error(msg, args...)

	if r == nil {
		return
	}

	entry := Entry{
		Kind:      kind,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Fields:    fields,
	}

	r.mu.Lock()
	if len(r.queue) >= r.config.MaxQueueSize {
		r.mu.Unlock()
		slog.Warn("errorreport: queue full, dropping error", "maxQueueSize", r.config.MaxQueueSize, "message", msg)
		return
	}
	r.queue = append(r.queue, entry)
	shouldFlush := len(r.queue) >= r.config.MaxBatchSize
	r.mu.Unlock()

	if shouldFlush {
		go r.flush()
	}
}

func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = make([]Entry, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	r.send(batch)
}

func (r *Reporter) send(entries []Entry) {
	payload := map[string]interface{}{"errors": entries}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("errorreport: failed to marshal entries", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Error("errorreport: failed to create request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("errorreport: failed to send entries", "count", len(entries), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("errorreport: collector returned non-OK status", "statusCode", resp.StatusCode, "count", len(entries))
	}
}
