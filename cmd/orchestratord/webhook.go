package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oc-outpost/orchestrator/internal/chatplatform"
	"github.com/oc-outpost/orchestrator/internal/router"
)

// inboundWebhook exposes a generic JSON bridge for chat.InboundMessage,
// standing in for the out-of-scope bot process's own update parser/webhook.
// It decodes the wire shape the bot would otherwise translate a platform
// update into and hands it to the router unchanged.
type inboundWebhook struct {
	router *router.Router
	srv    *http.Server
}

func newInboundWebhook(addr string, rt *router.Router) *inboundWebhook {
	w := &inboundWebhook{router: rt}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/inbound", w.handle)
	w.srv = &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}
	return w
}

func (w *inboundWebhook) Start() error { return w.srv.ListenAndServe() }
func (w *inboundWebhook) Close() error { return w.srv.Close() }

func (w *inboundWebhook) handle(rw http.ResponseWriter, r *http.Request) {
	var msg chatplatform.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(rw, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := w.router.HandleInbound(r.Context(), msg); err != nil {
		slog.Warn("handle_inbound failed", "error", err)
	}
	rw.WriteHeader(http.StatusAccepted)
}
