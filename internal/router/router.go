// Package router implements the Integration Router: the per-inbound-message
// pipeline that authorizes, resolves bindings, resurrects workers on
// demand, forwards prompts, and fans worker events back out to chat
// threads with rate limiting.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oc-outpost/orchestrator/internal/chatplatform"
	"github.com/oc-outpost/orchestrator/internal/config"
	"github.com/oc-outpost/orchestrator/internal/errorreport"
	"github.com/oc-outpost/orchestrator/internal/instance"
	"github.com/oc-outpost/orchestrator/internal/stream"
	"github.com/oc-outpost/orchestrator/internal/store"
	"github.com/oc-outpost/orchestrator/internal/wire"
	"github.com/oc-outpost/orchestrator/internal/workerapi"
)

const (
	ratePeriod          = 2 * time.Second
	resurrectionTimeout = 30 * time.Second
	wakingUpNoticeAfter = 3 * time.Second
	maxMessageHalf      = chatplatform.MaxMessageLength / 2
)

// Router is the Integration Router.
type Router struct {
	cfg       *config.Config
	bindings  *store.BindingStore
	instances *instance.Manager
	mux       *stream.Multiplexer
	chat      chatplatform.Client

	whitelist map[int64]bool

	rateLimits *rateLimiterSet

	mu         sync.Mutex
	forwarders map[string]context.CancelFunc // by session id

	// OnBindingClosed is an optional hook invoked just before a binding is
	// deleted via the close callback. The core does not implement any
	// worktree policy itself; the surrounding application wires this to
	// its own cleanup (e.g. removing a git worktree under
	// project_path/.worktrees/).
	OnBindingClosed func(wire.Binding)

	// MarkdownToHTML converts a forwarder's flushed text buffer to the chat
	// platform's rich-text format. The conversion rules themselves are an
	// external collaborator's concern; the core only needs a function to
	// call before splitting and sending. Defaults to passing text through
	// unchanged.
	MarkdownToHTML func(string) string

	// ErrReport is the correlation-tagged error reporter (§4.8). A nil
	// value is safe: reportSystemError no-ops past the local ERROR log.
	ErrReport *errorreport.Reporter
}

// reportSystemError logs and, if a collector is configured, relays a
// system-kind error with its correlation fields. User-triggered kinds are
// skipped: they're already surfaced to the chat user and don't belong in
// the system error channel.
func (r *Router) reportSystemError(kind wire.ErrorKind, err error, fields map[string]interface{}) {
	if kind.IsUserTriggered() {
		return
	}
	r.ErrReport.Report(kind, err, fields)
}

// renderMarkdown applies MarkdownToHTML if the caller supplied one,
// otherwise returns text unchanged.
func (r *Router) renderMarkdown(text string) string {
	if r.MarkdownToHTML == nil {
		return text
	}
	return r.MarkdownToHTML(text)
}

// New creates a Router.
func New(cfg *config.Config, bindings *store.BindingStore, instances *instance.Manager, mux *stream.Multiplexer, chat chatplatform.Client) *Router {
	whitelist := make(map[int64]bool, len(cfg.TelegramChatIDs))
	for _, id := range cfg.TelegramChatIDs {
		whitelist[id] = true
	}
	return &Router{
		cfg:        cfg,
		bindings:   bindings,
		instances:  instances,
		mux:        mux,
		chat:       chat,
		whitelist:  whitelist,
		rateLimits: newRateLimiterSet(),
		forwarders: make(map[string]context.CancelFunc),
	}
}

// HandleInbound implements the handle_inbound pipeline from §4.6.
func (r *Router) HandleInbound(ctx context.Context, msg chatplatform.InboundMessage) error {
	if !r.whitelist[msg.ChatID] {
		return nil
	}

	if msg.CallbackPayload != "" {
		return r.handleCallback(ctx, msg)
	}

	if msg.ThreadID == 0 {
		return wire.New(wire.KindInvalidTopicContext, "messages outside a thread are not handled", nil)
	}

	key := wire.BindingKey{ChatID: msg.ChatID, TopicID: msg.ThreadID}
	binding, ok, err := r.bindings.Get(key)
	if err != nil {
		r.reportSystemError(wire.KindDatabaseError, err, map[string]interface{}{"chat_id": msg.ChatID, "thread_id": msg.ThreadID})
		return wire.New(wire.KindDatabaseError, "lookup binding", err)
	}
	if !ok {
		if msg.IsActionable() {
			return r.presentProjectKeyboard(ctx, msg)
		}
		return nil
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	var photo *chatplatform.PhotoSize
	if len(msg.Photos) > 0 {
		photo = &msg.Photos[len(msg.Photos)-1]
	}
	if text == "" && photo == nil {
		return nil
	}

	if binding.SessionID == "" {
		werr := wire.New(wire.KindSessionNotFound, "", nil)
		_, _ = r.chat.SendMessage(ctx, msg.ChatID, msg.ThreadID, werr.UserMessage(), nil)
		return werr
	}

	handle, err := r.resurrect(ctx, msg.ChatID, msg.ThreadID, binding)
	if err != nil {
		return err
	}
	info := handle.Info()
	if binding.InstanceID != info.ID {
		if err := r.bindings.SetInstanceID(key, info.ID, wire.NowSeconds()); err != nil {
			r.reportSystemError(wire.KindDatabaseError, err, map[string]interface{}{"chat_id": msg.ChatID, "thread_id": msg.ThreadID, "instance_id": info.ID})
			return wire.New(wire.KindDatabaseError, "update binding instance", err)
		}
		binding.InstanceID = info.ID
	}
	r.instances.RecordActivity(info.ID)

	parts, err := r.buildParts(ctx, binding.ProjectPath, text, photo)
	if err != nil {
		r.reportSystemError(wire.KindIOError, err, map[string]interface{}{"chat_id": msg.ChatID, "thread_id": msg.ThreadID, "session_id": binding.SessionID})
		return wire.New(wire.KindIOError, "build message parts", err)
	}

	if text != "" {
		r.mux.MarkFromTelegram(binding.SessionID, text)
	}

	client := workerapi.New(info.Port)
	if err := client.PromptAsync(ctx, binding.SessionID, workerapi.Message{Role: "user", Content: parts}); err != nil {
		r.reportSystemError(wire.KindWorkerAPIError, err, map[string]interface{}{
			"chat_id": msg.ChatID, "thread_id": msg.ThreadID, "session_id": binding.SessionID, "instance_id": info.ID,
		})
		return wire.New(wire.KindWorkerAPIError, "prompt_async", err)
	}

	r.ensureForwarder(binding)

	return nil
}

// resurrect wraps Instance Manager.GetOrCreate with the UX policy from
// §4.4: a "waking up" notice after 3s if the call is still pending, and an
// overall 30s deadline.
func (r *Router) resurrect(ctx context.Context, chatID, threadID int64, binding wire.Binding) (*instance.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, resurrectionTimeout)
	defer cancel()

	type result struct {
		h   *instance.Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := r.instances.GetOrCreate(ctx, binding.ProjectPath)
		done <- result{h, err}
	}()

	var noticeMsgID int64
	noticeSent := false
	timer := time.NewTimer(wakingUpNoticeAfter)
	defer timer.Stop()

	for {
		select {
		case res := <-done:
			if noticeSent {
				_ = r.chat.DeleteMessage(ctx, chatID, threadID, noticeMsgID)
			}
			if res.err != nil {
				werr := mapInstanceError(res.err)
				r.reportSystemError(werr.Kind, res.err, map[string]interface{}{
					"chat_id": chatID, "thread_id": threadID, "project_path": binding.ProjectPath,
				})
				_, _ = r.chat.SendMessage(ctx, chatID, threadID, werr.UserMessage(), nil)
				return nil, werr
			}
			return res.h, nil
		case <-timer.C:
			if !noticeSent {
				id, err := r.chat.SendMessage(ctx, chatID, threadID, "Waking up the worker…", nil)
				if err == nil {
					noticeMsgID = id
					noticeSent = true
				}
			}
		case <-ctx.Done():
			if noticeSent {
				_ = r.chat.DeleteMessage(ctx, chatID, threadID, noticeMsgID)
			}
			werr := wire.New(wire.KindInstanceStartFailed, "resurrection timed out", ctx.Err())
			r.reportSystemError(werr.Kind, ctx.Err(), map[string]interface{}{
				"chat_id": chatID, "thread_id": threadID, "project_path": binding.ProjectPath,
			})
			_, _ = r.chat.SendMessage(ctx, chatID, threadID, werr.UserMessage(), nil)
			return nil, werr
		}
	}
}

func mapInstanceError(err error) *wire.Error {
	if err == instance.ErrMaxInstancesReached {
		return wire.New(wire.KindMaxInstancesReached, "", err)
	}
	return wire.New(wire.KindInstanceStartFailed, "get_or_create", err)
}

// buildParts composes the worker prompt parts: a text part and, if a photo
// was attached, a file part pointing at the worker's container-internal
// mount path.
func (r *Router) buildParts(ctx context.Context, projectPath, text string, photo *chatplatform.PhotoSize) ([]workerapi.MessagePart, error) {
	var parts []workerapi.MessagePart
	if text != "" {
		parts = append(parts, workerapi.MessagePart{Type: "text", Text: text})
	}
	if photo != nil {
		data, err := r.chat.DownloadFile(ctx, photo.FileID)
		if err != nil {
			return nil, fmt.Errorf("download photo: %w", err)
		}
		imagesDir := filepath.Join(projectPath, ".opencode-images")
		if err := os.MkdirAll(imagesDir, 0o755); err != nil {
			return nil, fmt.Errorf("create images dir: %w", err)
		}
		name := uuid.NewString() + ".jpg"
		hostPath := filepath.Join(imagesDir, name)
		if err := os.WriteFile(hostPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write photo: %w", err)
		}
		containerPath := "/workspace/.opencode-images/" + name
		parts = append(parts, workerapi.MessagePart{Type: "file", MIME: "image/jpeg", URL: "file://" + containerPath, Filename: name})
	}
	return parts, nil
}

// ensureForwarder spawns a forwarder task for this binding's session if one
// isn't already running.
func (r *Router) ensureForwarder(binding wire.Binding) {
	r.mu.Lock()
	if _, exists := r.forwarders[binding.SessionID]; exists {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.forwarders[binding.SessionID] = cancel
	r.mu.Unlock()

	events, err := r.mux.Subscribe(ctx, binding.SessionID)
	if err != nil {
		slog.Error("router: failed to subscribe forwarder", "session", binding.SessionID, "error", err)
		r.mu.Lock()
		delete(r.forwarders, binding.SessionID)
		r.mu.Unlock()
		cancel()
		return
	}

	fw := &forwarder{
		router:  r,
		binding: binding,
		events:  events,
	}
	go fw.run(ctx)
}

func (r *Router) stopForwarder(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.forwarders[sessionID]
	if ok {
		delete(r.forwarders, sessionID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}
