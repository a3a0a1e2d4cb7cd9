package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oc-outpost/orchestrator/internal/chatplatform"
	"github.com/oc-outpost/orchestrator/internal/instance"
	"github.com/oc-outpost/orchestrator/internal/wire"
	"github.com/oc-outpost/orchestrator/internal/workerapi"
)

// presentProjectKeyboard lists directories under ProjectBasePath as inline
// buttons carrying a proj:<thread_id>:<name> callback payload, skipping any
// entry whose full payload would overflow the platform's 64-byte cap rather
// than silently truncating it.
func (r *Router) presentProjectKeyboard(ctx context.Context, msg chatplatform.InboundMessage) error {
	entries, err := os.ReadDir(r.cfg.ProjectBasePath)
	if err != nil {
		r.reportSystemError(wire.KindIOError, err, map[string]interface{}{"chat_id": msg.ChatID, "thread_id": msg.ThreadID})
		return wire.New(wire.KindIOError, "list project directories", err)
	}

	kb := &chatplatform.Keyboard{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		payload := fmt.Sprintf("proj:%d:%s", msg.ThreadID, e.Name())
		if len(payload) > 64 {
			continue
		}
		kb.Buttons = append(kb.Buttons, chatplatform.Button{Label: e.Name(), CallbackPayload: payload})
	}

	_, err = r.chat.SendMessage(ctx, msg.ChatID, msg.ThreadID, "Pick a project to bind this thread to:", kb)
	if err != nil {
		return wire.New(wire.KindChatPlatformError, "send project keyboard", err)
	}
	return nil
}

// handleCallback dispatches a callback query by payload prefix: perm:…,
// close:…, proj:…. Unknown prefixes are rejected.
func (r *Router) handleCallback(ctx context.Context, msg chatplatform.InboundMessage) error {
	payload := msg.CallbackPayload
	switch {
	case strings.HasPrefix(payload, "perm:"):
		return r.handlePermissionCallback(ctx, msg.ChatID, msg.ThreadID, payload)
	case strings.HasPrefix(payload, "proj:"):
		return r.handleProjectBindCallback(ctx, msg.ChatID, payload)
	case strings.HasPrefix(payload, "close:"):
		return r.handleCloseCallback(ctx, msg.ChatID, msg.ThreadID, payload)
	default:
		_, err := r.chat.SendMessage(ctx, msg.ChatID, msg.ThreadID, "unknown action", nil)
		return err
	}
}

// handlePermissionCallback parses perm:<session_id>:<perm_id>:{allow|deny}
// and relays the decision to the worker.
func (r *Router) handlePermissionCallback(ctx context.Context, chatID, threadID int64, payload string) error {
	parts := strings.SplitN(payload, ":", 4)
	if len(parts) != 4 {
		_, err := r.chat.SendMessage(ctx, chatID, threadID, "unknown action", nil)
		return err
	}
	sessionID, permID, decision := parts[1], parts[2], parts[3]
	allow := decision == "allow"

	handle, ok := r.instanceForSession(sessionID)
	if !ok {
		return wire.New(wire.KindSessionNotFound, "no live instance for permission reply", nil)
	}

	client := workerapi.New(handle.Info().Port)
	if err := client.ReplyPermission(ctx, sessionID, permID, allow); err != nil {
		r.reportSystemError(wire.KindWorkerAPIError, err, map[string]interface{}{
			"chat_id": chatID, "thread_id": threadID, "session_id": sessionID, "instance_id": handle.Info().ID,
		})
		return wire.New(wire.KindWorkerAPIError, "reply permission", err)
	}
	return nil
}

// instanceForSession resolves a session id to its live instance handle via
// the binding carrying that session_id.
func (r *Router) instanceForSession(sessionID string) (*instance.Handle, bool) {
	binding, ok, err := r.bindings.GetBySessionID(sessionID)
	if err != nil || !ok {
		return nil, false
	}
	return r.instances.GetInstance(binding.InstanceID)
}

// handleProjectBindCallback parses proj:<thread_id>:<name> and creates a new
// binding for (chat_id, thread_id).
func (r *Router) handleProjectBindCallback(ctx context.Context, chatID int64, payload string) error {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		r.reportSystemError(wire.KindInvalidStateTransition, fmt.Errorf("malformed proj callback %q", payload), map[string]interface{}{"chat_id": chatID})
		return wire.New(wire.KindInvalidStateTransition, "malformed proj callback", nil)
	}
	threadID := parseThreadID(parts[1])
	name := parts[2]

	projectPath := filepath.Join(r.cfg.ProjectBasePath, name)
	if r.cfg.AutoCreateProjectDirs {
		if err := os.MkdirAll(projectPath, 0o755); err != nil {
			r.reportSystemError(wire.KindIOError, err, map[string]interface{}{"chat_id": chatID, "thread_id": threadID, "project_path": projectPath})
			return wire.New(wire.KindIOError, "create project dir", err)
		}
	}

	now := wire.NowSeconds()
	binding := wire.Binding{
		ChatID:       chatID,
		TopicID:      threadID,
		ProjectPath:  projectPath,
		CreatedAtSec: now,
		UpdatedAtSec: now,
	}
	if err := r.bindings.Save(binding); err != nil {
		r.reportSystemError(wire.KindDatabaseError, err, map[string]interface{}{"chat_id": chatID, "thread_id": threadID, "project_path": projectPath})
		return wire.New(wire.KindDatabaseError, "save binding", err)
	}

	_, err := r.chat.SendMessage(ctx, chatID, threadID, fmt.Sprintf("Bound this thread to %s.", name), nil)
	return err
}

// handleCloseCallback is the close-confirmation path; worktree cleanup is
// intentionally left to an external hook (OnBindingClosed), not performed
// here.
func (r *Router) handleCloseCallback(ctx context.Context, chatID, threadID int64, payload string) error {
	key := wire.BindingKey{ChatID: chatID, TopicID: threadID}
	binding, ok, err := r.bindings.Get(key)
	if err != nil {
		r.reportSystemError(wire.KindDatabaseError, err, map[string]interface{}{"chat_id": chatID, "thread_id": threadID})
		return wire.New(wire.KindDatabaseError, "lookup binding for close", err)
	}
	if ok && r.OnBindingClosed != nil {
		r.OnBindingClosed(binding)
	}
	if err := r.bindings.Delete(key); err != nil {
		r.reportSystemError(wire.KindDatabaseError, err, map[string]interface{}{"chat_id": chatID, "thread_id": threadID})
		return wire.New(wire.KindDatabaseError, "delete binding", err)
	}
	_, err = r.chat.SendMessage(ctx, chatID, threadID, "Thread unbound.", nil)
	return err
}

func parseThreadID(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
