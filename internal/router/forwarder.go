package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oc-outpost/orchestrator/internal/chatplatform"
	"github.com/oc-outpost/orchestrator/internal/wire"
)

const forwarderIdleFlush = 2 * time.Second

// forwarder is the per-thread task that translates StreamEvents into chat
// output: batches text, flushes before any non-text event, and renames the
// thread once on first completion.
type forwarder struct {
	router  *Router
	binding wire.Binding
	events  <-chan wire.StreamEvent

	pending strings.Builder
	lastAppend time.Time
}

func (f *forwarder) run(ctx context.Context) {
	defer f.router.stopForwarder(f.binding.SessionID)
	defer f.router.mux.Unsubscribe(f.binding.SessionID)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flush(ctx)
			return
		case ev, ok := <-f.events:
			if !ok {
				f.flush(ctx)
				return
			}
			if f.handle(ctx, ev) {
				return
			}
		case <-ticker.C:
			if f.pending.Len() > 0 && time.Since(f.lastAppend) >= forwarderIdleFlush {
				f.flush(ctx)
			}
		}
	}
}

// handle processes one event, returning true if the forwarder should exit
// (SessionError terminates the forwarder after flushing).
func (f *forwarder) handle(ctx context.Context, ev wire.StreamEvent) bool {
	switch ev.Type {
	case wire.EventTextChunk:
		f.pending.WriteString(ev.Text)
		f.lastAppend = time.Now()
		if f.pending.Len() >= maxMessageHalf {
			f.flush(ctx)
		}
		return false

	case wire.EventToolInvocation:
		f.flush(ctx)
		f.send(ctx, fmt.Sprintf("<pre>tool: %s</pre>", ev.ToolName))
		return false

	case wire.EventToolResult:
		f.flush(ctx)
		f.send(ctx, "<pre>tool result received</pre>")
		return false

	case wire.EventSessionError:
		f.flush(ctx)
		f.send(ctx, fmt.Sprintf("<pre>session error: %s</pre>", ev.Err))
		return true

	case wire.EventPermissionReq:
		f.flush(ctx)
		f.sendPermissionRequest(ctx, ev)
		return false

	case wire.EventMessageComplete, wire.EventSessionIdle:
		f.flush(ctx)
		f.maybeRenameThread(ctx)
		return false

	case wire.EventDisconnected, wire.EventReconnected:
		return false

	default:
		return false
	}
}

func (f *forwarder) sendPermissionRequest(ctx context.Context, ev wire.StreamEvent) {
	kb := &chatplatform.Keyboard{Buttons: []chatplatform.Button{
		{Label: "Allow", CallbackPayload: fmt.Sprintf("perm:%s:%s:allow", f.binding.SessionID, ev.PermissionID)},
		{Label: "Deny", CallbackPayload: fmt.Sprintf("perm:%s:%s:deny", f.binding.SessionID, ev.PermissionID)},
	}}
	_, _ = f.router.chat.SendMessage(ctx, f.binding.ChatID, f.binding.TopicID,
		fmt.Sprintf("Permission requested: %s", ev.PermissionKind), kb)
}

// maybeRenameThread renames the thread to the project's basename once,
// latching topic_name_updated so it is never rewritten again.
func (f *forwarder) maybeRenameThread(ctx context.Context) {
	if f.binding.TopicNameUpdated {
		return
	}
	name := lastPathComponent(f.binding.ProjectPath)
	if err := f.router.chat.EditForumThreadName(ctx, f.binding.ChatID, f.binding.TopicID, name); err != nil {
		return
	}
	key := wire.BindingKey{ChatID: f.binding.ChatID, TopicID: f.binding.TopicID}
	if err := f.router.bindings.MarkTopicNameUpdated(key); err == nil {
		f.binding.TopicNameUpdated = true
	}
}

func lastPathComponent(path string) string {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// flush paces and sends the accumulated text batch, splitting at
// MaxMessageLength boundaries and rate-limiting to one send per thread per
// ratePeriod.
func (f *forwarder) flush(ctx context.Context) {
	if f.pending.Len() == 0 {
		return
	}
	text := f.pending.String()
	f.pending.Reset()
	f.send(ctx, f.router.renderMarkdown(text))
}

func (f *forwarder) send(ctx context.Context, html string) {
	key := wire.BindingKey{ChatID: f.binding.ChatID, TopicID: f.binding.TopicID}
	rl := f.router.rateLimits.get(key)

	for _, chunk := range splitMessage(html, chatplatform.MaxMessageLength) {
		for !rl.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		if _, err := f.router.chat.SendMessage(ctx, f.binding.ChatID, f.binding.TopicID, chunk, nil); err != nil {
			return
		}
	}
}

// splitMessage splits s into chunks no longer than max, preferring to break
// at a blank line or code-fence boundary and never inside an HTML tag.
func splitMessage(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}

	var chunks []string
	for len(s) > max {
		cut := max
		if idx := strings.LastIndex(s[:max], "\n\n"); idx > max/2 {
			cut = idx
		} else if idx := strings.LastIndex(s[:max], "```"); idx > max/2 {
			cut = idx
		} else {
			for cut > 0 && s[cut] == '<' {
				cut--
			}
			if open := strings.LastIndex(s[:cut], "<"); open > -1 {
				if close := strings.Index(s[open:cut], ">"); close == -1 {
					cut = open
				}
			}
		}
		if cut <= 0 {
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
