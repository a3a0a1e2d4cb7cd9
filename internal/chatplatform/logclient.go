package chatplatform

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// LogClient is a minimal Client that logs every outbound action via slog
// instead of calling a real chat platform. It exists so the orchestrator
// binary is runnable end to end without the out-of-scope bot transport;
// production deployments supply their own Client wired to the real API.
type LogClient struct {
	nextMessageID int64
	nextThreadID  int64
}

// NewLogClient creates a LogClient.
func NewLogClient() *LogClient {
	return &LogClient{}
}

func (c *LogClient) SendMessage(ctx context.Context, chatID, threadID int64, html string, kb *Keyboard) (int64, error) {
	id := atomic.AddInt64(&c.nextMessageID, 1)
	slog.Info("chat: send_message", "chat_id", chatID, "thread_id", threadID, "message_id", id, "html", html, "buttons", buttonLabels(kb))
	return id, nil
}

func (c *LogClient) EditMessage(ctx context.Context, chatID, threadID, messageID int64, html string) error {
	slog.Info("chat: edit_message", "chat_id", chatID, "thread_id", threadID, "message_id", messageID, "html", html)
	return nil
}

func (c *LogClient) DeleteMessage(ctx context.Context, chatID, threadID, messageID int64) error {
	slog.Info("chat: delete_message", "chat_id", chatID, "thread_id", threadID, "message_id", messageID)
	return nil
}

func (c *LogClient) CreateForumThread(ctx context.Context, chatID int64, name string) (int64, error) {
	id := atomic.AddInt64(&c.nextThreadID, 1)
	slog.Info("chat: create_forum_thread", "chat_id", chatID, "name", name, "thread_id", id)
	return id, nil
}

func (c *LogClient) EditForumThreadName(ctx context.Context, chatID, threadID int64, name string) error {
	slog.Info("chat: edit_forum_thread_name", "chat_id", chatID, "thread_id", threadID, "name", name)
	return nil
}

func (c *LogClient) DeleteForumThread(ctx context.Context, chatID, threadID int64) error {
	slog.Info("chat: delete_forum_thread", "chat_id", chatID, "thread_id", threadID)
	return nil
}

func (c *LogClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return nil, fmt.Errorf("log client cannot download file %q: no real transport configured", fileID)
}

func buttonLabels(kb *Keyboard) []string {
	if kb == nil {
		return nil
	}
	labels := make([]string, len(kb.Buttons))
	for i, b := range kb.Buttons {
		labels[i] = b.Label
	}
	return labels
}

var _ Client = (*LogClient)(nil)
