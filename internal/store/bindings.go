package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

// BindingStore is the Binding Store: durable storage for wire.Binding,
// supporting upsert-preserving-created-at and staleness queries.
type BindingStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenBindingStore opens or creates the binding database at path. It may
// point at the same file as an InstanceStore or a distinct one
// (topic_db_path), since both stores use independent *sql.DB handles over
// SQLite's own locking.
func OpenBindingStore(path string) (*BindingStore, error) {
	db, err := openDB(path, []func(*sql.DB) error{migrateBindingsV1})
	if err != nil {
		return nil, err
	}
	return &BindingStore{db: db}, nil
}

func (s *BindingStore) Close() error { return s.db.Close() }

func migrateBindingsV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bindings (
			chat_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			project_path TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			topic_name_updated INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, topic_id)
		);
		CREATE INDEX IF NOT EXISTS idx_bindings_chat_id ON bindings(chat_id);
		CREATE INDEX IF NOT EXISTS idx_bindings_session_id ON bindings(session_id);
		CREATE INDEX IF NOT EXISTS idx_bindings_instance_id ON bindings(instance_id);
	`)
	return err
}

const selectBindingCols = "chat_id, topic_id, project_path, session_id, instance_id, topic_name_updated, created_at, updated_at"

// Save upserts a binding: created_at is preserved from the existing row (if
// any), updated_at is always refreshed to the binding's own UpdatedAtSec
// (callers should pass wire.NowSeconds()). Calling Save twice in a row with
// the same binding therefore yields the same row except updated_at, which
// advances monotonically.
func (s *BindingStore) Save(b wire.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingCreatedAt int64
	err := s.db.QueryRow("SELECT created_at FROM bindings WHERE chat_id = ? AND topic_id = ?", b.ChatID, b.TopicID).Scan(&existingCreatedAt)
	switch {
	case err == sql.ErrNoRows:
		existingCreatedAt = b.CreatedAtSec
	case err != nil:
		return fmt.Errorf("save binding (%d,%d): lookup created_at: %w", b.ChatID, b.TopicID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bindings (chat_id, topic_id, project_path, session_id, instance_id, topic_name_updated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, topic_id) DO UPDATE SET
			project_path = excluded.project_path,
			session_id = excluded.session_id,
			instance_id = excluded.instance_id,
			topic_name_updated = excluded.topic_name_updated,
			updated_at = excluded.updated_at
	`, b.ChatID, b.TopicID, b.ProjectPath, b.SessionID, b.InstanceID, b.TopicNameUpdated, existingCreatedAt, b.UpdatedAtSec)
	if err != nil {
		return fmt.Errorf("save binding (%d,%d): %w", b.ChatID, b.TopicID, err)
	}
	return nil
}

func (s *BindingStore) scanOne(row *sql.Row) (wire.Binding, bool, error) {
	var b wire.Binding
	var latch int
	err := row.Scan(&b.ChatID, &b.TopicID, &b.ProjectPath, &b.SessionID, &b.InstanceID, &latch, &b.CreatedAtSec, &b.UpdatedAtSec)
	if err == sql.ErrNoRows {
		return wire.Binding{}, false, nil
	}
	if err != nil {
		return wire.Binding{}, false, err
	}
	b.TopicNameUpdated = latch != 0
	return b, true, nil
}

// Get looks up a binding by its compound key.
func (s *BindingStore) Get(key wire.BindingKey) (wire.Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+selectBindingCols+" FROM bindings WHERE chat_id = ? AND topic_id = ?", key.ChatID, key.TopicID)
	b, ok, err := s.scanOne(row)
	if err != nil {
		return wire.Binding{}, false, fmt.Errorf("get binding (%d,%d): %w", key.ChatID, key.TopicID, err)
	}
	return b, ok, nil
}

// Delete removes a binding. Deleting an unknown key is not an error.
func (s *BindingStore) Delete(key wire.BindingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM bindings WHERE chat_id = ? AND topic_id = ?", key.ChatID, key.TopicID); err != nil {
		return fmt.Errorf("delete binding (%d,%d): %w", key.ChatID, key.TopicID, err)
	}
	return nil
}

// MarkTopicNameUpdated sets the topic_name_updated latch. It is write-once
// in practice (callers check the current value before renaming) but the
// store itself does not enforce that; it simply sets the column.
func (s *BindingStore) MarkTopicNameUpdated(key wire.BindingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE bindings SET topic_name_updated = 1 WHERE chat_id = ? AND topic_id = ?", key.ChatID, key.TopicID)
	if err != nil {
		return fmt.Errorf("mark topic name updated (%d,%d): %w", key.ChatID, key.TopicID, err)
	}
	return nil
}

// SetInstanceID updates the instance_id cache field on a binding without
// disturbing session_id or created_at, refreshing updated_at to now.
func (s *BindingStore) SetInstanceID(key wire.BindingKey, instanceID string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE bindings SET instance_id = ?, updated_at = ? WHERE chat_id = ? AND topic_id = ?",
		instanceID, now, key.ChatID, key.TopicID)
	if err != nil {
		return fmt.Errorf("set instance id (%d,%d): %w", key.ChatID, key.TopicID, err)
	}
	return nil
}

// GetBySessionID finds the (at most one) binding carrying a given
// session_id, the durable identity used to resolve a session back to its
// current project/instance.
func (s *BindingStore) GetBySessionID(sessionID string) (wire.Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+selectBindingCols+" FROM bindings WHERE session_id = ? LIMIT 1", sessionID)
	b, ok, err := s.scanOne(row)
	if err != nil {
		return wire.Binding{}, false, fmt.Errorf("get binding by session %s: %w", sessionID, err)
	}
	return b, ok, nil
}

// GetByInstanceID finds the binding currently pointing at an instance, if any.
func (s *BindingStore) GetByInstanceID(instanceID string) (wire.Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+selectBindingCols+" FROM bindings WHERE instance_id = ? LIMIT 1", instanceID)
	b, ok, err := s.scanOne(row)
	if err != nil {
		return wire.Binding{}, false, fmt.Errorf("get binding by instance %s: %w", instanceID, err)
	}
	return b, ok, nil
}

// GetStaleMappings returns every binding whose updated_at is older than
// (now - staleAfterSec): updated_at < now - d.
func (s *BindingStore) GetStaleMappings(now int64, staleAfterSec int64) ([]wire.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threshold := now - staleAfterSec
	rows, err := s.db.Query("SELECT "+selectBindingCols+" FROM bindings WHERE updated_at < ?", threshold)
	if err != nil {
		return nil, fmt.Errorf("get stale mappings: %w", err)
	}
	defer rows.Close()

	var out []wire.Binding
	for rows.Next() {
		var b wire.Binding
		var latch int
		if err := rows.Scan(&b.ChatID, &b.TopicID, &b.ProjectPath, &b.SessionID, &b.InstanceID, &latch, &b.CreatedAtSec, &b.UpdatedAtSec); err != nil {
			return nil, fmt.Errorf("scan stale binding row: %w", err)
		}
		b.TopicNameUpdated = latch != 0
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale binding rows: %w", err)
	}
	if out == nil {
		out = []wire.Binding{}
	}
	return out, nil
}
