package store

import (
	"path/filepath"
	"testing"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

func openTestBindingStore(t *testing.T) *BindingStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bindings.db")
	s, err := OpenBindingStore(path)
	if err != nil {
		t.Fatalf("OpenBindingStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBindingStoreSaveAndGet(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)

	b := wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a", CreatedAtSec: 100, UpdatedAtSec: 100}
	if err := s.Save(b); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Get(wire.BindingKey{ChatID: 1, TopicID: 2})
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.ProjectPath != "/a" || got.CreatedAtSec != 100 {
		t.Fatalf("got %+v", got)
	}
}

func TestBindingStoreSavePreservesCreatedAt(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)
	key := wire.BindingKey{ChatID: 1, TopicID: 2}

	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a", CreatedAtSec: 100, UpdatedAtSec: 100}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Second save with a different (later) CreatedAtSec must not move the
	// stored created_at; only updated_at should change.
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a/renamed", CreatedAtSec: 999, UpdatedAtSec: 200}); err != nil {
		t.Fatalf("Save (second): %v", err)
	}

	got, ok, err := s.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.CreatedAtSec != 100 {
		t.Fatalf("expected created_at preserved at 100, got %d", got.CreatedAtSec)
	}
	if got.UpdatedAtSec != 200 {
		t.Fatalf("expected updated_at refreshed to 200, got %d", got.UpdatedAtSec)
	}
	if got.ProjectPath != "/a/renamed" {
		t.Fatalf("expected project_path updated, got %q", got.ProjectPath)
	}
}

func TestBindingStoreDelete(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)
	key := wire.BindingKey{ChatID: 1, TopicID: 2}
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a", CreatedAtSec: 1, UpdatedAtSec: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected binding to be gone after delete")
	}
	if err := s.Delete(wire.BindingKey{ChatID: 999, TopicID: 999}); err != nil {
		t.Fatalf("deleting an unknown key should not error, got %v", err)
	}
}

func TestBindingStoreMarkTopicNameUpdated(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)
	key := wire.BindingKey{ChatID: 1, TopicID: 2}
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a", CreatedAtSec: 1, UpdatedAtSec: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.MarkTopicNameUpdated(key); err != nil {
		t.Fatalf("MarkTopicNameUpdated: %v", err)
	}
	got, _, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.TopicNameUpdated {
		t.Fatal("expected latch to be set")
	}
}

func TestBindingStoreSetInstanceID(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)
	key := wire.BindingKey{ChatID: 1, TopicID: 2}
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a", SessionID: "sess-1", CreatedAtSec: 1, UpdatedAtSec: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.SetInstanceID(key, "inst-9", 500); err != nil {
		t.Fatalf("SetInstanceID: %v", err)
	}
	got, _, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.InstanceID != "inst-9" || got.UpdatedAtSec != 500 {
		t.Fatalf("got %+v", got)
	}
	if got.SessionID != "sess-1" {
		t.Fatal("SetInstanceID must not disturb session_id")
	}
}

func TestBindingStoreGetBySessionIDAndInstanceID(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/a", SessionID: "sess-1", InstanceID: "inst-1", CreatedAtSec: 1, UpdatedAtSec: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	bySession, ok, err := s.GetBySessionID("sess-1")
	if err != nil || !ok || bySession.ChatID != 1 {
		t.Fatalf("GetBySessionID: ok=%v err=%v b=%+v", ok, err, bySession)
	}

	byInstance, ok, err := s.GetByInstanceID("inst-1")
	if err != nil || !ok || byInstance.TopicID != 2 {
		t.Fatalf("GetByInstanceID: ok=%v err=%v b=%+v", ok, err, byInstance)
	}

	_, ok, err = s.GetBySessionID("nope")
	if err != nil {
		t.Fatalf("GetBySessionID: %v", err)
	}
	if ok {
		t.Fatal("expected no binding for unknown session id")
	}
}

func TestBindingStoreGetStaleMappings(t *testing.T) {
	t.Parallel()
	s := openTestBindingStore(t)
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 1, ProjectPath: "/fresh", CreatedAtSec: 1000, UpdatedAtSec: 1000}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(wire.Binding{ChatID: 1, TopicID: 2, ProjectPath: "/stale", CreatedAtSec: 100, UpdatedAtSec: 100}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stale, err := s.GetStaleMappings(1500, 500) // threshold = 1000
	if err != nil {
		t.Fatalf("GetStaleMappings: %v", err)
	}
	if len(stale) != 1 || stale[0].ProjectPath != "/stale" {
		t.Fatalf("expected exactly the stale binding, got %+v", stale)
	}
}
