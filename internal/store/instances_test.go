package store

import (
	"path/filepath"
	"testing"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

func openTestInstanceStore(t *testing.T) *InstanceStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instances.db")
	s, err := OpenInstanceStore(path)
	if err != nil {
		t.Fatalf("OpenInstanceStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInstanceStoreUpsertAndGetByID(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)

	info := wire.InstanceInfo{
		ID:          "inst-1",
		ProjectPath: "/srv/projects/a",
		Port:        4100,
		State:       wire.StateRunning,
		Type:        wire.TypeManaged,
	}
	if err := s.Upsert(info); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := s.GetByID("inst-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !ok {
		t.Fatal("expected instance to be found")
	}
	if got.ProjectPath != info.ProjectPath || got.Port != info.Port || got.State != info.State {
		t.Fatalf("got %+v, want %+v", got, info)
	}
}

func TestInstanceStoreUpsertReplacesExistingRow(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)

	info := wire.InstanceInfo{ID: "inst-1", ProjectPath: "/a", Port: 4100, State: wire.StateStarting, Type: wire.TypeManaged}
	if err := s.Upsert(info); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	info.State = wire.StateRunning
	info.Port = 4200
	if err := s.Upsert(info); err != nil {
		t.Fatalf("Upsert (replace): %v", err)
	}

	got, ok, err := s.GetByID("inst-1")
	if err != nil || !ok {
		t.Fatalf("GetByID: ok=%v err=%v", ok, err)
	}
	if got.State != wire.StateRunning || got.Port != 4200 {
		t.Fatalf("expected replaced fields, got %+v", got)
	}
}

func TestInstanceStoreGetByIDMissing(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)
	_, ok, err := s.GetByID("nope")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestInstanceStoreGetByPathAndPort(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)
	info := wire.InstanceInfo{ID: "inst-1", ProjectPath: "/srv/x", Port: 4300, State: wire.StateRunning, Type: wire.TypeManaged}
	if err := s.Upsert(info); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	byPath, ok, err := s.GetByPath("/srv/x")
	if err != nil || !ok || byPath.ID != "inst-1" {
		t.Fatalf("GetByPath: ok=%v err=%v info=%+v", ok, err, byPath)
	}

	byPort, ok, err := s.GetByPort(4300)
	if err != nil || !ok || byPort.ID != "inst-1" {
		t.Fatalf("GetByPort: ok=%v err=%v info=%+v", ok, err, byPort)
	}
}

func TestInstanceStoreDelete(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)
	info := wire.InstanceInfo{ID: "inst-1", ProjectPath: "/a", Port: 4400, State: wire.StateRunning, Type: wire.TypeManaged}
	if err := s.Upsert(info); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete("inst-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.GetByID("inst-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if ok {
		t.Fatal("expected instance to be gone after delete")
	}

	if err := s.Delete("never-existed"); err != nil {
		t.Fatalf("deleting an unknown id should not error, got %v", err)
	}
}

func TestInstanceStoreListByStateAndManaged(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)

	must := func(info wire.InstanceInfo) {
		t.Helper()
		if err := s.Upsert(info); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	must(wire.InstanceInfo{ID: "a", ProjectPath: "/a", Port: 1, State: wire.StateRunning, Type: wire.TypeManaged})
	must(wire.InstanceInfo{ID: "b", ProjectPath: "/b", Port: 2, State: wire.StateStopped, Type: wire.TypeManaged})
	must(wire.InstanceInfo{ID: "c", ProjectPath: "/c", Port: 3, State: wire.StateRunning, Type: wire.TypeExternal})

	running, err := s.ListByState(wire.StateRunning)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("expected 2 running instances, got %d", len(running))
	}

	managed, err := s.ListManaged()
	if err != nil {
		t.Fatalf("ListManaged: %v", err)
	}
	if len(managed) != 2 {
		t.Fatalf("expected 2 managed instances, got %d", len(managed))
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 total instances, got %d", len(all))
	}
}

func TestInstanceStoreListAllEmptyIsEmptySliceNotNil(t *testing.T) {
	t.Parallel()
	s := openTestInstanceStore(t)
	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if all == nil {
		t.Fatal("expected empty non-nil slice")
	}
	if len(all) != 0 {
		t.Fatalf("expected 0 instances, got %d", len(all))
	}
}
