package containerengine

import (
	"context"
	"testing"
)

func TestMockDriverLifecycle(t *testing.T) {
	t.Parallel()
	m := NewMockDriver()
	ctx := context.Background()

	id, err := m.CreateContainer(ctx, Config{Name: "oc-abc"})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}

	info, err := m.InspectContainer(ctx, id)
	if err != nil {
		t.Fatalf("InspectContainer: %v", err)
	}
	if info.State.Phase != PhaseCreated {
		t.Fatalf("expected PhaseCreated after create, got %s", info.State.Phase)
	}

	if err := m.StartContainer(ctx, id); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}
	info, _ = m.InspectContainer(ctx, id)
	if info.State.Phase != PhaseRunning {
		t.Fatalf("expected PhaseRunning after start, got %s", info.State.Phase)
	}

	if err := m.StopContainer(ctx, id, 5); err != nil {
		t.Fatalf("StopContainer: %v", err)
	}
	info, _ = m.InspectContainer(ctx, id)
	if info.State.Phase != PhaseExited {
		t.Fatalf("expected PhaseExited after stop, got %s", info.State.Phase)
	}

	if err := m.RemoveContainer(ctx, id, false); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	if _, err := m.InspectContainer(ctx, id); err == nil {
		t.Fatal("expected error inspecting a removed container")
	}
}

func TestMockDriverCreateFailure(t *testing.T) {
	t.Parallel()
	wantErr := errNotFound
	m := NewMockDriver()
	m.FailCreate = wantErr

	if _, err := m.CreateContainer(context.Background(), Config{Name: "x"}); err != wantErr {
		t.Fatalf("expected FailCreate error, got %v", err)
	}
}

func TestMockDriverStopAndRemoveMissingAreIdempotent(t *testing.T) {
	t.Parallel()
	m := NewMockDriver()
	ctx := context.Background()

	if err := m.StopContainer(ctx, "nope", 5); err != nil {
		t.Fatalf("stopping unknown container should be a no-op, got %v", err)
	}
	if err := m.RemoveContainer(ctx, "nope", false); err != nil {
		t.Fatalf("removing unknown container should be a no-op, got %v", err)
	}
}

func TestMockDriverListContainersByPrefix(t *testing.T) {
	t.Parallel()
	m := NewMockDriver()
	ctx := context.Background()

	id1, _ := m.CreateContainer(ctx, Config{Name: "oc-aaa"})
	_, _ = m.CreateContainer(ctx, Config{Name: "other-bbb"})

	list, err := m.ListContainersByPrefix(ctx, "oc-")
	if err != nil {
		t.Fatalf("ListContainersByPrefix: %v", err)
	}
	if len(list) != 1 || list[0].ID != id1 {
		t.Fatalf("expected only oc-aaa to match prefix, got %+v", list)
	}
}

func TestMockDriverRecordsInvocationsInOrder(t *testing.T) {
	t.Parallel()
	m := NewMockDriver()
	ctx := context.Background()

	id, _ := m.CreateContainer(ctx, Config{Name: "oc-seq"})
	_ = m.StartContainer(ctx, id)
	_ = m.StopContainer(ctx, id, 5)
	_ = m.RemoveContainer(ctx, id, false)

	invs := m.Invocations()
	wantOps := []string{"create", "start", "stop", "remove"}
	if len(invs) != len(wantOps) {
		t.Fatalf("expected %d invocations, got %d: %+v", len(wantOps), len(invs), invs)
	}
	for i, op := range wantOps {
		if invs[i].Op != op {
			t.Fatalf("invocation %d: expected op %q, got %q", i, op, invs[i].Op)
		}
	}
}
