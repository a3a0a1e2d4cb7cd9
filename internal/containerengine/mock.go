package containerengine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Invocation records a single call made against a MockDriver, for tests that
// want to assert on the sequence of operations rather than just end state.
type Invocation struct {
	Op   string
	ID   string
	Name string
}

// MockDriver is an in-memory container engine used by tests and by
// container_runtime=mock deployments. It never shells out to anything.
type MockDriver struct {
	mu sync.Mutex

	containers  map[string]*Info
	invocations []Invocation

	// FailCreate, when set, is returned by CreateContainer instead of
	// succeeding, letting tests exercise the spawn-failure cleanup path.
	FailCreate error
}

// NewMockDriver creates an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{containers: make(map[string]*Info)}
}

func (m *MockDriver) record(op, id, name string) {
	m.invocations = append(m.invocations, Invocation{Op: op, ID: id, Name: name})
}

// Invocations returns a copy of every call made so far, in order.
func (m *MockDriver) Invocations() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.invocations))
	copy(out, m.invocations)
	return out
}

func (m *MockDriver) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		m.record("create_failed", "", cfg.Name)
		return "", m.FailCreate
	}

	id := uuid.NewString()
	m.containers[id] = &Info{
		ID:   id,
		Name: cfg.Name,
		State: State{
			Phase: PhaseCreated,
			Raw:   "created",
		},
	}
	m.record("create", id, cfg.Name)
	return id, nil
}

func (m *MockDriver) StartContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return fmt.Errorf("mock driver: no such container %s", id)
	}
	c.State = State{Phase: PhaseRunning, Raw: "running"}
	m.record("start", id, c.Name)
	return nil
}

func (m *MockDriver) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		m.record("stop_missing", id, "")
		return nil
	}
	c.State = State{Phase: PhaseExited, ExitCode: 0, Raw: "exited"}
	m.record("stop", id, c.Name)
	return nil
}

func (m *MockDriver) RemoveContainer(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		m.record("remove_missing", id, "")
		return nil
	}
	delete(m.containers, id)
	m.record("remove", id, c.Name)
	return nil
}

func (m *MockDriver) InspectContainer(ctx context.Context, id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.containers[id]
	if !ok {
		return Info{}, fmt.Errorf("mock driver: no such container %s", id)
	}
	return *c, nil
}

func (m *MockDriver) ListContainersByPrefix(ctx context.Context, namePrefix string) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Info
	for _, c := range m.containers {
		if strings.HasPrefix(c.Name, namePrefix) {
			out = append(out, *c)
		}
	}
	return out, nil
}
