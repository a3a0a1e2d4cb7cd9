package instance

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

// ErrExternalNotFound is returned by UnregisterExternal for an unknown
// project path.
var ErrExternalNotFound = fmt.Errorf("external instance not found")

// RegisterExternal records an instance the orchestrator does not own: a
// worker process started and supervised by another process, reachable at
// port, optionally already bound to a session. The registration API is the
// only caller of this path; External instances are never stopped, restarted
// or evicted by the health loop.
func (m *Manager) RegisterExternal(projectPath string, port int, sessionID string) (wire.InstanceInfo, error) {
	info := wire.InstanceInfo{
		ID:          uuid.NewString(),
		ProjectPath: projectPath,
		Port:        port,
		State:       wire.StateRunning,
		Type:        wire.TypeExternal,
		StartedAtMs: wire.NowMillis(),
	}
	if err := m.stores.Instances.Upsert(info); err != nil {
		return wire.InstanceInfo{}, fmt.Errorf("register external instance: %w", err)
	}

	h := newHandle(info)
	m.registerHandle(h)

	return info, nil
}

// UnregisterExternal removes the External instance record bound to
// projectPath. Returns ErrExternalNotFound if no such record exists.
func (m *Manager) UnregisterExternal(projectPath string) error {
	info, ok, err := m.stores.Instances.GetByPath(projectPath)
	if err != nil {
		return fmt.Errorf("unregister external instance: %w", err)
	}
	if !ok || info.Type != wire.TypeExternal {
		return ErrExternalNotFound
	}

	if err := m.stores.Instances.Delete(info.ID); err != nil {
		return fmt.Errorf("unregister external instance %s: %w", info.ID, err)
	}
	m.unregisterHandle(info.ID, info.ProjectPath)
	return nil
}

// ListExternal returns every persisted External instance record.
func (m *Manager) ListExternal() ([]wire.InstanceInfo, error) {
	all, err := m.stores.Instances.ListAll()
	if err != nil {
		return nil, fmt.Errorf("list external instances: %w", err)
	}
	out := make([]wire.InstanceInfo, 0, len(all))
	for _, info := range all {
		if info.Type == wire.TypeExternal {
			out = append(out, info)
		}
	}
	return out, nil
}
