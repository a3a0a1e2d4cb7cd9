package instance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oc-outpost/orchestrator/internal/containerengine"
	"github.com/oc-outpost/orchestrator/internal/workerapi"
	"github.com/oc-outpost/orchestrator/internal/wire"
)

// GetOrCreate implements the get_or_create algorithm from §4.4: reuse a
// live handle, else adopt a persisted Running record via health check, else
// resurrect a fresh worker bound to the same project. Conversational
// continuity comes from the project mount plus the router addressing
// /session/<sessionID> on the worker directly; the manager itself doesn't
// need the session id to spawn a worker.
func (m *Manager) GetOrCreate(ctx context.Context, projectPath string) (*Handle, error) {
	if h, ok := m.GetInstanceByPath(projectPath); ok {
		info := h.Info()
		if info.State == wire.StateRunning || info.State == wire.StateStarting {
			h.touch()
			return h, nil
		}
	}

	if persisted, ok, err := m.stores.Instances.GetByPath(projectPath); err == nil && ok && persisted.State == wire.StateRunning {
		client := workerapi.New(persisted.Port)
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthErr := client.Health(healthCtx)
		cancel()
		if healthErr == nil {
			h := newHandle(persisted)
			m.registerHandle(h)
			h.touch()
			return h, nil
		}
	}

	if m.managedLiveCount() >= m.cfg.OpencodeMaxInstances {
		return nil, ErrMaxInstancesReached
	}

	return m.spawn(ctx, projectPath)
}

// spawn allocates a port, creates and starts a container, and polls
// readiness. On any failure after port allocation it best-effort releases
// whatever it acquired.
func (m *Manager) spawn(ctx context.Context, projectPath string) (*Handle, error) {
	port, err := m.pool.Allocate()
	if err != nil {
		m.reportSystemError(wire.KindPortExhausted, err, map[string]interface{}{"project_path": projectPath})
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	id := uuid.NewString()
	cfg := m.buildContainerConfig(id, projectPath, port)

	containerID, err := m.driver.CreateContainer(ctx, cfg)
	if err != nil {
		m.pool.Release(port)
		m.reportSystemError(wire.KindInstanceStartFailed, err, map[string]interface{}{"project_path": projectPath, "instance_id": id})
		return nil, fmt.Errorf("create container for %s: %w", projectPath, err)
	}
	if err := m.driver.StartContainer(ctx, containerID); err != nil {
		m.pool.Release(port)
		_ = m.driver.RemoveContainer(ctx, containerID, true)
		m.reportSystemError(wire.KindInstanceStartFailed, err, map[string]interface{}{"project_path": projectPath, "instance_id": id})
		return nil, fmt.Errorf("start container for %s: %w", projectPath, err)
	}

	if err := m.waitReady(ctx, port); err != nil {
		m.pool.Release(port)
		_ = m.driver.StopContainer(ctx, containerID, 5)
		_ = m.driver.RemoveContainer(ctx, containerID, true)
		m.reportSystemError(wire.KindInstanceStartFailed, err, map[string]interface{}{"project_path": projectPath, "instance_id": id})
		return nil, fmt.Errorf("instance never became ready for %s: %w", projectPath, err)
	}

	info := wire.InstanceInfo{
		ID:          id,
		ProjectPath: projectPath,
		Port:        port,
		State:       wire.StateRunning,
		Type:        wire.TypeManaged,
		ContainerID: containerID,
		StartedAtMs: wire.NowMillis(),
	}

	if err := m.stores.Instances.Upsert(info); err != nil {
		m.pool.Release(port)
		_ = m.driver.StopContainer(ctx, containerID, 5)
		_ = m.driver.RemoveContainer(ctx, containerID, true)
		m.reportSystemError(wire.KindDatabaseError, err, map[string]interface{}{"project_path": projectPath, "instance_id": id})
		return nil, fmt.Errorf("persist instance record for %s: %w", projectPath, err)
	}

	h := newHandle(info)
	m.registerHandle(h)
	return h, nil
}

func (m *Manager) waitReady(ctx context.Context, port int) error {
	deadline := time.Now().Add(m.cfg.OpencodeStartupTimeout)
	client := workerapi.New(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Health(healthCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup timeout exceeded: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildContainerConfig computes the ContainerConfig per §4.2: name
// oc-<instance_id>, project bind mount rw, config dir ro, optional ssh/
// gitconfig ro when present, port mapping loopback-only, env allow-list.
func (m *Manager) buildContainerConfig(instanceID, projectPath string, hostPort int) containerengine.Config {
	mounts := []containerengine.Mount{
		{HostPath: projectPath, ContainerPath: "/workspace", ReadOnly: false},
	}
	if m.cfg.OpencodeConfigPath != "" {
		mounts = append(mounts, containerengine.Mount{
			HostPath: m.cfg.OpencodeConfigPath, ContainerPath: "/home/worker/.config/opencode", ReadOnly: true,
		})
	}
	if home, err := os.UserHomeDir(); err == nil {
		if sshDir := filepath.Join(home, ".ssh"); dirExists(sshDir) {
			mounts = append(mounts, containerengine.Mount{HostPath: sshDir, ContainerPath: "/home/worker/.ssh", ReadOnly: true})
		}
		if gitconfig := filepath.Join(home, ".gitconfig"); fileExists(gitconfig) {
			mounts = append(mounts, containerengine.Mount{HostPath: gitconfig, ContainerPath: "/home/worker/.gitconfig", ReadOnly: true})
		}
	}

	env := make([]string, 0, len(m.cfg.EnvPassthrough))
	for _, name := range m.cfg.EnvPassthrough {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	return containerengine.Config{
		Name:    containerengine.ContainerName(instanceID),
		Image:   m.cfg.DockerImage,
		Command: []string{"serve", "--port", fmt.Sprintf("%d", m.cfg.ContainerPort), "--project", "/workspace"},
		Mounts:  mounts,
		Ports:   []containerengine.PortMapping{{HostPort: hostPort, ContainerPort: m.cfg.ContainerPort}},
		Env:     env,
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// RecoverFromDB adopts persisted instances that were Running/Starting at
// last shutdown: health-check them, registering a live handle on success or
// demoting the persisted record to Stopped on failure.
func (m *Manager) RecoverFromDB(ctx context.Context) error {
	for _, state := range []wire.InstanceState{wire.StateRunning, wire.StateStarting} {
		records, err := m.stores.Instances.ListByState(state)
		if err != nil {
			return fmt.Errorf("list instances in state %s: %w", state, err)
		}
		for _, info := range records {
			client := workerapi.New(info.Port)
			healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := client.Health(healthCtx)
			cancel()
			if err == nil {
				h := newHandle(info)
				m.registerHandle(h)
				continue
			}
			info.State = wire.StateStopped
			info.StoppedAtMs = wire.NowMillis()
			if err := m.stores.Instances.Upsert(info); err != nil {
				return fmt.Errorf("demote unreachable instance %s: %w", info.ID, err)
			}
		}
	}
	return nil
}

// ReconcileContainers cross-checks persisted Managed records against the
// runtime's live container list prefixed "oc-": records whose container is
// gone are removed, and containers with no matching record are removed.
func (m *Manager) ReconcileContainers(ctx context.Context) error {
	containers, err := m.driver.ListContainersByPrefix(ctx, "oc-")
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	byID := make(map[string]containerengine.Info, len(containers))
	for _, c := range containers {
		byID[c.ID] = c
	}

	records, err := m.stores.Instances.ListManaged()
	if err != nil {
		return fmt.Errorf("list managed instances: %w", err)
	}
	recordedContainers := make(map[string]bool, len(records))
	for _, info := range records {
		recordedContainers[info.ContainerID] = true
		if _, ok := byID[info.ContainerID]; !ok {
			if err := m.stores.Instances.Delete(info.ID); err != nil {
				return fmt.Errorf("delete orphaned record %s: %w", info.ID, err)
			}
			m.unregisterHandle(info.ID, info.ProjectPath)
		}
	}

	for id := range byID {
		if !recordedContainers[id] {
			_ = m.driver.StopContainer(ctx, id, 5)
			_ = m.driver.RemoveContainer(ctx, id, true)
		}
	}

	return nil
}
