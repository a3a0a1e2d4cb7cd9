package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oc-outpost/orchestrator/internal/backoff"
	"github.com/oc-outpost/orchestrator/internal/workerapi"
	"github.com/oc-outpost/orchestrator/internal/wire"
)

// StartHealthCheckLoop starts the periodic sweep that detects crashes
// (restart with backoff) and idleness (evict), returning a cancel func the
// caller should invoke on shutdown (StopAll also asserts it).
func (m *Manager) StartHealthCheckLoop(ctx context.Context) context.CancelFunc {
	loopCtx, cancel := context.WithCancel(ctx)
	m.healthCancel = cancel

	go func() {
		ticker := time.NewTicker(m.cfg.OpencodeHealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.sweep(loopCtx)
			}
		}
	}()

	return cancel
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		info := h.Info()
		if info.Type != wire.TypeManaged {
			continue
		}
		if info.State != wire.StateRunning {
			continue
		}

		if h.idleSince() > m.cfg.OpencodeIdleTimeout {
			slog.Info("instance: evicting idle instance", "id", info.ID, "projectPath", info.ProjectPath)
			if err := m.StopInstance(ctx, info.ID); err != nil {
				slog.Error("instance: idle eviction failed", "id", info.ID, "error", err)
			}
			continue
		}

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := workerapi.New(info.Port).Health(healthCtx)
		cancel()
		if err == nil {
			m.restartMu.Lock()
			delete(m.restartCounts, info.ProjectPath)
			m.restartMu.Unlock()
			continue
		}

		slog.Warn("instance: health check failed, treating as crash", "id", info.ID, "projectPath", info.ProjectPath, "error", err)
		m.handleCrash(ctx, h, info)
	}
}

// handleCrash implements the restart-with-backoff policy: delays
// 1,2,4,8,16s for up to MAX_RESTART_ATTEMPTS=5 restarts, with the attempt
// counter carried across the instance id change so the cap covers the
// whole lineage, not just the current id. A crash detected after the 5th
// restart has already been spent marks the instance Error instead of
// restarting again.
func (m *Manager) handleCrash(ctx context.Context, h *Handle, info wire.InstanceInfo) {
	m.restartMu.Lock()
	priorAttempts := m.restartCounts[info.ProjectPath]
	if backoff.Default.Exhausted(priorAttempts) {
		m.restartMu.Unlock()
		slog.Error("instance: restart attempts exhausted, marking Error", "projectPath", info.ProjectPath, "attempts", priorAttempts)
		m.reportSystemError(wire.KindInstanceStartFailed, fmt.Errorf("restart attempts exhausted after %d tries", priorAttempts), map[string]interface{}{
			"project_path": info.ProjectPath, "instance_id": info.ID,
		})
		info.State = wire.StateError
		h.setInfo(info)
		_ = m.stores.Instances.Upsert(info)
		return
	}
	attempt := priorAttempts + 1
	m.restartCounts[info.ProjectPath] = attempt
	m.restartMu.Unlock()

	if info.ContainerID != "" {
		_ = m.driver.StopContainer(ctx, info.ContainerID, 5)
		_ = m.driver.RemoveContainer(ctx, info.ContainerID, true)
	}
	m.pool.Release(info.Port)
	m.unregisterHandle(info.ID, info.ProjectPath)

	binding, _, _ := m.stores.Bindings.GetByInstanceID(info.ID)

	go func() {
		if err := backoff.Default.Sleep(ctx, attempt); err != nil {
			return
		}

		newInfo, err := m.restartInstance(ctx, info.ProjectPath)
		if err != nil {
			slog.Error("instance: restart attempt failed", "projectPath", info.ProjectPath, "attempt", attempt, "error", err)
			m.reportSystemError(wire.KindInstanceStartFailed, err, map[string]interface{}{"project_path": info.ProjectPath, "attempt": attempt})
			return
		}

		if binding.ChatID != 0 || binding.TopicID != 0 {
			if err := m.stores.Bindings.SetInstanceID(wire.BindingKey{ChatID: binding.ChatID, TopicID: binding.TopicID}, newInfo.ID, wire.NowSeconds()); err != nil {
				slog.Error("instance: failed to update binding after restart", "projectPath", info.ProjectPath, "error", err)
			}
		}

		slog.Info("instance: restarted after crash", "projectPath", info.ProjectPath, "newId", newInfo.ID, "attempt", attempt)
	}()
}

// restartInstance spawns a replacement for a crashed Managed instance,
// reusing the same project binding but a fresh port and id.
func (m *Manager) restartInstance(ctx context.Context, projectPath string) (wire.InstanceInfo, error) {
	h, err := m.spawn(ctx, projectPath)
	if err != nil {
		return wire.InstanceInfo{}, err
	}
	return h.Info(), nil
}
