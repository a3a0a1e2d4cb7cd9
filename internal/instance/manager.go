// Package instance implements the Instance Manager: spawn, health-check,
// restart-with-backoff, idle eviction, and resurrection for worker
// processes, grounded on the teacher's agent-session map and its gateway's
// crash-restart bookkeeping.
package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oc-outpost/orchestrator/internal/config"
	"github.com/oc-outpost/orchestrator/internal/containerengine"
	"github.com/oc-outpost/orchestrator/internal/errorreport"
	"github.com/oc-outpost/orchestrator/internal/portpool"
	"github.com/oc-outpost/orchestrator/internal/store"
	"github.com/oc-outpost/orchestrator/internal/wire"
)

// Handle is a live, in-memory view of a worker instance. Callers read its
// fields through the accessor methods, which take the handle's own lock;
// the handle's lock is never held across I/O.
type Handle struct {
	mu sync.RWMutex

	info         wire.InstanceInfo
	lastActivity time.Time
}

func newHandle(info wire.InstanceInfo) *Handle {
	return &Handle{info: info, lastActivity: time.Now()}
}

// Info returns a snapshot of the instance record.
func (h *Handle) Info() wire.InstanceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

func (h *Handle) setInfo(info wire.InstanceInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = info
}

func (h *Handle) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
}

func (h *Handle) idleSince() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.Since(h.lastActivity)
}

// Status is the aggregated fleet status returned by GetStatus.
type Status struct {
	Total          int
	Running        int
	Stopped        int
	Error          int
	AvailablePorts int
}

// Manager is the Instance Manager. The global map mutex protects only the
// map itself; per-instance reads/writes go through the Handle's own lock so
// instance operations don't serialize on each other.
type Manager struct {
	cfg    *config.Config
	stores Stores
	pool   *portpool.Pool
	driver containerengine.Driver

	mu     sync.RWMutex
	live   map[string]*Handle // by instance id
	byPath map[string]string  // project_path -> instance id, cache of live lookups

	restartMu     sync.Mutex
	restartCounts map[string]int // keyed by project_path: carries across id-change

	healthCancel context.CancelFunc

	// ErrReport is the correlation-tagged error reporter (§4.8). A nil
	// value is safe: reportSystemError no-ops past the local ERROR log.
	ErrReport *errorreport.Reporter
}

// reportSystemError logs and, if a collector is configured, relays a
// system-kind error with its correlation fields. Every kind the Instance
// Manager constructs here is system-triggered (container/port/db
// failures), never user-triggered, but the kind is still threaded through
// reportSystemError for consistency with the Router's call sites.
func (m *Manager) reportSystemError(kind wire.ErrorKind, err error, fields map[string]interface{}) {
	if kind.IsUserTriggered() {
		return
	}
	m.ErrReport.Report(kind, err, fields)
}

// Stores bundles the two persistence stores the manager depends on.
type Stores struct {
	Instances *store.InstanceStore
	Bindings  *store.BindingStore
}

// New creates a Manager. Call RecoverFromDB and ReconcileContainers once at
// startup, then StartHealthCheckLoop.
func New(cfg *config.Config, stores Stores, pool *portpool.Pool, driver containerengine.Driver) *Manager {
	return &Manager{
		cfg:           cfg,
		stores:        stores,
		pool:          pool,
		driver:        driver,
		live:          make(map[string]*Handle),
		byPath:        make(map[string]string),
		restartCounts: make(map[string]int),
	}
}

// ErrMaxInstancesReached is returned by GetOrCreate when the Managed
// instance cap has already been hit.
var ErrMaxInstancesReached = fmt.Errorf("max instances reached")

// ErrNotFound is returned by instance-targeted operations on unknown ids.
var ErrNotFound = fmt.Errorf("instance not found")

func (m *Manager) managedLiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, h := range m.live {
		info := h.Info()
		if info.Type == wire.TypeManaged && (info.State == wire.StateRunning || info.State == wire.StateStarting) {
			n++
		}
	}
	return n
}

func (m *Manager) registerHandle(h *Handle) {
	info := h.Info()
	m.mu.Lock()
	m.live[info.ID] = h
	m.byPath[info.ProjectPath] = info.ID
	m.mu.Unlock()
}

func (m *Manager) unregisterHandle(id, projectPath string) {
	m.mu.Lock()
	delete(m.live, id)
	if m.byPath[projectPath] == id {
		delete(m.byPath, projectPath)
	}
	m.mu.Unlock()
}

// GetInstance returns the live handle for id, if any.
func (m *Manager) GetInstance(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.live[id]
	return h, ok
}

// GetInstanceByPath returns the live handle currently bound to projectPath.
func (m *Manager) GetInstanceByPath(projectPath string) (*Handle, bool) {
	m.mu.RLock()
	id, ok := m.byPath[projectPath]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	h := m.live[id]
	m.mu.RUnlock()
	return h, h != nil
}

// RecordActivity updates the per-instance last-activity timestamp used by
// idle eviction.
func (m *Manager) RecordActivity(id string) {
	if h, ok := m.GetInstance(id); ok {
		h.touch()
	}
}

// GetStatus returns the aggregated fleet status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	st := Status{AvailablePorts: m.cfg.OpencodePortPoolSize - m.pool.AllocatedCount()}
	for _, h := range handles {
		st.Total++
		switch h.Info().State {
		case wire.StateRunning, wire.StateStarting:
			st.Running++
		case wire.StateStopped, wire.StateStopping:
			st.Stopped++
		case wire.StateError:
			st.Error++
		}
	}
	return st
}

// StopInstance transitions an instance to Stopping then Stopped, releases
// its port, and removes its persisted record (for Managed instances;
// External records are retained). Idempotent: stopping an unknown id
// returns ErrNotFound rather than panicking, matching the spec's "must be
// idempotent for unknown ids" requirement at the caller-visible level.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	h, ok := m.GetInstance(id)
	if !ok {
		return ErrNotFound
	}
	info := h.Info()

	info.State = wire.StateStopping
	h.setInfo(info)

	if info.Type == wire.TypeManaged {
		if info.ContainerID != "" {
			if err := m.driver.StopContainer(ctx, info.ContainerID, 10); err != nil {
				return fmt.Errorf("stop container %s: %w", info.ContainerID, err)
			}
			if err := m.driver.RemoveContainer(ctx, info.ContainerID, false); err != nil {
				return fmt.Errorf("remove container %s: %w", info.ContainerID, err)
			}
		}
		m.pool.Release(info.Port)
		if err := m.stores.Instances.Delete(info.ID); err != nil {
			return fmt.Errorf("delete instance record %s: %w", info.ID, err)
		}
	} else {
		info.State = wire.StateStopped
		info.StoppedAtMs = wire.NowMillis()
		h.setInfo(info)
		if err := m.stores.Instances.Upsert(info); err != nil {
			return fmt.Errorf("persist stopped instance %s: %w", info.ID, err)
		}
	}

	m.unregisterHandle(info.ID, info.ProjectPath)
	return nil
}

// StopAll asserts the health-loop cancel signal, then stops every live
// Managed instance, collecting per-instance errors into one aggregated
// error. External instances are left running: another process owns their
// lifecycle, and stop_all/idle eviction must not kill them out from under
// it.
func (m *Manager) StopAll(ctx context.Context) error {
	if m.healthCancel != nil {
		m.healthCancel()
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.live))
	for id, h := range m.live {
		if h.Info().Type != wire.TypeManaged {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopInstance(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop_all: %d instance(s) failed to stop: %w", len(errs), joinErrors(errs))
	}
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
