package store

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

// InstanceStore is the Instance Record Store: durable storage for
// wire.InstanceInfo with indexed lookup by id, project path, and port.
type InstanceStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenInstanceStore opens or creates the instance database at path.
func OpenInstanceStore(path string) (*InstanceStore, error) {
	db, err := openDB(path, []func(*sql.DB) error{migrateInstancesV1})
	if err != nil {
		return nil, err
	}
	return &InstanceStore{db: db}, nil
}

func (s *InstanceStore) Close() error { return s.db.Close() }

func migrateInstancesV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			port INTEGER NOT NULL,
			state TEXT NOT NULL,
			instance_type TEXT NOT NULL,
			container_id TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			stopped_at INTEGER NOT NULL DEFAULT 0,
			restart_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_instances_project_path ON instances(project_path);
		CREATE INDEX IF NOT EXISTS idx_instances_port ON instances(port);
		CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state);
	`)
	return err
}

// Upsert writes info, inserting or replacing the row keyed on id.
func (s *InstanceStore) Upsert(info wire.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO instances (id, project_path, port, state, instance_type, container_id, pid, started_at, stopped_at, restart_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			port = excluded.port,
			state = excluded.state,
			instance_type = excluded.instance_type,
			container_id = excluded.container_id,
			pid = excluded.pid,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at,
			restart_count = excluded.restart_count
	`, info.ID, info.ProjectPath, info.Port, string(info.State), string(info.Type),
		info.ContainerID, info.PID, info.StartedAtMs, info.StoppedAtMs, info.RestartCount)
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", info.ID, err)
	}
	return nil
}

// Delete removes the instance record with the given id. Deleting an unknown
// id is not an error.
func (s *InstanceStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM instances WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

func (s *InstanceStore) scanOne(row *sql.Row) (wire.InstanceInfo, bool, error) {
	var info wire.InstanceInfo
	var state, typ string
	err := row.Scan(&info.ID, &info.ProjectPath, &info.Port, &state, &typ,
		&info.ContainerID, &info.PID, &info.StartedAtMs, &info.StoppedAtMs, &info.RestartCount)
	if err == sql.ErrNoRows {
		return wire.InstanceInfo{}, false, nil
	}
	if err != nil {
		return wire.InstanceInfo{}, false, err
	}
	info.State = wire.InstanceState(state)
	info.Type = wire.InstanceType(typ)
	return info, true, nil
}

const selectInstanceCols = "id, project_path, port, state, instance_type, container_id, pid, started_at, stopped_at, restart_count"

// GetByID looks up an instance record by id.
func (s *InstanceStore) GetByID(id string) (wire.InstanceInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+selectInstanceCols+" FROM instances WHERE id = ?", id)
	info, ok, err := s.scanOne(row)
	if err != nil {
		return wire.InstanceInfo{}, false, fmt.Errorf("get instance %s: %w", id, err)
	}
	return info, ok, nil
}

// GetByPath looks up the (at most one) live instance record for a project path.
func (s *InstanceStore) GetByPath(projectPath string) (wire.InstanceInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+selectInstanceCols+" FROM instances WHERE project_path = ? LIMIT 1", projectPath)
	info, ok, err := s.scanOne(row)
	if err != nil {
		return wire.InstanceInfo{}, false, fmt.Errorf("get instance by path %s: %w", projectPath, err)
	}
	return info, ok, nil
}

// GetByPort looks up the instance record currently holding a port, if any.
func (s *InstanceStore) GetByPort(port int) (wire.InstanceInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+selectInstanceCols+" FROM instances WHERE port = ? LIMIT 1", port)
	info, ok, err := s.scanOne(row)
	if err != nil {
		return wire.InstanceInfo{}, false, fmt.Errorf("get instance by port %d: %w", port, err)
	}
	return info, ok, nil
}

// ListByState returns every instance record in the given state.
func (s *InstanceStore) ListByState(state wire.InstanceState) ([]wire.InstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+selectInstanceCols+" FROM instances WHERE state = ?", string(state))
	if err != nil {
		return nil, fmt.Errorf("list instances by state %s: %w", state, err)
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

// ListManaged returns every instance record with instance_type = Managed,
// used by reconcile_containers to cross-check against the runtime's live
// container list.
func (s *InstanceStore) ListManaged() ([]wire.InstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+selectInstanceCols+" FROM instances WHERE instance_type = ?", string(wire.TypeManaged))
	if err != nil {
		return nil, fmt.Errorf("list managed instances: %w", err)
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

// ListAll returns every persisted instance record, used by ListExternal.
func (s *InstanceStore) ListAll() ([]wire.InstanceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + selectInstanceCols + " FROM instances")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return scanInstanceRows(rows)
}

func scanInstanceRows(rows *sql.Rows) ([]wire.InstanceInfo, error) {
	var out []wire.InstanceInfo
	for rows.Next() {
		var info wire.InstanceInfo
		var state, typ string
		if err := rows.Scan(&info.ID, &info.ProjectPath, &info.Port, &state, &typ,
			&info.ContainerID, &info.PID, &info.StartedAtMs, &info.StoppedAtMs, &info.RestartCount); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		info.State = wire.InstanceState(state)
		info.Type = wire.InstanceType(typ)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	if out == nil {
		out = []wire.InstanceInfo{}
	}
	return out, nil
}
