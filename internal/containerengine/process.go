package containerengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// ProcessDriver is the local-process fallback runtime: instead of a real
// container engine it runs the worker binary directly, attached to a pty so
// its stdout/stderr are line-buffered the way the teacher's terminal
// sessions capture a shell. Intended for local development when no
// container engine is configured (container_runtime=local-process).
type ProcessDriver struct {
	binary string

	mu    sync.Mutex
	procs map[string]*managedProcess
}

type managedProcess struct {
	cmd  *exec.Cmd
	pty  *os.File
	name string
	port int
}

// NewProcessDriver creates a ProcessDriver that runs binary as the worker
// process for every "container".
func NewProcessDriver(binary string) *ProcessDriver {
	return &ProcessDriver{binary: binary, procs: make(map[string]*managedProcess)}
}

// CreateContainer records the process configuration; the process itself is
// not started until StartContainer, matching the create/start split the
// Driver interface expects from real engines.
func (p *ProcessDriver) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	var hostPort int
	if len(cfg.Ports) > 0 {
		hostPort = cfg.Ports[0].HostPort
	}

	args := cfg.Command
	if len(args) == 0 {
		args = []string{}
	}

	// Not tied to ctx: the process must outlive the request that created
	// it, the same way a real container outlives the "docker create" call.
	cmd := exec.Command(p.binary, args...)
	cmd.Env = cfg.Env
	for _, m := range cfg.Mounts {
		if m.ContainerPath == "/workspace" {
			cmd.Dir = m.HostPath
		}
	}

	id := cfg.Name
	p.mu.Lock()
	p.procs[id] = &managedProcess{cmd: cmd, name: cfg.Name, port: hostPort}
	p.mu.Unlock()
	return id, nil
}

// StartContainer starts the pty-attached worker process.
func (p *ProcessDriver) StartContainer(ctx context.Context, id string) error {
	p.mu.Lock()
	mp, ok := p.procs[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("start process %s: %w", id, errNotFound)
	}

	ptmx, err := pty.Start(mp.cmd)
	if err != nil {
		return fmt.Errorf("start process %s: %w", id, err)
	}
	p.mu.Lock()
	mp.pty = ptmx
	p.mu.Unlock()
	return nil
}

var errNotFound = fmt.Errorf("no such process")

// StopContainer sends SIGTERM to the process. Stopping an unknown or already
// exited id is treated as success, matching the idempotence the Driver
// interface requires of real engines.
func (p *ProcessDriver) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	p.mu.Lock()
	mp, ok := p.procs[id]
	p.mu.Unlock()
	if !ok || mp.cmd.Process == nil {
		return nil
	}
	if err := mp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil
	}
	if ps, err := mp.cmd.Process.Wait(); err == nil {
		p.mu.Lock()
		mp.cmd.ProcessState = ps
		p.mu.Unlock()
	}
	return nil
}

// RemoveContainer closes the pty and forgets the process record. Removing an
// unknown id is success.
func (p *ProcessDriver) RemoveContainer(ctx context.Context, id string, force bool) error {
	p.mu.Lock()
	mp, ok := p.procs[id]
	if ok {
		delete(p.procs, id)
	}
	p.mu.Unlock()
	if ok && mp.pty != nil {
		_ = mp.pty.Close()
	}
	return nil
}

// InspectContainer reports Running while the process hasn't exited, Exited
// once Wait has observed termination.
func (p *ProcessDriver) InspectContainer(ctx context.Context, id string) (Info, error) {
	p.mu.Lock()
	mp, ok := p.procs[id]
	p.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("inspect process %s: %w", id, errNotFound)
	}

	state := State{Phase: PhaseRunning}
	if mp.cmd.ProcessState != nil {
		state.Phase = PhaseExited
		state.ExitCode = mp.cmd.ProcessState.ExitCode()
	}
	return Info{ID: id, Name: mp.name, State: state}, nil
}

// ListContainersByPrefix returns every tracked process whose name has the
// given prefix.
func (p *ProcessDriver) ListContainersByPrefix(ctx context.Context, namePrefix string) ([]Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Info
	for id, mp := range p.procs {
		if len(mp.name) < len(namePrefix) || mp.name[:len(namePrefix)] != namePrefix {
			continue
		}
		state := State{Phase: PhaseRunning}
		if mp.cmd.ProcessState != nil {
			state.Phase = PhaseExited
			state.ExitCode = mp.cmd.ProcessState.ExitCode()
		}
		out = append(out, Info{ID: id, Name: mp.name, State: state})
	}
	return out, nil
}
