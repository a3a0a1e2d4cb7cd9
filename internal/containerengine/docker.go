package containerengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// DockerDriver shells out to the docker CLI, the same exec.Command("docker",
// ...) idiom the teacher uses for devcontainer discovery and for spawning
// agent subprocesses via `docker exec`.
type DockerDriver struct {
	// binary is the CLI to invoke; overridable in tests.
	binary string
}

// NewDockerDriver creates a Driver backed by the docker CLI on $PATH.
func NewDockerDriver() *DockerDriver {
	return &DockerDriver{binary: "docker"}
}

func (d *DockerDriver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (d *DockerDriver) CreateContainer(ctx context.Context, cfg Config) (string, error) {
	args := []string{"create", "--name", cfg.Name}
	for _, m := range cfg.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, mode))
	}
	for _, p := range cfg.Ports {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d/tcp", p.HostPort, p.ContainerPort))
	}
	for _, e := range cfg.Env {
		args = append(args, "-e", e)
	}
	if cfg.Image != "" {
		args = append(args, cfg.Image)
	}
	args = append(args, cfg.Command...)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	id := strings.TrimSpace(out)
	slog.Info("containerengine: created container", "name", cfg.Name, "id", id)
	return id, nil
}

func (d *DockerDriver) StartContainer(ctx context.Context, id string) error {
	if _, err := d.run(ctx, "start", id); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// StopContainer is idempotent: docker stop on an already-stopped or missing
// container still exits 0 for "already stopped", but returns non-zero for
// "no such container" — we treat that case as success too.
func (d *DockerDriver) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	args := []string{"stop", "-t", strconv.Itoa(graceSeconds), id}
	_, err := d.run(ctx, args...)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer is idempotent on "not found".
func (d *DockerDriver) RemoveContainer(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	_, err := d.run(ctx, args...)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "No such container")
}

type inspectOutput struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status   string `json:"Status"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
}

func (d *DockerDriver) InspectContainer(ctx context.Context, id string) (Info, error) {
	out, err := d.run(ctx, "inspect", id)
	if err != nil {
		return Info{}, fmt.Errorf("inspect container %s: %w", id, err)
	}

	var parsed []inspectOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil || len(parsed) == 0 {
		return Info{}, fmt.Errorf("inspect container %s: unparseable output", id)
	}
	entry := parsed[0]
	return Info{
		ID:    entry.ID,
		Name:  strings.TrimPrefix(entry.Name, "/"),
		State: normalizeState(entry.State.Status, entry.State.ExitCode),
	}, nil
}

func normalizeState(status string, exitCode int) State {
	switch status {
	case "running":
		return State{Phase: PhaseRunning, Raw: status}
	case "exited", "dead":
		return State{Phase: PhaseExited, ExitCode: exitCode, Raw: status}
	case "created":
		return State{Phase: PhaseCreated, Raw: status}
	default:
		return State{Phase: PhaseUnknown, Raw: status}
	}
}

func (d *DockerDriver) ListContainersByPrefix(ctx context.Context, namePrefix string) ([]Info, error) {
	out, err := d.run(ctx, "ps", "-a", "-q", "--filter", "name=^/"+namePrefix)
	if err != nil {
		return nil, fmt.Errorf("list containers prefix %s: %w", namePrefix, err)
	}

	ids := strings.Fields(out)
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := d.InspectContainer(ctx, id)
		if err != nil {
			slog.Warn("containerengine: failed to inspect listed container", "id", id, "error", err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}
