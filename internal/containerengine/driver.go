// Package containerengine abstracts over a host container engine so the
// Instance Manager can create, start, stop, remove, and inspect worker
// containers without depending on a specific engine's client library.
package containerengine

import "context"

// State is the normalized lifecycle state of a container as reported by
// Inspect, independent of the backing engine's own vocabulary.
type State struct {
	Phase    Phase
	ExitCode int    // valid when Phase == Exited
	Raw      string // engine-reported state string, kept for Unknown
}

type Phase string

const (
	PhaseRunning Phase = "running"
	PhaseExited  Phase = "exited"
	PhaseCreated Phase = "created"
	PhaseUnknown Phase = "unknown"
)

// Mount is a host bind mount into the container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortMapping binds a container port to a loopback-only host port.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// Config fully describes a container to be created.
type Config struct {
	Name    string // oc-<instance_id>
	Image   string
	Command []string
	Mounts  []Mount
	Ports   []PortMapping
	Env     []string // "KEY=value" pairs, already allow-list filtered
}

// Info is what Inspect and ListByPrefix return about a container.
type Info struct {
	ID    string
	Name  string
	State State
}

// Driver is the capability set any container engine backend must implement.
// Stop and Remove must be idempotent on "already in the target state" /
// "not found", per §4.2; InspectContainer reports an error for an unknown id.
type Driver interface {
	CreateContainer(ctx context.Context, cfg Config) (id string, err error)
	StartContainer(ctx context.Context, id string) error
	// StopContainer must treat "already stopped" and "not found" as success.
	StopContainer(ctx context.Context, id string, graceSeconds int) error
	// RemoveContainer must treat "not found" as success.
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (Info, error)
	ListContainersByPrefix(ctx context.Context, namePrefix string) ([]Info, error)
}

// ContainerName computes the standard container name for an instance id.
func ContainerName(instanceID string) string {
	return "oc-" + instanceID
}
