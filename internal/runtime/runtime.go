// Package runtime drives a remote container runtime (Docker or Podman)
// through its Docker-compatible HTTP API, reached over an SSH tunnel.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/peleka/peleka/internal/model"
)

// Kind identifies the runtime variant behind the adapter.
type Kind string

const (
	KindDocker Kind = "docker"
	KindPodman Kind = "podman"
)

// Well-known remote socket paths.
const (
	DockerSocket       = "/var/run/docker.sock"
	PodmanSocket       = "/run/podman/podman.sock"
	podmanRootlessSock = "/run/user/%s/podman/podman.sock"
)

// WarnFunc receives non-fatal diagnostics (feature downgrades and the like).
type WarnFunc func(format string, args ...any)

// ContainerSpec carries every field of a deployment plan the runtime needs
// to create a container.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Labels  map[string]string
	Ports   []string // "CONT", "HOST:CONT", optional "/tcp|udp" suffix
	Volumes []string // "SRC:DST[:ro|rw]"
	Command []string

	RestartPolicy string
	Memory        string // human form, e.g. "512m"
	CPUs          string // fractional cores, e.g. "1.5"

	Network        string
	NetworkAliases []string

	LogDriver  string
	LogOptions map[string]string

	StopTimeout time.Duration
}

// ContainerSummary is one entry from a label-filtered listing.
type ContainerSummary struct {
	ID     string
	Name   string
	State  string // running, exited, created, ...
	Labels map[string]string
}

// Role returns the peleka role label.
func (c *ContainerSummary) Role() model.Role {
	return model.Role(c.Labels[model.LabelRole])
}

// Generation returns the peleka generation label, or 0 when absent/invalid.
func (c *ContainerSummary) Generation() int {
	n, err := model.ParseGeneration(c.Labels[model.LabelGeneration])
	if err != nil {
		return 0
	}
	return n
}

// Running reports whether the container is currently running.
func (c *ContainerSummary) Running() bool { return c.State == "running" }

// ContainerState is a point-in-time inspect result.
type ContainerState struct {
	Status    string // running, exited, created, ...
	Running   bool
	ExitCode  int
	StartedAt time.Time
	Health    string // healthy, unhealthy, starting, none
}

// ExecResult carries the outcome of an in-container exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the uniform capability set the deployment state machine
// depends on.
type Runtime interface {
	Kind() Kind

	// Pull fetches an image; idempotent. Returns *PullTimeoutError on
	// deadline expiry and *PullError on registry failures.
	Pull(ctx context.Context, image string, timeout time.Duration) error

	// Create creates but does not start a container.
	Create(ctx context.Context, spec *ContainerSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, id string) error

	// Stop sends a graceful stop; after grace, the runtime kills.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes a container; an already-gone container is success.
	Remove(ctx context.Context, id string, force bool) error

	// Exec runs argv inside the container (API-level, never a shell).
	Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (*ExecResult, error)

	// Inspect returns the container's current state.
	Inspect(ctx context.Context, id string) (*ContainerState, error)

	// ListByService returns containers labeled peleka.service=<service>,
	// including stopped ones.
	ListByService(ctx context.Context, service model.ServiceName) ([]ContainerSummary, error)

	// UpdateLabels sets labels on an existing container through the
	// runtime's container-update endpoint.
	UpdateLabels(ctx context.Context, id string, set map[string]string) error

	// EnsureNetwork creates the named network if it does not exist.
	EnsureNetwork(ctx context.Context, name string) error

	Close() error
}

// NoRuntimeError reports that neither runtime socket responded.
type NoRuntimeError struct {
	Host string
}

func (e *NoRuntimeError) Error() string {
	return fmt.Sprintf("no container runtime detected on %s (checked Docker and Podman sockets)", e.Host)
}

// ConnectError reports a socket that exists but whose API did not respond.
type ConnectError struct {
	Kind   Kind
	Socket string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s runtime at %s: %v", e.Kind, e.Socket, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// APIError wraps a runtime API failure with the failed operation.
type APIError struct {
	Op     string
	Detail string
	Err    error
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("runtime %s %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// PullTimeoutError reports an image pull that exceeded its deadline.
type PullTimeoutError struct {
	Image   string
	Timeout time.Duration
}

func (e *PullTimeoutError) Error() string {
	return fmt.Sprintf("pull of %s timed out after %s", e.Image, e.Timeout)
}

// PullError reports a registry or auth failure during pull.
type PullError struct {
	Image  string
	Detail string
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull of %s failed: %s", e.Image, e.Detail)
}
