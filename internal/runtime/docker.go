package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/peleka/peleka/internal/model"
)

// Docker drives a Docker engine over its HTTP API. The endpoint is usually
// a local unix socket tunneled to the remote daemon.
type Docker struct {
	cli      *client.Client
	http     *http.Client
	kind     Kind
	endpoint string
	warn     WarnFunc
	logger   zerolog.Logger
}

// NewDocker connects a client to the given endpoint ("unix:///path").
func NewDocker(endpoint string, logger zerolog.Logger, warn WarnFunc) (*Docker, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	socketPath := strings.TrimPrefix(endpoint, "unix://")
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 30 * time.Second,
	}

	return &Docker{
		cli:      cli,
		http:     httpClient,
		kind:     KindDocker,
		endpoint: endpoint,
		warn:     warn,
		logger:   logger.With().Str("component", "runtime").Str("kind", string(KindDocker)).Logger(),
	}, nil
}

// Kind implements Runtime.
func (d *Docker) Kind() Kind { return d.kind }

// Ping verifies the API responds by querying its version endpoint.
func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.cli.ServerVersion(ctx)
	return err
}

// Pull implements Runtime.
func (d *Docker) Pull(ctx context.Context, img string, timeout time.Duration) error {
	pullCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, err := d.cli.ImagePull(pullCtx, img, image.PullOptions{})
	if err != nil {
		if errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			return &PullTimeoutError{Image: img, Timeout: timeout}
		}
		return &PullError{Image: img, Detail: err.Error()}
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		if errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			return &PullTimeoutError{Image: img, Timeout: timeout}
		}
		return &PullError{Image: img, Detail: err.Error()}
	}
	return nil
}

// Create implements Runtime.
func (d *Docker) Create(ctx context.Context, spec *ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed, bindings, err := parsePorts(spec.Ports)
	if err != nil {
		return "", &APIError{Op: "create", Detail: spec.Name, Err: err}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		Cmd:          spec.Command,
		ExposedPorts: exposed,
	}
	if spec.StopTimeout > 0 {
		secs := int(spec.StopTimeout.Seconds())
		cfg.StopTimeout = &secs
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        spec.Volumes,
	}

	if spec.RestartPolicy != "" {
		policy, err := parseRestartPolicy(spec.RestartPolicy)
		if err != nil {
			return "", &APIError{Op: "create", Detail: spec.Name, Err: err}
		}
		hostCfg.RestartPolicy = policy
	}

	if spec.Memory != "" {
		mem, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return "", &APIError{Op: "create", Detail: spec.Name, Err: fmt.Errorf("memory %q: %w", spec.Memory, err)}
		}
		hostCfg.Resources.Memory = mem
	}
	if spec.CPUs != "" {
		cpus, err := strconv.ParseFloat(spec.CPUs, 64)
		if err != nil {
			return "", &APIError{Op: "create", Detail: spec.Name, Err: fmt.Errorf("cpus %q: %w", spec.CPUs, err)}
		}
		hostCfg.Resources.NanoCPUs = int64(cpus * 1e9)
	}

	if spec.LogDriver != "" {
		hostCfg.LogConfig = container.LogConfig{
			Type:   spec.LogDriver,
			Config: spec.LogOptions,
		}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.NetworkAliases},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", &APIError{Op: "create", Detail: spec.Name, Err: err}
	}
	return resp.ID, nil
}

// Start implements Runtime.
func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return &APIError{Op: "start", Detail: id, Err: err}
	}
	return nil
}

// Stop implements Runtime.
func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return &APIError{Op: "stop", Detail: id, Err: err}
	}
	return nil
}

// Remove implements Runtime. An already-gone container is success.
func (d *Docker) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return &APIError{Op: "remove", Detail: id, Err: err}
	}
	return nil
}

// Exec implements Runtime. The argv is passed to the exec API as a list,
// never shell-interpolated.
func (d *Docker) Exec(ctx context.Context, id string, argv []string, timeout time.Duration) (*ExecResult, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := d.cli.ContainerExecCreate(execCtx, id, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, &APIError{Op: "exec create", Detail: id, Err: err}
	}

	attach, err := d.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, &APIError{Op: "exec attach", Detail: id, Err: err}
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, &APIError{Op: "exec read", Detail: id, Err: err}
	}

	inspect, err := d.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return nil, &APIError{Op: "exec inspect", Detail: id, Err: err}
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Inspect implements Runtime.
func (d *Docker) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, &APIError{Op: "inspect", Detail: id, Err: err}
	}

	state := &ContainerState{Health: "none"}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = t
		}
		if info.State.Health != nil {
			state.Health = info.State.Health.Status
		}
	}
	return state, nil
}

// ListByService implements Runtime.
func (d *Docker) ListByService(ctx context.Context, service model.ServiceName) ([]ContainerSummary, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", model.LabelService+"="+service.String()),
		),
	})
	if err != nil {
		return nil, &APIError{Op: "list", Err: err}
	}

	summaries := make([]ContainerSummary, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:     c.ID,
			Name:   name,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return summaries, nil
}

// UpdateLabels implements Runtime via the container-update endpoint. The
// current label set is read first and the update posts the merged map.
func (d *Docker) UpdateLabels(ctx context.Context, id string, set map[string]string) error {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return &APIError{Op: "update labels", Detail: id, Err: err}
	}

	merged := make(map[string]string, len(info.Config.Labels)+len(set))
	for k, v := range info.Config.Labels {
		merged[k] = v
	}
	for k, v := range set {
		merged[k] = v
	}

	body, err := json.Marshal(map[string]any{"Labels": merged})
	if err != nil {
		return &APIError{Op: "update labels", Detail: id, Err: err}
	}

	url := fmt.Sprintf("http://localhost/v%s/containers/%s/update", d.cli.ClientVersion(), id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &APIError{Op: "update labels", Detail: id, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return &APIError{Op: "update labels", Detail: id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Op:     "update labels",
			Detail: id,
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
		}
	}
	return nil
}

// EnsureNetwork implements Runtime.
func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return &APIError{Op: "network inspect", Detail: name, Err: err}
	}
	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return &APIError{Op: "network create", Detail: name, Err: err}
	}
	return nil
}

// Close implements Runtime.
func (d *Docker) Close() error {
	d.http.CloseIdleConnections()
	return d.cli.Close()
}

// parsePorts converts "CONT" / "HOST:CONT" specs to docker port structures.
func parsePorts(specs []string) (nat.PortSet, nat.PortMap, error) {
	if len(specs) == 0 {
		return nil, nil, nil
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ports: %w", err)
	}
	return exposed, bindings, nil
}

// parseRestartPolicy parses "no", "always", "unless-stopped",
// "on-failure[:N]".
func parseRestartPolicy(policy string) (container.RestartPolicy, error) {
	name := policy
	retries := 0
	if r, ok := strings.CutPrefix(policy, "on-failure:"); ok {
		n, err := strconv.Atoi(r)
		if err != nil {
			return container.RestartPolicy{}, fmt.Errorf("restart policy %q: %w", policy, err)
		}
		name, retries = "on-failure", n
	}
	switch name {
	case "no", "always", "unless-stopped", "on-failure":
	default:
		return container.RestartPolicy{}, fmt.Errorf("unknown restart policy %q", policy)
	}
	return container.RestartPolicy{
		Name:              container.RestartPolicyMode(name),
		MaximumRetryCount: retries,
	}, nil
}
