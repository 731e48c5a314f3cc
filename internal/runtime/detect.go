package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/peleka/peleka/internal/sshx"
)

// Override forces a runtime kind and/or socket instead of auto-detection.
type Override struct {
	Kind   string // "docker", "podman", or ""
	Socket string
}

type candidate struct {
	kind   Kind
	socket string
}

// Connection bundles a connected runtime with the tunnel that carries it.
type Connection struct {
	Runtime Runtime
	Tunnel  *sshx.Tunnel
}

// Close tears down the runtime client and then the tunnel.
func (c *Connection) Close() {
	_ = c.Runtime.Close()
	_ = c.Tunnel.Close()
}

// Detect probes the remote host for a container runtime and returns a
// connected adapter. Probe order: the Docker socket, then the rootful and
// rootless Podman sockets. A socket only counts when its version endpoint
// responds.
func Detect(ctx context.Context, sess *sshx.Session, host string, override Override, logger zerolog.Logger, warn WarnFunc) (*Connection, error) {
	cands, err := candidates(sess, override)
	if err != nil {
		return nil, err
	}

	forced := override.Kind != ""
	for _, cand := range cands {
		exists, err := sess.FileExists(cand.socket)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", cand.socket, err)
		}
		if !exists {
			if forced {
				return nil, &ConnectError{Kind: cand.kind, Socket: cand.socket, Err: fmt.Errorf("socket does not exist")}
			}
			continue
		}

		conn, err := connect(ctx, sess, cand, logger, warn)
		if err != nil {
			if forced {
				return nil, err
			}
			logger.Debug().Err(err).Str("socket", cand.socket).Msg("runtime socket present but not responding")
			continue
		}
		return conn, nil
	}

	return nil, &NoRuntimeError{Host: host}
}

func connect(ctx context.Context, sess *sshx.Session, cand candidate, logger zerolog.Logger, warn WarnFunc) (*Connection, error) {
	tunnel, err := sess.OpenTunnel(cand.socket)
	if err != nil {
		return nil, &ConnectError{Kind: cand.kind, Socket: cand.socket, Err: err}
	}

	var rt Runtime
	switch cand.kind {
	case KindPodman:
		rt, err = NewPodman(tunnel.Endpoint(), logger, warn)
	default:
		rt, err = NewDocker(tunnel.Endpoint(), logger, warn)
	}
	if err != nil {
		_ = tunnel.Close()
		return nil, &ConnectError{Kind: cand.kind, Socket: cand.socket, Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rt.(interface{ Ping(context.Context) error }).Ping(pingCtx); err != nil {
		_ = rt.Close()
		_ = tunnel.Close()
		return nil, &ConnectError{Kind: cand.kind, Socket: cand.socket, Err: err}
	}

	return &Connection{Runtime: rt, Tunnel: tunnel}, nil
}

func candidates(sess *sshx.Session, override Override) ([]candidate, error) {
	if override.Kind != "" {
		kind := Kind(override.Kind)
		socket := override.Socket
		if socket == "" {
			socket = defaultSocket(kind)
		}
		return []candidate{{kind: kind, socket: socket}}, nil
	}

	cands := []candidate{
		{kind: KindDocker, socket: DockerSocket},
		{kind: KindPodman, socket: PodmanSocket},
	}
	if uid, err := remoteUID(sess); err == nil && uid != "" && uid != "0" {
		cands = append(cands, candidate{
			kind:   KindPodman,
			socket: fmt.Sprintf(podmanRootlessSock, uid),
		})
	}
	return cands, nil
}

func remoteUID(sess *sshx.Session) (string, error) {
	result, err := sess.Exec("id", "-u")
	if err != nil || !result.Success() {
		return "", fmt.Errorf("id -u failed")
	}
	return strings.TrimSpace(result.Stdout), nil
}

func defaultSocket(kind Kind) string {
	if kind == KindPodman {
		return PodmanSocket
	}
	return DockerSocket
}
