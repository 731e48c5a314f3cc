package runtime

import (
	"context"

	"github.com/rs/zerolog"
)

// Podman drives a Podman daemon through its Docker-compatible API. The
// compat surface is a subset of Docker's; plan fields the target cannot
// honor are downgraded with a diagnostic rather than failing the deploy.
type Podman struct {
	*Docker
}

// Logging drivers podman accepts through the compat API.
var podmanLogDrivers = map[string]bool{
	"":         true,
	"json-file": true,
	"k8s-file":  true,
	"journald":  true,
	"none":      true,
}

// NewPodman connects a compat client to the given endpoint.
func NewPodman(endpoint string, logger zerolog.Logger, warn WarnFunc) (*Podman, error) {
	d, err := NewDocker(endpoint, logger, warn)
	if err != nil {
		return nil, err
	}
	d.kind = KindPodman
	d.logger = logger.With().Str("component", "runtime").Str("kind", string(KindPodman)).Logger()
	return &Podman{Docker: d}, nil
}

// Create implements Runtime, downgrading plan fields podman cannot honor.
func (p *Podman) Create(ctx context.Context, spec *ContainerSpec) (string, error) {
	adjusted := *spec

	if !podmanLogDrivers[spec.LogDriver] {
		p.warn("podman does not support logging driver %q, using the default", spec.LogDriver)
		adjusted.LogDriver = ""
		adjusted.LogOptions = nil
	}

	// Podman's compat API only applies aliases on user-defined networks.
	if len(spec.NetworkAliases) > 0 && spec.Network == "" {
		p.warn("podman ignores network aliases outside a named network, dropping %d alias(es)", len(spec.NetworkAliases))
		adjusted.NetworkAliases = nil
	}

	return p.Docker.Create(ctx, &adjusted)
}
