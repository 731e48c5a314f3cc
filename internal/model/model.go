package model

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/distribution/reference"
	"github.com/google/uuid"
)

// Label keys stamped on every container peleka manages. Labels are the sole
// source of truth for role identification; there is no state file.
const (
	LabelService    = "peleka.service"
	LabelGeneration = "peleka.generation"
	LabelColor      = "peleka.color"
	LabelRole       = "peleka.role"
	LabelDeployID   = "peleka.deploy-id"
)

// Role of a container within a service's deployment lifecycle.
type Role string

const (
	RoleLive     Role = "live"
	RolePrevious Role = "previous"
	RolePending  Role = "pending"

	// RolePreviousCandidate marks the outgoing live container mid-rollback.
	RolePreviousCandidate Role = "previous-candidate"
)

// Color alternates between generations so two containers of one service can
// coexist during a blue-green deploy.
type Color string

const (
	ColorBlue  Color = "blue"
	ColorGreen Color = "green"
)

// Opposite returns the other color.
func (c Color) Opposite() Color {
	if c == ColorBlue {
		return ColorGreen
	}
	return ColorBlue
}

var serviceNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ServiceName is a lower-case DNS-label-compatible service identifier.
type ServiceName string

// NewServiceName validates and returns a service name.
func NewServiceName(s string) (ServiceName, error) {
	if len(s) < 1 || len(s) > 63 {
		return "", fmt.Errorf("service name %q must be 1-63 characters", s)
	}
	if !serviceNameRe.MatchString(s) {
		return "", fmt.Errorf("service name %q must match %s", s, serviceNameRe.String())
	}
	return ServiceName(s), nil
}

func (s ServiceName) String() string { return string(s) }

// ContainerName returns the deterministic container name for a service color.
func ContainerName(service ServiceName, color Color) string {
	return fmt.Sprintf("%s-%s", service, color)
}

// LockName returns the reserved deploy-lock marker name for a service.
func LockName(service ServiceName) string {
	return "peleka-lock-" + string(service)
}

// ValidateImageRef checks that an image reference is well-formed. The
// reference is otherwise treated opaquely and passed verbatim to the runtime.
func ValidateImageRef(image string) error {
	if image == "" {
		return fmt.Errorf("image reference is empty")
	}
	if _, err := reference.ParseNormalizedNamed(image); err != nil {
		return fmt.Errorf("image reference %q: %w", image, err)
	}
	return nil
}

// NewDeployID returns an opaque id identifying one deployment run.
func NewDeployID() string {
	return uuid.New().String()
}

// Generation identifies one deployment instance on a host: a monotonic
// integer plus an alternating color.
type Generation struct {
	Number int
	Color  Color
}

func (g Generation) String() string {
	return fmt.Sprintf("%d/%s", g.Number, g.Color)
}

// ParseGeneration reads a generation number from its label form.
func ParseGeneration(label string) (int, error) {
	n, err := strconv.Atoi(label)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid generation label %q", label)
	}
	return n, nil
}
