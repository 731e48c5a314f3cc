package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/peleka/peleka/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config for structural and semantic errors. All checks
// run before any remote connection is opened.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := model.NewServiceName(c.Service); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := model.ValidateImageRef(c.Image); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Servers) == 0 {
		return &NoServersError{}
	}
	for _, s := range c.Servers {
		if s.Host == "server.example.com" {
			return fmt.Errorf("invalid configuration: server host %q is a placeholder, configure a real server", s.Host)
		}
	}
	for _, p := range c.Ports {
		if err := validatePortSpec(p); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	for _, v := range c.Volumes {
		if err := validateVolumeSpec(v); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if err := validateRestartPolicy(c.Restart); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// NoServersError reports a config with an empty server list.
type NoServersError struct{}

func (e *NoServersError) Error() string { return "no servers configured" }

// validatePortSpec accepts "CONT", "HOST:CONT", or either with a "/tcp" or
// "/udp" suffix.
func validatePortSpec(spec string) error {
	portPart := spec
	if i := strings.Index(spec, "/"); i >= 0 {
		proto := spec[i+1:]
		if proto != "tcp" && proto != "udp" {
			return fmt.Errorf("port %q: unknown protocol %q", spec, proto)
		}
		portPart = spec[:i]
	}
	parts := strings.Split(portPart, ":")
	if len(parts) > 2 {
		return fmt.Errorf("port %q: expected CONT or HOST:CONT", spec)
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("port %q: %q is not a valid port number", spec, p)
		}
	}
	return nil
}

// validateVolumeSpec accepts "SRC:DST", "SRC:DST:ro" or "SRC:DST:rw".
func validateVolumeSpec(spec string) error {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return fmt.Errorf("volume %q: mode must be ro or rw", spec)
		}
	default:
		return fmt.Errorf("volume %q: expected SRC:DST[:ro]", spec)
	}
	if parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("volume %q: source and target must be non-empty", spec)
	}
	if !strings.HasPrefix(parts[1], "/") {
		return fmt.Errorf("volume %q: target must be an absolute path", spec)
	}
	return nil
}

func validateRestartPolicy(policy string) error {
	switch policy {
	case "no", "always", "unless-stopped", "on-failure":
		return nil
	}
	if retries, ok := strings.CutPrefix(policy, "on-failure:"); ok {
		if _, err := strconv.Atoi(retries); err == nil {
			return nil
		}
	}
	return fmt.Errorf("unknown restart policy %q", policy)
}
