package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config file locations probed by Discover, in order.
const (
	Filename    = "peleka.yml"
	FilenameAlt = "peleka.yaml"
	FilenameDir = ".peleka/config.yml"
)

// NotFoundError reports that no config file exists in the searched directory.
type NotFoundError struct {
	Dir string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("configuration file not found in %s", e.Dir)
}

// Config is the merged deployment configuration for one service.
type Config struct {
	Service string   `yaml:"service" validate:"required"`
	Image   string   `yaml:"image" validate:"required"`
	Servers []Server `yaml:"servers" validate:"dive"`

	Ports   []string            `yaml:"ports"`
	Volumes []string            `yaml:"volumes"`
	Env     map[string]EnvValue `yaml:"env"`
	Labels  map[string]string   `yaml:"labels"`
	Command []string            `yaml:"command"`

	Healthcheck *Healthcheck `yaml:"healthcheck"`

	HealthTimeout    Duration `yaml:"health_timeout"`
	ImagePullTimeout Duration `yaml:"image_pull_timeout"`
	PullPolicy       string   `yaml:"pull_policy" validate:"omitempty,oneof=always never"`

	Resources *Resources `yaml:"resources"`
	Network   *Network   `yaml:"network"`
	Restart   string     `yaml:"restart"`
	Strategy  string     `yaml:"strategy" validate:"omitempty,oneof=blue-green recreate"`
	Stop      Stop       `yaml:"stop"`
	Cleanup   Cleanup    `yaml:"cleanup"`
	Logging   *Logging   `yaml:"logging"`

	Destinations map[string]Destination `yaml:"destinations"`
}

// Healthcheck configures the exec probe run inside the new container.
type Healthcheck struct {
	Cmd         []string `yaml:"cmd" validate:"required,min=1"`
	Interval    Duration `yaml:"interval"`
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries" validate:"omitempty,min=1"`
	StartPeriod Duration `yaml:"start_period"`
}

// Resources bounds container memory and cpu.
type Resources struct {
	Memory string `yaml:"memory"`
	CPUs   string `yaml:"cpus"`
}

// Network attaches the container to a named network with optional aliases.
type Network struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Stop configures graceful shutdown.
type Stop struct {
	Timeout Duration `yaml:"timeout"`
}

// Cleanup configures the grace period before retired containers are removed.
type Cleanup struct {
	GracePeriod Duration `yaml:"grace_period"`
}

// Logging selects the container logging driver.
type Logging struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

// Destination is a named set of overrides (staging, production, ...).
type Destination struct {
	Servers     []Server            `yaml:"servers"`
	Env         map[string]EnvValue `yaml:"env"`
	Labels      map[string]string   `yaml:"labels"`
	Ports       []string            `yaml:"ports"`
	Volumes     []string            `yaml:"volumes"`
	Healthcheck *Healthcheck        `yaml:"healthcheck"`
}

func (c *Config) applyDefaults() {
	if c.HealthTimeout == 0 {
		c.HealthTimeout = Duration(2 * time.Minute)
	}
	if c.ImagePullTimeout == 0 {
		c.ImagePullTimeout = Duration(5 * time.Minute)
	}
	if c.PullPolicy == "" {
		c.PullPolicy = "always"
	}
	if c.Restart == "" {
		c.Restart = "unless-stopped"
	}
	if c.Stop.Timeout == 0 {
		c.Stop.Timeout = Duration(30 * time.Second)
	}
	if c.Cleanup.GracePeriod == 0 {
		c.Cleanup.GracePeriod = Duration(30 * time.Second)
	}
	if hc := c.Healthcheck; hc != nil {
		if hc.Interval == 0 {
			hc.Interval = Duration(10 * time.Second)
		}
		if hc.Timeout == 0 {
			hc.Timeout = Duration(5 * time.Second)
		}
		if hc.Retries == 0 {
			hc.Retries = 3
		}
	}
	for i := range c.Servers {
		if c.Servers[i].Port == 0 {
			c.Servers[i].Port = 22
		}
	}
}

// Parse reads a config from YAML bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Discover finds and loads the config file in dir, trying peleka.yml,
// peleka.yaml, then .peleka/config.yml.
func Discover(dir string) (*Config, error) {
	for _, name := range []string{Filename, FilenameAlt, FilenameDir} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, &NotFoundError{Dir: dir}
}

// ForDestination returns a copy of the config with the named destination's
// overrides applied. Servers, ports, volumes and healthcheck replace; env and
// labels deep-merge.
func (c *Config) ForDestination(name string) (*Config, error) {
	dest, ok := c.Destinations[name]
	if !ok {
		return nil, fmt.Errorf("unknown destination: %s", name)
	}

	merged := *c
	if len(dest.Servers) > 0 {
		merged.Servers = dest.Servers
	}
	if len(dest.Ports) > 0 {
		merged.Ports = dest.Ports
	}
	if len(dest.Volumes) > 0 {
		merged.Volumes = dest.Volumes
	}
	if dest.Healthcheck != nil {
		merged.Healthcheck = dest.Healthcheck
	}
	if len(dest.Env) > 0 {
		env := make(map[string]EnvValue, len(c.Env)+len(dest.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		for k, v := range dest.Env {
			env[k] = v
		}
		merged.Env = env
	}
	if len(dest.Labels) > 0 {
		labels := make(map[string]string, len(c.Labels)+len(dest.Labels))
		for k, v := range c.Labels {
			labels[k] = v
		}
		for k, v := range dest.Labels {
			labels[k] = v
		}
		merged.Labels = labels
	}

	// Overrides go through the same checks as the base config: a
	// destination can introduce placeholder hosts or bad port specs.
	merged.applyDefaults()
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("destination %s: %w", name, err)
	}
	return &merged, nil
}

// HasHostPortBindings reports whether any ports entry binds a static host
// port ("HOST:CONT"). Such bindings prevent blue-green deployment because
// only one container can hold a host port at a time.
func (c *Config) HasHostPortBindings() bool {
	for _, p := range c.Ports {
		portPart := p
		if i := strings.Index(p, "/"); i >= 0 {
			portPart = p[:i]
		}
		if strings.Contains(portPart, ":") {
			return true
		}
	}
	return false
}

// StopTimeout returns the configured stop grace period.
func (c *Config) StopTimeout() time.Duration { return c.Stop.Timeout.Std() }

// NetworkName returns the configured network name, or "" when the container
// stays on the runtime's default network.
func (c *Config) NetworkName() string {
	if c.Network == nil {
		return ""
	}
	return c.Network.Name
}
