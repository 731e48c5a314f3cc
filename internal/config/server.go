package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Server is one deployment target reached over SSH.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// Runtime forces "docker" or "podman" instead of auto-detection.
	Runtime string `yaml:"runtime" validate:"omitempty,oneof=docker podman"`
	// Socket overrides the remote runtime socket path.
	Socket string `yaml:"socket"`
	// KeyPath points at a private key file; empty means agent + default keys.
	KeyPath string `yaml:"key_path"`
	// TrustFirstConnection records unknown host keys instead of failing.
	TrustFirstConnection bool `yaml:"trust_first_connection"`
}

// UnmarshalYAML accepts either a "[user@]host[:port]" shorthand string or a
// structured mapping.
func (s *Server) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var addr string
		if err := value.Decode(&addr); err != nil {
			return err
		}
		parsed, err := ParseServerAddr(addr)
		if err != nil {
			return err
		}
		*s = *parsed
		return nil
	}
	type plain Server
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if p.Port == 0 {
		p.Port = 22
	}
	*s = Server(p)
	return nil
}

// ParseServerAddr parses "[user@]host[:port]".
func ParseServerAddr(addr string) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	s := &Server{Port: 22}
	rest := addr
	if at := strings.Index(rest, "@"); at >= 0 {
		s.User = rest[:at]
		rest = rest[at+1:]
	}
	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port in server address %q", addr)
		}
		s.Port = port
		rest = rest[:colon]
	}
	if rest == "" {
		return nil, fmt.Errorf("hostname cannot be empty in server address %q", addr)
	}
	s.Host = rest
	return s, nil
}

// Addr returns host:port for dialing.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *Server) String() string {
	if s.User != "" {
		return fmt.Sprintf("%s@%s", s.User, s.Host)
	}
	return s.Host
}
