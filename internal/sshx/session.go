// Package sshx provides the SSH transport used to reach remote container
// runtimes: command execution plus unix-socket tunneling for the runtime API.
package sshx

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectError reports a failed SSH connection.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh connect %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Options configures a Session.
type Options struct {
	Host string
	Port int
	User string

	// KeyPath selects a private key file. Empty tries the SSH agent and the
	// default ~/.ssh keys.
	KeyPath string
	// TrustFirstConnection appends unknown host keys to known_hosts instead
	// of failing. Known hosts with mismatched keys always fail.
	TrustFirstConnection bool
	// KnownHostsPath overrides ~/.ssh/known_hosts.
	KnownHostsPath string
	// DialTimeout bounds TCP connect + handshake. Zero means 30s.
	DialTimeout time.Duration
}

// Session is an authenticated SSH connection to one host.
type Session struct {
	client *ssh.Client
	logger zerolog.Logger
	host   string
}

// ExecResult carries the outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit code.
func (r *ExecResult) Success() bool { return r.ExitCode == 0 }

// Connect opens an SSH session to the host described by opts.
func Connect(opts Options, logger zerolog.Logger) (*Session, error) {
	user := opts.User
	if user == "" {
		user = os.Getenv("USER")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	auth, err := authMethods(opts.KeyPath)
	if err != nil {
		return nil, &ConnectError{Host: opts.Host, Err: err}
	}

	hostKeyCallback, err := hostKeyPolicy(opts)
	if err != nil {
		return nil, &ConnectError{Host: opts.Host, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, &ConnectError{Host: opts.Host, Err: err}
	}

	return &Session{
		client: client,
		logger: logger.With().Str("component", "ssh").Str("host", opts.Host).Logger(),
		host:   opts.Host,
	}, nil
}

// authMethods builds the auth chain: explicit key, then agent, then the
// default key files.
func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyPath != "" {
		signer, err := loadKey(keyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			signer, err := loadKey(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no usable SSH key or agent")
	}
	return methods, nil
}

func loadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	return signer, nil
}

// hostKeyPolicy returns a strict known_hosts callback, optionally extended
// with trust-on-first-use for hosts that are not yet recorded.
func hostKeyPolicy(opts Options) (ssh.HostKeyCallback, error) {
	path := opts.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create ssh dir: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}

	strict, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}

	if !opts.TrustFirstConnection {
		return strict, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := strict(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// Unknown host: record and accept.
			line := knownhosts.Line([]string{hostname}, key)
			f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			if ferr != nil {
				return fmt.Errorf("record host key: %w", ferr)
			}
			defer f.Close()
			if _, ferr := f.WriteString(line + "\n"); ferr != nil {
				return fmt.Errorf("record host key: %w", ferr)
			}
			return nil
		}
		return err
	}, nil
}

// Exec runs argv on the remote host and captures its output. The argv is
// quoted per element, never joined through a shell unescaped.
func (s *Session) Exec(argv ...string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}

	result := &ExecResult{}
	err = sess.Run(strings.Join(quoted, " "))
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("exec on %s: %w", s.host, err)
	}
	return result, nil
}

// FileExists probes for a path (typically a runtime socket) on the remote.
func (s *Session) FileExists(path string) (bool, error) {
	result, err := s.Exec("test", "-e", path)
	if err != nil {
		return false, err
	}
	return result.Success(), nil
}

// shellQuote single-quotes one argv element for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Close terminates the connection.
func (s *Session) Close() error {
	return s.client.Close()
}
