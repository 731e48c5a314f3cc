package sshx

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Tunnel forwards a local unix socket to a unix socket on the remote host
// through the SSH connection. The local endpoint is handed to the container
// runtime HTTP client.
type Tunnel struct {
	localPath string
	listener  net.Listener
	session   *Session
	remote    string

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// OpenTunnel starts forwarding to remoteSocket and returns the tunnel. The
// local socket lives under the user's temp dir and is removed on Close.
func (s *Session) OpenTunnel(remoteSocket string) (*Tunnel, error) {
	dir, err := os.MkdirTemp("", "peleka-tunnel-")
	if err != nil {
		return nil, fmt.Errorf("create tunnel dir: %w", err)
	}
	localPath := filepath.Join(dir, "runtime.sock")

	listener, err := net.Listen("unix", localPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", localPath, err)
	}

	t := &Tunnel{
		localPath: localPath,
		listener:  listener,
		session:   s,
		remote:    remoteSocket,
		conns:     make(map[net.Conn]struct{}),
	}

	t.wg.Add(1)
	go t.accept()
	return t, nil
}

// LocalPath returns the local unix socket path.
func (t *Tunnel) LocalPath() string { return t.localPath }

// Endpoint returns the docker-client host URL for the local socket.
func (t *Tunnel) Endpoint() string { return "unix://" + t.localPath }

func (t *Tunnel) accept() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			return
		}

		remote, err := t.session.client.Dial("unix", t.remote)
		if err != nil {
			t.session.logger.Warn().Err(err).Str("socket", t.remote).Msg("tunnel dial failed")
			local.Close()
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			local.Close()
			remote.Close()
			return
		}
		t.conns[local] = struct{}{}
		t.conns[remote] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(2)
		go t.pipe(local, remote)
		go t.pipe(remote, local)
	}
}

func (t *Tunnel) pipe(dst, src net.Conn) {
	defer t.wg.Done()
	_, _ = io.Copy(dst, src)
	dst.Close()
	src.Close()
	t.mu.Lock()
	delete(t.conns, dst)
	delete(t.conns, src)
	t.mu.Unlock()
}

// Close stops the forwarder and removes the local socket.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	err := t.listener.Close()
	t.wg.Wait()
	_ = os.RemoveAll(filepath.Dir(t.localPath))
	return err
}
