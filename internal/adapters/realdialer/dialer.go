// Package realdialer provides the real SSH implementation of the Dialer,
// Transport and Stream ports on top of golang.org/x/crypto/ssh.
package realdialer

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/deskremote/deskremote/internal/ports"
)

// Dialer implements ports.Dialer using ssh.Dial.
type Dialer struct{}

// New creates a new Dialer.
func New() *Dialer {
	return &Dialer{}
}

// Dial establishes an authenticated SSH transport to the given address.
func (d *Dialer) Dial(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &Transport{client: client}, nil
}

// Transport wraps an *ssh.Client as a ports.Transport.
type Transport struct {
	client *ssh.Client
	mu     sync.Mutex
	closed bool
}

// OpenShell opens a new interactive-shell sub-stream on the connection.
// No PTY is requested: a pipe shell neither echoes input nor paints
// prompts, which keeps the output stream parseable.
func (t *Transport) OpenShell() (ports.Stream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	client := t.client
	t.mu.Unlock()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellStream{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// Close tears down the SSH connection and every stream opened on it.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}

// shellStream adapts an ssh.Session running a shell to ports.Stream.
type shellStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	closeOnce sync.Once
	closeErr  error
}

func (s *shellStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *shellStream) Stdout() io.Reader {
	return s.stdout
}

func (s *shellStream) Stderr() io.Reader {
	return s.stderr
}

func (s *shellStream) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// Ensure the adapters satisfy their ports.
var (
	_ ports.Dialer    = (*Dialer)(nil)
	_ ports.Transport = (*Transport)(nil)
	_ ports.Stream    = (*shellStream)(nil)
)
