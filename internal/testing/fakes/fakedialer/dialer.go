// Package fakedialer provides fake Dialer, Transport and Stream
// implementations for testing the connection stack without a network.
package fakedialer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/deskremote/deskremote/internal/ports"
)

// Dialer is a fake ports.Dialer that records calls and delegates to a
// configurable DialFunc.
type Dialer struct {
	mu       sync.Mutex
	DialFunc func(network, addr string, config *ssh.ClientConfig) (ports.Transport, error)
	calls    []DialCall
}

// DialCall records a call to Dial.
type DialCall struct {
	Network string
	Addr    string
	Config  *ssh.ClientConfig
}

// New creates a fake Dialer that returns an error by default.
func New() *Dialer {
	return &Dialer{
		DialFunc: func(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
			return nil, fmt.Errorf("fakedialer: not configured")
		},
	}
}

// Dial records the call and delegates to DialFunc.
func (d *Dialer) Dial(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
	d.mu.Lock()
	d.calls = append(d.calls, DialCall{Network: network, Addr: addr, Config: config})
	fn := d.DialFunc
	d.mu.Unlock()
	return fn(network, addr, config)
}

// Calls returns all recorded Dial calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.calls...)
}

// SetTransport configures the dialer to hand out the given transport.
func (d *Dialer) SetTransport(t ports.Transport) {
	d.mu.Lock()
	d.DialFunc = func(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
		return t, nil
	}
	d.mu.Unlock()
}

// SetError configures the dialer to always fail with err.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	d.DialFunc = func(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
		return nil, err
	}
	d.mu.Unlock()
}

// Transport is a fake ports.Transport whose shells are scripted streams.
type Transport struct {
	mu            sync.Mutex
	OpenShellFunc func() (ports.Stream, error)
	streams       []*Stream
	closed        bool
}

// NewTransport creates a transport whose shells respond via onWrite.
func NewTransport(onWrite func(payload string, stdout, stderr io.Writer)) *Transport {
	t := &Transport{}
	t.OpenShellFunc = func() (ports.Stream, error) {
		s := NewStream(onWrite)
		t.mu.Lock()
		t.streams = append(t.streams, s)
		t.mu.Unlock()
		return s, nil
	}
	return t
}

// OpenShell opens a scripted shell stream.
func (t *Transport) OpenShell() (ports.Stream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("use of closed network connection")
	}
	fn := t.OpenShellFunc
	t.mu.Unlock()
	return fn()
}

// Close closes the transport and every stream opened on it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streams := t.streams
	t.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Streams returns every stream opened on this transport.
func (t *Transport) Streams() []*Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Stream(nil), t.streams...)
}

// Stream is a fake ports.Stream. Each Write is handed to an OnWrite
// callback that plays the remote shell, writing replies to the stdout
// and stderr pipes.
type Stream struct {
	OnWrite func(payload string, stdout, stderr io.Writer)

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu     sync.Mutex
	writes []string
	closed bool

	queue chan string
	done  chan struct{}
}

// NewStream creates a scripted stream. Replies are produced by a single
// goroutine in write order, matching a real shell answering serially.
func NewStream(onWrite func(payload string, stdout, stderr io.Writer)) *Stream {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	s := &Stream{
		OnWrite: onWrite,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		queue:   make(chan string, 256),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.mu.Lock()
			fn := s.OnWrite
			s.mu.Unlock()
			if fn != nil {
				fn(payload, s.stdoutW, s.stderrW)
			}
		}
	}
}

// Write records the payload and replays it through OnWrite, async like
// a real transport write.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	payload := string(p)
	s.writes = append(s.writes, payload)
	s.mu.Unlock()

	select {
	case s.queue <- payload:
	case <-s.done:
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Stdout returns the scripted output stream.
func (s *Stream) Stdout() io.Reader {
	return s.stdoutR
}

// Stderr returns the scripted error stream.
func (s *Stream) Stderr() io.Reader {
	return s.stderrR
}

// Close closes both pipes; pending reads unblock with EOF.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.stdoutW.Close()
	s.stderrW.Close()
	return nil
}

// Closed reports whether the stream was closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Writes returns every payload written to the stream.
func (s *Stream) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// SplitPayload separates a sentinel-pipelined write into the command
// text and its sentinel token.
func SplitPayload(payload string) (command, sentinel string, ok bool) {
	idx := strings.LastIndex(payload, "; printf")
	if idx < 0 {
		return "", "", false
	}
	fields := strings.Fields(payload[idx:])
	if len(fields) == 0 {
		return "", "", false
	}
	return payload[:idx], fields[len(fields)-1], true
}

// Responder builds an OnWrite that runs each submitted command through
// fn and frames the reply with the command's sentinel.
func Responder(fn func(command string) string) func(string, io.Writer, io.Writer) {
	return func(payload string, stdout, stderr io.Writer) {
		command, sentinel, ok := SplitPayload(payload)
		if !ok {
			return
		}
		fmt.Fprintf(stdout, "%s\n%s\n", fn(command), sentinel)
	}
}

// Ensure the fakes satisfy their ports.
var (
	_ ports.Dialer    = (*Dialer)(nil)
	_ ports.Transport = (*Transport)(nil)
	_ ports.Stream    = (*Stream)(nil)
)
