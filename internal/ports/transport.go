package ports

import (
	"io"

	"golang.org/x/crypto/ssh"
)

// Stream is one logical sub-stream of an authenticated transport: an
// interactive remote shell with distinct output and error byte streams.
// Writes are fire-and-forget at this level; result attribution happens
// above, in the demultiplexer.
type Stream interface {
	io.Writer

	// Stdout returns the shell's output stream.
	Stdout() io.Reader

	// Stderr returns the shell's error stream.
	Stderr() io.Reader

	// Close tears down the sub-stream. Pending reads unblock with an error.
	Close() error
}

// Transport is one authenticated remote-shell connection. A Transport
// multiplexes many Streams over a single socket.
type Transport interface {
	// OpenShell opens a new interactive-shell sub-stream.
	OpenShell() (Stream, error)

	// Close tears down the transport and every stream opened on it.
	Close() error
}

// Dialer abstracts transport establishment so connection tests can run
// against fakes and the in-process mock server.
type Dialer interface {
	// Dial establishes an authenticated transport to the given address.
	Dial(network, addr string, config *ssh.ClientConfig) (Transport, error)
}
