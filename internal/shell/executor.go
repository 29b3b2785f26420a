package shell

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskremote/deskremote/internal/failure"
	"github.com/deskremote/deskremote/internal/ports"
)

const (
	// channelReadyAttempts x channelReadyBackoff bounds the readiness
	// poll for a sub-stream that is not yet available (~1s).
	channelReadyAttempts = 20
	channelReadyBackoff  = 50 * time.Millisecond

	readChunkSize = 4096
)

// Executor owns one persistent interactive-shell sub-stream (a logical
// channel) and the demultiplexer attached to it. Commands submitted on
// the same Executor resolve in submission order. The sub-stream opens
// lazily on first Run and reopens after a forced close.
type Executor struct {
	key       string
	transport ports.Transport
	clock     ports.Clock
	rng       ports.Random

	mu     sync.Mutex
	stream ports.Stream
	demux  *Demux
	closed bool

	// submitMu makes enqueue+write one atomic submission step, so the
	// demux queue order always matches the byte order on the stream.
	submitMu sync.Mutex
}

// NewExecutor creates an executor for one logical channel key.
func NewExecutor(key string, transport ports.Transport, clock ports.Clock, rng ports.Random) *Executor {
	return &Executor{
		key:       key,
		transport: transport,
		clock:     clock,
		rng:       rng,
	}
}

// Key returns the logical channel key.
func (e *Executor) Key() string {
	return e.key
}

// Run submits one command and suspends the caller until its result,
// the context deadline, or channel teardown. Writes are pipelined:
// Run does not wait for earlier commands' results before writing, only
// for its own.
func (e *Executor) Run(ctx context.Context, command, description string) (string, error) {
	stream, demux, err := e.ensureStream()
	if err != nil {
		return "", err
	}

	sentinel := newSentinel(e.rng)
	p := newPending(sentinel, command)

	// The sentinel trailer lands on its own line after everything the
	// command wrote, delimiting this command's output region.
	payload := fmt.Sprintf("%s; printf '\\n%%s\\n' %s\n", command, sentinel)

	e.submitMu.Lock()
	if err := demux.Enqueue(p); err != nil {
		e.submitMu.Unlock()
		return "", err
	}
	_, werr := stream.Write([]byte(payload))
	e.submitMu.Unlock()

	if werr != nil {
		classified := failure.Classify(werr)
		demux.Fail(p, classified)
		e.forceClose(stream, demux)
		return "", classified
	}

	slog.Debug("command submitted",
		slog.String("channel", e.key),
		slog.String("description", description),
	)

	select {
	case <-ctx.Done():
		var cause *failure.Error
		if ctx.Err() == context.DeadlineExceeded {
			cause = failure.Timeout()
		} else {
			cause = failure.ChannelError("cancelled")
		}
		demux.Fail(p, cause)
		e.forceClose(stream, demux)
		return "", cause
	case res := <-p.done:
		if res.err != nil {
			return "", res.err
		}
		return res.output, nil
	}
}

// Close tears down the sub-stream; queued commands fail through the
// demultiplexer's close path.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	stream, demux := e.stream, e.demux
	e.stream, e.demux = nil, nil
	e.mu.Unlock()

	if demux != nil {
		demux.Close()
	}
	if stream != nil {
		return stream.Close()
	}
	return nil
}

// ensureStream opens the persistent sub-stream on first use, polling
// readiness for up to ~1s before giving up with NoSession.
func (e *Executor) ensureStream() (ports.Stream, *Demux, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, failure.NoSession()
	}
	if e.stream != nil {
		return e.stream, e.demux, nil
	}

	var lastErr error
	for attempt := 0; attempt < channelReadyAttempts; attempt++ {
		stream, err := e.transport.OpenShell()
		if err == nil {
			demux := NewDemux()
			e.stream = stream
			e.demux = demux
			go e.readLoop(stream, demux)
			go e.stderrLoop(stream, demux)
			return stream, demux, nil
		}
		lastErr = err
		e.clock.Sleep(channelReadyBackoff)
	}

	slog.Warn("channel never became ready",
		slog.String("channel", e.key),
		slog.String("error", lastErr.Error()),
	)
	return nil, nil, failure.NoSession()
}

// forceClose is the timeout/write-failure teardown path: drop the
// stream so the next Run reopens, and fail whatever was queued.
func (e *Executor) forceClose(stream ports.Stream, demux *Demux) {
	e.mu.Lock()
	if e.stream == stream {
		e.stream, e.demux = nil, nil
	}
	e.mu.Unlock()

	demux.Close()
	stream.Close()
}

// readLoop pumps the output stream into the demultiplexer until the
// stream dies or a command overflows its buffer ceiling.
func (e *Executor) readLoop(stream ports.Stream, demux *Demux) {
	buf := make([]byte, readChunkSize)
	out := stream.Stdout()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			if oerr := demux.HandleStdout(buf[:n]); oerr != nil {
				e.forceClose(stream, demux)
				return
			}
		}
		if err != nil {
			e.forceClose(stream, demux)
			return
		}
	}
}

// stderrLoop attributes error-stream chunks to the currently-executing
// command.
func (e *Executor) stderrLoop(stream ports.Stream, demux *Demux) {
	buf := make([]byte, readChunkSize)
	errOut := stream.Stderr()
	for {
		n, err := errOut.Read(buf)
		if n > 0 {
			demux.HandleStderr(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// newSentinel generates a per-command marker token. 8 random bytes keep
// coincidental collisions negligible across millions of commands.
func newSentinel(rng ports.Random) string {
	b := make([]byte, 8)
	if _, err := rng.Read(b); err != nil {
		return fmt.Sprintf("__rd_%016x__", time.Now().UnixNano())
	}
	return "__rd_" + hex.EncodeToString(b) + "__"
}
