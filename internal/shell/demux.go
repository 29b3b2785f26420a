// Package shell implements command execution over persistent
// interactive-shell sub-streams: sentinel pipelining on the write side
// and FIFO demultiplexing of the raw byte stream on the read side.
package shell

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/deskremote/deskremote/internal/failure"
)

// DefaultMaxBuffer is the per-command accumulation ceiling. A command
// whose sentinel never shows up before this many characters is declared
// stuck and its stream is torn down.
const DefaultMaxBuffer = 100_000

// evaluatorEcho is the marker an interactive script evaluator prints
// before each result line.
const evaluatorEcho = "=> "

// resultErrorMarkers are substrings that mark a chosen result line as a
// script failure rather than output. The list is a tunable heuristic,
// not a contract; legitimate output containing these phrases will be
// misclassified.
var resultErrorMarkers = []string{
	"is not defined",
	"doesn't understand",
	"can't get",
	"can't make",
}

// greetingMarkers identify login noise lines stripped once from the
// first chunk ever received on a channel.
var greetingMarkers = []string{
	"last login",
	"welcome to",
	"motd",
}

type result struct {
	output string
	err    error
}

// Pending is one submitted command awaiting its result: a unique
// sentinel, the future, and its place in the FIFO queue. A Pending is
// resolved exactly once.
type Pending struct {
	sentinel string
	command  string
	resolved bool
	done     chan result
}

func newPending(sentinel, command string) *Pending {
	return &Pending{
		sentinel: sentinel,
		command:  command,
		done:     make(chan result, 1),
	}
}

// Wait returns the channel the result is delivered on.
func (p *Pending) Wait() <-chan result {
	return p.done
}

// Demux consumes raw bytes from one shell sub-stream and resolves
// pending commands in submission order. All methods are safe for
// concurrent use; resolution order is the enqueue order, never the
// order sentinels happen to be searched.
type Demux struct {
	mu               sync.Mutex
	queue            []*Pending
	buf              strings.Builder
	greetingStripped bool
	closed           bool
	maxBuffer        int
}

// NewDemux creates a demultiplexer with the default buffer ceiling.
func NewDemux() *Demux {
	return &Demux{maxBuffer: DefaultMaxBuffer}
}

// NewDemuxWithCeiling creates a demultiplexer with a custom ceiling.
func NewDemuxWithCeiling(max int) *Demux {
	if max <= 0 {
		max = DefaultMaxBuffer
	}
	return &Demux{maxBuffer: max}
}

// Enqueue registers a command's pending entry. It must happen before
// the command bytes are written to the stream, so stream ordering
// guarantees the FIFO invariant.
func (d *Demux) Enqueue(p *Pending) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return failure.ChannelError("channel closed unexpectedly")
	}
	d.queue = append(d.queue, p)
	return nil
}

// PendingCount reports the number of unresolved commands.
func (d *Demux) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// HandleStdout feeds one inbound chunk from the shell's output stream.
// A non-nil return means the head command exceeded the buffer ceiling;
// the caller must close the sub-stream.
func (d *Demux) HandleStdout(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	data := string(chunk)
	if !d.greetingStripped {
		data = stripGreeting(data)
		d.greetingStripped = true
	}
	d.buf.WriteString(data)

	// A fast remote can answer several queued commands in one read, so
	// keep matching heads until the remainder has no sentinel.
	for {
		if len(d.queue) == 0 {
			// Output with nothing pending is stray shell noise.
			d.buf.Reset()
			return nil
		}

		head := d.queue[0]
		text := d.buf.String()
		start, end := findSentinel(text, head.sentinel)
		if start < 0 {
			if d.buf.Len() > d.maxBuffer {
				d.resolveLocked(head, result{err: failure.ChannelError("buffer overflow: stuck command")})
				d.queue = d.queue[1:]
				d.buf.Reset()
				return failure.ChannelError("buffer overflow: stuck command")
			}
			return nil
		}

		raw := text[:start]
		rest := text[end:]
		d.buf.Reset()
		d.buf.WriteString(rest)

		out, err := extractResult(raw, head.command)
		d.resolveLocked(head, result{output: out, err: err})
		d.queue = d.queue[1:]
	}
}

// HandleStderr feeds one inbound chunk from the shell's error stream.
// Policy: a stderr chunk belongs to the currently-executing command and
// fails it immediately with the raw text.
func (d *Demux) HandleStderr(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	text := strings.TrimSpace(string(chunk))
	if text == "" {
		return
	}

	if len(d.queue) == 0 {
		slog.Debug("stderr with no pending command", slog.String("text", text))
		return
	}

	head := d.queue[0]
	d.resolveLocked(head, result{err: failure.ChannelError(text)})
	d.queue = d.queue[1:]
	d.buf.Reset()
}

// Fail resolves a specific pending command (timeout, cancellation)
// without waiting for its sentinel, removing it from the queue.
func (d *Demux) Fail(p *Pending, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolveLocked(p, result{err: err})
	for i, q := range d.queue {
		if q == p {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
}

// Close fails every queued command in order and rejects later enqueues.
// Safe to call more than once.
func (d *Demux) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	for _, p := range d.queue {
		d.resolveLocked(p, result{err: failure.ChannelError("channel closed unexpectedly")})
	}
	d.queue = nil
	d.buf.Reset()
}

func (d *Demux) resolveLocked(p *Pending, res result) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.done <- res
}

// findSentinel locates the earliest occurrence of the sentinel in text,
// in either of the two recognized result encodings: the structured
// evaluator echo (=> "tok") or the bare token. It returns the match
// start and the index just past the match (including one trailing
// newline, if present), or (-1, -1).
func findSentinel(text, sentinel string) (int, int) {
	structured := evaluatorEcho + `"` + sentinel + `"`

	start, length := -1, 0
	if i := strings.Index(text, structured); i >= 0 {
		start, length = i, len(structured)
	}
	if i := strings.Index(text, sentinel); i >= 0 && (start < 0 || i < start) {
		start, length = i, len(sentinel)
	}
	if start < 0 {
		return -1, -1
	}

	end := start + length
	if end < len(text) && text[end] == '\r' {
		end++
	}
	if end < len(text) && text[end] == '\n' {
		end++
	}
	return start, end
}

// extractResult reduces one command's raw output region to its final
// result string, or a ChannelError when the chosen result line carries
// a script error marker.
func extractResult(raw, command string) (string, error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "")
	lines := strings.Split(raw, "\n")

	// Prefer the last evaluator-echo line.
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, evaluatorEcho) {
			continue
		}
		val := strings.TrimSpace(strings.TrimPrefix(line, evaluatorEcho))
		val = stripQuotes(val)
		if isScriptError(val) {
			return "", failure.ChannelError(val)
		}
		return val, nil
	}

	// Fallback: last non-empty line that is not obvious shell noise.
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || isNoiseLine(line, command) {
			continue
		}
		if isScriptError(line) {
			return "", failure.ChannelError(line)
		}
		return line, nil
	}
	return "", nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func isScriptError(line string) bool {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "execution error") {
		return true
	}
	for _, marker := range resultErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isNoiseLine filters prompts, banners, and echoes of the submitted
// script out of the fallback result search.
func isNoiseLine(line, command string) bool {
	if strings.HasPrefix(line, "$ ") || line == "$" || strings.HasPrefix(line, "> ") {
		return true
	}
	lower := strings.ToLower(line)
	for _, marker := range greetingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	// Multi-line commands come back echoed line by line.
	if command != "" && strings.Contains(command, line) {
		return true
	}
	return false
}

// stripGreeting drops known login noise from the very first chunk on a
// channel so the first command's output is not corrupted.
func stripGreeting(data string) string {
	lines := strings.Split(data, "\n")
	kept := lines[:0]
	for _, line := range lines {
		lower := strings.ToLower(strings.TrimSpace(line))
		noisy := false
		for _, marker := range greetingMarkers {
			if strings.Contains(lower, marker) {
				noisy = true
				break
			}
		}
		if lower == "$" || strings.HasPrefix(lower, "$ ") {
			noisy = true
		}
		if !noisy {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
