package remote

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/deskremote/deskremote/internal/adapters/realclock"
	"github.com/deskremote/deskremote/internal/adapters/realdialer"
	"github.com/deskremote/deskremote/internal/adapters/realrand"
	"github.com/deskremote/deskremote/internal/failure"
	"github.com/deskremote/deskremote/internal/ports"
	"github.com/deskremote/deskremote/internal/security"
	"github.com/deskremote/deskremote/internal/shell"
)

const (
	defaultPort         = 22
	defaultDialTimeout  = 10 * time.Second
	defaultMaxEphemeral = 4

	// grace window for the remote "exit" request before hard-closing.
	disconnectGrace = 500 * time.Millisecond
)

// Options configures one Conn. Zero-value ports get real adapters.
type Options struct {
	Host     string
	Port     int
	User     string
	Password []byte

	// HostKeyCallback defaults to InsecureIgnoreHostKey; callers that
	// pin hosts supply their own.
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration

	// MaxEphemeral bounds concurrent keyless one-shot sessions.
	MaxEphemeral int

	Dialer ports.Dialer
	Clock  ports.Clock
	Random ports.Random
	Logger *slog.Logger
}

// ExecOptions selects where a command runs. A non-empty ChannelKey
// routes it to that persistent channel; an empty key runs it on an
// ephemeral one-shot session. Description feeds the adaptive timeout
// table and the logs, never the remote host.
type ExecOptions struct {
	ChannelKey  string
	Description string
}

// Conn is one authenticated transport to a host plus its cache of
// persistent channel executors. Execute is safe for concurrent use;
// Connect and Disconnect serialize against it.
type Conn struct {
	opts   Options
	dialer ports.Dialer
	clock  ports.Clock
	rng    ports.Random
	log    *slog.Logger

	timeouts *timeoutTable

	mu        sync.Mutex
	transport ports.Transport
	channels  map[string]*shell.Executor
	slots     chan struct{}
}

// New builds a Conn. It does not dial; call Connect.
func New(opts Options) *Conn {
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxEphemeral == 0 {
		opts.MaxEphemeral = defaultMaxEphemeral
	}
	c := &Conn{
		opts:     opts,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		rng:      opts.Random,
		log:      opts.Logger,
		timeouts: newTimeoutTable(),
	}
	if c.dialer == nil {
		c.dialer = realdialer.New()
	}
	if c.clock == nil {
		c.clock = realclock.New()
	}
	if c.rng == nil {
		c.rng = realrand.New()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Host returns the configured host name.
func (c *Conn) Host() string {
	return c.opts.Host
}

// Connected reports whether a transport is currently established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Connect dials and authenticates in a single attempt. On any failure
// the half-open transport is torn down, so a failed Connect never
// leaks sockets.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cfg := &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            c.authMethods(),
		HostKeyCallback: c.opts.HostKeyCallback,
		Timeout:         c.opts.DialTimeout,
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	c.log.Info("connecting", "host", c.opts.Host, "port", c.opts.Port, "user", c.opts.User)

	transport, err := c.dial(ctx, addr, cfg)
	if err != nil {
		cerr := failure.Classify(err)
		c.log.Warn("connect failed", "host", c.opts.Host, "error", cerr)
		return cerr
	}

	c.mu.Lock()
	if c.transport != nil {
		// lost a connect race; keep the first transport.
		c.mu.Unlock()
		transport.Close()
		return nil
	}
	c.transport = transport
	c.channels = make(map[string]*shell.Executor)
	c.slots = make(chan struct{}, c.opts.MaxEphemeral)
	c.mu.Unlock()

	c.log.Info("connected", "host", c.opts.Host)
	return nil
}

// dial runs the blocking SSH dial in a goroutine so the context can
// interrupt the wait. The dial always delivers its result into the
// buffered channel; on cancellation a drain goroutine receives the
// late result and closes its transport, so no half-open transport
// outlives a failed connect.
func (c *Conn) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (ports.Transport, error) {
	type dialResult struct {
		transport ports.Transport
		err       error
	}
	ch := make(chan dialResult, 1)

	go func() {
		t, err := c.dialer.Dial("tcp", addr, cfg)
		ch <- dialResult{t, err}
	}()

	select {
	case r := <-ch:
		return r.transport, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.transport != nil {
				r.transport.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// authMethods yields the single-attempt credential set: password plus
// a keyboard-interactive responder that answers one challenge round
// and refuses a second, so a wrong password surfaces as AuthFailed
// instead of a retry loop against the host.
func (c *Conn) authMethods() []ssh.AuthMethod {
	password := string(c.opts.Password)
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(singleShotChallenge(password)),
	}
}

// singleShotChallenge answers every question in the first challenge
// round with the password and fails any later round. A server that
// comes back for more did not accept the credentials.
func singleShotChallenge(password string) ssh.KeyboardInteractiveChallenge {
	rounds := 0
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if len(questions) == 0 {
			return nil, nil
		}
		rounds++
		if rounds > 1 {
			return nil, failure.AuthFailed(nil)
		}
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

// Execute runs one command, routed by ExecOptions, under the adaptive
// per-description deadline. A non-empty channel key suspends callers
// behind earlier commands on the same channel; an empty key suspends
// behind the ephemeral-session limiter.
func (c *Conn) Execute(ctx context.Context, command string, opts ExecOptions) (string, error) {
	if !validChannelKey(opts.ChannelKey) {
		return "", failure.InvalidChannelType()
	}

	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return "", failure.NotConnected()
	}

	timeout := c.timeouts.timeoutFor(opts.Description)

	var out string
	var took time.Duration
	var err error
	if opts.ChannelKey != "" {
		out, took, err = c.executeChannel(ctx, transport, command, opts, timeout)
	} else {
		out, took, err = c.executeEphemeral(ctx, transport, command, opts, timeout)
	}

	if err != nil {
		c.log.Debug("command failed",
			"description", opts.Description,
			"channel", opts.ChannelKey,
			"error", err)
		return "", err
	}

	c.timeouts.record(opts.Description, took)
	return out, nil
}

// validChannelKey rejects keys with control characters; they have no
// wire representation but leak into logs and the channel map.
func validChannelKey(key string) bool {
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

func (c *Conn) executeChannel(ctx context.Context, transport ports.Transport, command string, opts ExecOptions, timeout time.Duration) (string, time.Duration, error) {
	c.mu.Lock()
	if c.transport != transport {
		c.mu.Unlock()
		return "", 0, failure.NotConnected()
	}
	exec, ok := c.channels[opts.ChannelKey]
	if !ok {
		exec = shell.NewExecutor(opts.ChannelKey, transport, c.clock, c.rng)
		c.channels[opts.ChannelKey] = exec
	}
	c.mu.Unlock()

	// The deadline covers only this command's turn, not the queue wait
	// ahead of it, so a slow predecessor times out on its own clock.
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := c.clock.Now()
	out, err := exec.Run(tctx, command, opts.Description)
	return out, c.clock.Now().Sub(start), err
}

func (c *Conn) executeEphemeral(ctx context.Context, transport ports.Transport, command string, opts ExecOptions, timeout time.Duration) (string, time.Duration, error) {
	c.mu.Lock()
	slots := c.slots
	c.mu.Unlock()
	if slots == nil {
		return "", 0, failure.NotConnected()
	}

	// cooperative acquire: waits as long as the caller's context
	// allows, the command deadline and the latency sample start once a
	// slot is held.
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return "", 0, failure.Classify(ctx.Err())
	}
	defer func() { <-slots }()

	exec := shell.NewExecutor("", transport, c.clock, c.rng)
	defer exec.Close()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := c.clock.Now()
	out, err := exec.Run(tctx, command, opts.Description)
	return out, c.clock.Now().Sub(start), err
}

// Disconnect asks the remote shells to exit, waits out a short grace
// window, then closes everything and wipes the credential bytes.
func (c *Conn) Disconnect() {
	transport, channels := c.detach()
	if transport == nil {
		return
	}

	gctx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
	for _, exec := range channels {
		exec.Run(gctx, "exit", "disconnect") //nolint:errcheck
	}
	cancel()

	c.teardown(transport, channels)
	c.log.Info("disconnected", "host", c.opts.Host)
}

// ForceClose drops the transport without the graceful exit exchange.
// Used on connection loss, where the remote end is already gone.
func (c *Conn) ForceClose() {
	transport, channels := c.detach()
	if transport == nil {
		return
	}
	c.teardown(transport, channels)
	c.log.Info("connection force-closed", "host", c.opts.Host)
}

// detach atomically takes ownership of the live transport and channel
// cache, leaving the Conn in the not-connected state. Later Execute
// calls fail with NotConnected instead of racing the close.
func (c *Conn) detach() (ports.Transport, map[string]*shell.Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	transport := c.transport
	channels := c.channels
	c.transport = nil
	c.channels = nil
	c.slots = nil
	return transport, channels
}

func (c *Conn) teardown(transport ports.Transport, channels map[string]*shell.Executor) {
	for _, exec := range channels {
		exec.Close()
	}
	transport.Close()
	security.WipeBytes(c.opts.Password)
	c.opts.Password = nil
}
