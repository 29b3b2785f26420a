// Package supervisor runs the session lifecycle: the state machine,
// the heartbeat loop, and loss/background handling.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deskremote/deskremote/internal/adapters/realclock"
	"github.com/deskremote/deskremote/internal/command"
	"github.com/deskremote/deskremote/internal/failure"
	"github.com/deskremote/deskremote/internal/ports"
	"github.com/deskremote/deskremote/internal/remote"
)

// State is the lifecycle position of the supervised session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRecovering
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is the connection surface the supervisor drives.
// *remote.Conn satisfies it.
type Session interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, command string, opts remote.ExecOptions) (string, error)
	Disconnect()
	ForceClose()
}

const (
	defaultHeartbeatMin    = 500 * time.Millisecond
	defaultHeartbeatMax    = 12 * time.Second
	defaultHeartbeatStep   = 500 * time.Millisecond
	defaultProbeTimeout    = 1 * time.Second
	defaultRecoveryWindow  = 2 * time.Second
	defaultBackgroundGrace = 30 * time.Second
)

// Options tunes the supervisor. Zero durations get the defaults above.
type Options struct {
	Clock  ports.Clock
	Logger *slog.Logger

	// OnStateChanged is called after every transition. OnConnectionLost
	// fires exactly once per loss episode, after the transport is
	// force-closed. Both are called without supervisor locks held.
	OnStateChanged   func(State)
	OnConnectionLost func(error)

	HeartbeatMin    time.Duration
	HeartbeatMax    time.Duration
	HeartbeatStep   time.Duration
	ProbeTimeout    time.Duration
	RecoveryWindow  time.Duration
	BackgroundGrace time.Duration
}

// Supervisor owns one Session and keeps it alive: probes on an
// activity-adaptive interval, demotes to recovering on the first
// failed probe, declares loss when recovery does not land in time,
// and winds the session down around app background transitions.
type Supervisor struct {
	session Session
	clock   ports.Clock
	log     *slog.Logger
	opts    Options

	probeSeq atomic.Uint64

	mu               sync.Mutex
	state            State
	interval         time.Duration
	recoveryDeadline time.Time
	lastBeat         time.Time
	stop             chan struct{}
	graceCancel      chan struct{}
}

// New builds a Supervisor around a session. Call Connect to start it.
func New(session Session, opts Options) *Supervisor {
	if opts.HeartbeatMin == 0 {
		opts.HeartbeatMin = defaultHeartbeatMin
	}
	if opts.HeartbeatMax == 0 {
		opts.HeartbeatMax = defaultHeartbeatMax
	}
	if opts.HeartbeatStep == 0 {
		opts.HeartbeatStep = defaultHeartbeatStep
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.RecoveryWindow == 0 {
		opts.RecoveryWindow = defaultRecoveryWindow
	}
	if opts.BackgroundGrace == 0 {
		opts.BackgroundGrace = defaultBackgroundGrace
	}
	s := &Supervisor{
		session: session,
		clock:   opts.Clock,
		log:     opts.Logger,
		opts:    opts,
		state:   StateDisconnected,
	}
	if s.clock == nil {
		s.clock = realclock.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastHeartbeat returns the time of the most recent successful probe.
func (s *Supervisor) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

// Connect establishes the session and starts the heartbeat loop. A
// failed connect lands in StateFailed; the caller decides whether to
// retry.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected, StateRecovering, StateConnecting:
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify(StateConnecting)

	if err := s.session.Connect(ctx); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.notify(StateFailed)
		return err
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.state = StateConnected
	s.interval = s.opts.HeartbeatMin
	s.recoveryDeadline = time.Time{}
	s.stop = stop
	s.mu.Unlock()
	s.notify(StateConnected)

	go s.heartbeatLoop(stop)
	return nil
}

// Disconnect stops the loop and closes the session gracefully.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	prev := s.state
	stop := s.stop
	s.stop = nil
	grace := s.graceCancel
	s.graceCancel = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if grace != nil {
		close(grace)
	}
	if prev == StateDisconnected {
		return
	}
	s.session.Disconnect()
	s.notify(StateDisconnected)
}

// Execute runs one user command through the lifecycle gate. The
// session must be live; a success counts as a liveness signal, and a
// failure that looks like transport death takes the loss path
// immediately instead of waiting for the next probe to notice.
func (s *Supervisor) Execute(ctx context.Context, cmd string, opts remote.ExecOptions) (string, error) {
	s.mu.Lock()
	live := s.state == StateConnected || s.state == StateRecovering
	s.mu.Unlock()
	if !live {
		return "", failure.NotConnected()
	}

	out, err := s.session.Execute(ctx, cmd, opts)
	if err != nil {
		if failure.IsConnectionLoss(err) {
			s.connectionLost(err)
		}
		return "", err
	}
	if opts.ChannelKey != command.ChannelHeartbeat {
		s.NoteActivity()
	}
	return out, nil
}

// NoteActivity treats a successful user command as a liveness signal:
// probing drops back to the minimum interval.
func (s *Supervisor) NoteActivity() {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateRecovering {
		s.interval = s.opts.HeartbeatMin
	}
	s.mu.Unlock()
}

// PathUnsatisfied reports a network-reachability drop. It takes the
// same loss path as a failed heartbeat, without waiting for the next
// probe to notice.
func (s *Supervisor) PathUnsatisfied() {
	s.connectionLost(failure.ConnectFailed("network path unsatisfied", nil))
}

// EnterBackground arms the grace timer; if the app stays backgrounded
// past it, the session is wound down to stop the probe traffic.
func (s *Supervisor) EnterBackground() {
	s.mu.Lock()
	if s.graceCancel != nil {
		s.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	s.graceCancel = cancel
	s.mu.Unlock()

	go func() {
		select {
		case <-cancel:
		case <-s.clock.After(s.opts.BackgroundGrace):
			s.mu.Lock()
			if s.graceCancel == cancel {
				s.graceCancel = nil
			}
			s.mu.Unlock()
			s.log.Info("background grace elapsed, disconnecting")
			s.Disconnect()
		}
	}()
}

// EnterForeground cancels a pending grace timer and reconnects if the
// session went down while backgrounded.
func (s *Supervisor) EnterForeground(ctx context.Context) error {
	s.mu.Lock()
	if s.graceCancel != nil {
		close(s.graceCancel)
		s.graceCancel = nil
	}
	live := s.state == StateConnected || s.state == StateRecovering || s.state == StateConnecting
	s.mu.Unlock()

	if live {
		return nil
	}
	return s.Connect(ctx)
}

// heartbeatLoop probes immediately on entry, then on the adaptive
// interval, until stopped or the state leaves connected/recovering.
func (s *Supervisor) heartbeatLoop(stop <-chan struct{}) {
	for {
		s.probe()

		s.mu.Lock()
		if s.state != StateConnected && s.state != StateRecovering {
			s.mu.Unlock()
			return
		}
		d := s.interval
		s.mu.Unlock()

		select {
		case <-stop:
			return
		case <-s.clock.After(d):
		}
	}
}

func (s *Supervisor) probe() {
	seq := s.probeSeq.Add(1)
	token := fmt.Sprintf("hb-%d-%s", seq, uuid.NewString()[:8])
	script := command.HeartbeatProbe(token)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	defer cancel()

	out, err := s.session.Execute(ctx, script.Text(), remote.ExecOptions{
		ChannelKey:  script.ChannelKey(),
		Description: script.Description(),
	})
	if err == nil && strings.Contains(out, token) {
		s.probeSucceeded()
		return
	}
	if err == nil {
		err = failure.ChannelError(fmt.Sprintf("heartbeat token mismatch: got %q, want %q", out, token))
	}
	s.probeFailed(err)
}

func (s *Supervisor) probeSucceeded() {
	s.mu.Lock()
	recovered := s.state == StateRecovering
	if recovered {
		s.state = StateConnected
		s.recoveryDeadline = time.Time{}
	}
	s.lastBeat = s.clock.Now()
	s.interval += s.opts.HeartbeatStep
	if s.interval > s.opts.HeartbeatMax {
		s.interval = s.opts.HeartbeatMax
	}
	s.mu.Unlock()

	if recovered {
		s.log.Info("heartbeat recovered")
		s.notify(StateConnected)
	}
}

func (s *Supervisor) probeFailed(err error) {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.state = StateRecovering
		s.recoveryDeadline = s.clock.Now().Add(s.opts.RecoveryWindow)
		s.interval = s.opts.HeartbeatMin
		s.mu.Unlock()
		s.log.Warn("heartbeat failed, entering recovery", "error", err)
		s.notify(StateRecovering)
	case StateRecovering:
		expired := !s.clock.Now().Before(s.recoveryDeadline)
		s.mu.Unlock()
		if expired {
			s.connectionLost(err)
		} else {
			s.log.Warn("heartbeat failed during recovery", "error", err)
		}
	default:
		s.mu.Unlock()
	}
}

// connectionLost is the single loss path, shared by heartbeat expiry
// and reachability signals. It is idempotent per episode: once the
// state has left connected/recovering, further signals are ignored.
func (s *Supervisor) connectionLost(err error) {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateRecovering {
		s.mu.Unlock()
		return
	}
	stop := s.stop
	s.stop = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.session.ForceClose()
	s.log.Warn("connection lost", "error", err)
	s.notify(StateDisconnected)
	if s.opts.OnConnectionLost != nil {
		s.opts.OnConnectionLost(err)
	}
}

func (s *Supervisor) notify(state State) {
	if s.opts.OnStateChanged != nil {
		s.opts.OnStateChanged(state)
	}
}
