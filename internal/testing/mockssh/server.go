// Package mockssh provides an in-process SSH server for integration
// tests: real handshake, real channels, a real /bin/sh on the far end.
package mockssh

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server listening on a random loopback
// port.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	shell    string
	users    map[string]string // username -> password
	kiRounds int               // keyboard-interactive challenge rounds, 0 = password only
	mu       sync.RWMutex
	done     chan struct{}
	wg       sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   []*session
}

type session struct {
	channel ssh.Channel
	pty     *os.File
	cmd     *exec.Cmd
}

// Option configures the server.
type Option func(*Server)

// WithShell sets the shell binary used for shell and exec requests.
func WithShell(shell string) Option {
	return func(s *Server) {
		s.shell = shell
	}
}

// WithUser adds a username/password pair.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithKeyboardInteractive switches auth to keyboard-interactive with
// the given number of challenge rounds. Every round asks one password
// question; all answers must match the user's password.
func WithKeyboardInteractive(rounds int) Option {
	return func(s *Server) {
		s.kiRounds = rounds
	}
}

// New starts a server. Callers own Close.
func New(opts ...Option) (*Server, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	s := &Server{
		shell: "/bin/sh",
		users: map[string]string{
			"test": "test",
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{}
	if s.kiRounds > 0 {
		config.KeyboardInteractiveCallback = s.challengeUser
	} else {
		config.PasswordCallback = s.checkPassword
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Debug("mock SSH server started", slog.String("addr", s.addr))
	return s, nil
}

func (s *Server) checkPassword(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.RLock()
	expected, ok := s.users[c.User()]
	s.mu.RUnlock()

	if ok && string(password) == expected {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) challengeUser(c ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	s.mu.RLock()
	expected, ok := s.users[c.User()]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown user %q", c.User())
	}

	for round := 0; round < s.kiRounds; round++ {
		answers, err := client("", "", []string{"Password:"}, []bool{false})
		if err != nil {
			return nil, err
		}
		if len(answers) != 1 || answers[0] != expected {
			return nil, fmt.Errorf("challenge rejected for %q", c.User())
		}
	}
	return nil, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the listen port as an int.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Close shuts the server down and kills any live shells.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()

	s.sessionsMu.Lock()
	for _, sess := range s.sessions {
		if sess.pty != nil {
			sess.pty.Close()
		}
		if sess.cmd != nil && sess.cmd.Process != nil {
			sess.cmd.Process.Kill()
		}
		if sess.channel != nil {
			sess.channel.Close()
		}
	}
	s.sessions = nil
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer s.wg.Done()
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		slog.Debug("SSH handshake failed", slog.String("error", err.Error()))
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			slog.Debug("channel accept failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()

	sess := &session{channel: channel}
	s.sessionsMu.Lock()
	s.sessions = append(s.sessions, sess)
	s.sessionsMu.Unlock()

	usePty := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			usePty = true
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			// the shell owns the channel from here; run it off the
			// request loop so window-change etc. still get answered
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runShell(sess, usePty)
			}()

		case "exec":
			command := parseExecRequest(req.Payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runExec(sess, command)
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// runShell runs an interactive shell on the channel. Without a PTY the
// shell gets plain pipes, which is what a scripted client wants: no
// echo, no prompts, stderr on its own stream.
func (s *Server) runShell(sess *session, usePty bool) {
	defer sess.channel.Close()

	cmd := exec.Command(s.shell)
	cmd.Env = os.Environ()
	sess.cmd = cmd

	if usePty {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			slog.Debug("pty start failed", slog.String("error", err.Error()))
			sendExitStatus(sess.channel, 1)
			return
		}
		sess.pty = ptmx

		done := make(chan struct{})
		go func() {
			io.Copy(sess.channel, ptmx)
			close(done)
		}()
		go func() {
			io.Copy(ptmx, sess.channel)
		}()

		exitCode := waitExitCode(cmd)
		ptmx.Close()
		<-done
		sendExitStatus(sess.channel, exitCode)
		return
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(sess.channel, 1)
		return
	}
	cmd.Stdout = sess.channel
	cmd.Stderr = sess.channel.Stderr()

	if err := cmd.Start(); err != nil {
		slog.Debug("shell start failed", slog.String("error", err.Error()))
		sendExitStatus(sess.channel, 1)
		return
	}

	go func() {
		io.Copy(stdin, sess.channel)
		stdin.Close()
	}()

	sendExitStatus(sess.channel, waitExitCode(cmd))
}

// runExec runs one command and closes the channel.
func (s *Server) runExec(sess *session, command string) {
	defer sess.channel.Close()

	cmd := exec.Command(s.shell, "-c", command)
	cmd.Env = os.Environ()
	cmd.Stdout = sess.channel
	cmd.Stderr = sess.channel.Stderr()
	sess.cmd = cmd

	if err := cmd.Start(); err != nil {
		sendExitStatus(sess.channel, 1)
		return
	}
	sendExitStatus(sess.channel, waitExitCode(cmd))
}

func waitExitCode(cmd *exec.Cmd) int {
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return 1
	}
	return 0
}

func sendExitStatus(channel ssh.Channel, code int) {
	channel.CloseWrite()

	payload := make([]byte, 4)
	payload[0] = byte(code >> 24)
	payload[1] = byte(code >> 16)
	payload[2] = byte(code >> 8)
	payload[3] = byte(code)
	channel.SendRequest("exit-status", false, payload)
}

func parseExecRequest(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	cmdLen := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if len(payload) < 4+cmdLen {
		return ""
	}
	return string(payload[4 : 4+cmdLen])
}
