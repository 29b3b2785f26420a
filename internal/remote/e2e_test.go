package remote

import (
	"context"
	"strings"
	"testing"

	"github.com/deskremote/deskremote/internal/failure"
	"github.com/deskremote/deskremote/internal/testing/mockssh"
)

// These tests run the full stack: real SSH handshake, a real /bin/sh
// on the far end, sentinel demultiplexing over real pipes.

func newE2EConn(t *testing.T, server *mockssh.Server, password string) *Conn {
	t.Helper()
	return New(Options{
		Host:     server.Host(),
		Port:     server.Port(),
		User:     "alice",
		Password: []byte(password),
	})
}

func startServer(t *testing.T, opts ...mockssh.Option) *mockssh.Server {
	t.Helper()
	opts = append([]mockssh.Option{mockssh.WithUser("alice", "hunter2")}, opts...)
	server, err := mockssh.New(opts...)
	if err != nil {
		t.Fatalf("mockssh.New: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

func TestE2E_ExecuteOverRealSSH(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	server := startServer(t)
	conn := newE2EConn(t, server, "hunter2")

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	out, err := conn.Execute(context.Background(), "echo hello", ExecOptions{
		ChannelKey:  "system",
		Description: "echo test",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("Execute = %q, want hello", out)
	}
}

func TestE2E_CommandsOnOneChannelStayOrdered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	server := startServer(t)
	conn := newE2EConn(t, server, "hunter2")

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	for _, want := range []string{"one", "two", "three"} {
		out, err := conn.Execute(context.Background(), "echo "+want, ExecOptions{
			ChannelKey:  "system",
			Description: "ordered echo",
		})
		if err != nil {
			t.Fatalf("Execute %q: %v", want, err)
		}
		if out != want {
			t.Errorf("Execute = %q, want %q", out, want)
		}
	}
}

func TestE2E_EphemeralSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	server := startServer(t)
	conn := newE2EConn(t, server, "hunter2")

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	out, err := conn.Execute(context.Background(), "echo one-shot", ExecOptions{
		Description: "one-shot echo",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "one-shot" {
		t.Errorf("Execute = %q, want one-shot", out)
	}
}

func TestE2E_WrongPasswordIsAuthFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	server := startServer(t)
	conn := newE2EConn(t, server, "wrong")

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded with wrong password")
	}
	if !failure.Is(err, failure.KindAuthFailed) {
		t.Errorf("Connect error = %v (kind %v), want AuthFailed", err, failure.KindOf(err))
	}
}

func TestE2E_KeyboardInteractiveSingleRound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	server := startServer(t, mockssh.WithKeyboardInteractive(1))
	conn := newE2EConn(t, server, "hunter2")

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect via keyboard-interactive: %v", err)
	}
	conn.Disconnect()
}

func TestE2E_KeyboardInteractiveSecondRoundRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	server := startServer(t, mockssh.WithKeyboardInteractive(2))
	conn := newE2EConn(t, server, "hunter2")

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded against a two-round challenge")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "auth") {
		t.Errorf("Connect error = %v, want an auth failure", err)
	}
}
