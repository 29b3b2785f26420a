package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/deskremote/deskremote/internal/failure"
	"github.com/deskremote/deskremote/internal/ports"
	"github.com/deskremote/deskremote/internal/testing/fakes/fakeclock"
	"github.com/deskremote/deskremote/internal/testing/fakes/fakedialer"
	"github.com/deskremote/deskremote/internal/testing/fakes/fakerand"
)

func newTestConn(t *testing.T, transport *fakedialer.Transport, opts Options) (*Conn, *fakedialer.Dialer) {
	t.Helper()
	dialer := fakedialer.New()
	if transport != nil {
		dialer.SetTransport(transport)
	}
	opts.Host = "mac.local"
	opts.User = "alice"
	opts.Password = []byte("hunter2")
	opts.Dialer = dialer
	opts.Clock = fakeclock.New(time.Unix(1000, 0))
	opts.Random = fakerand.New()
	return New(opts), dialer
}

func echoTransport() *fakedialer.Transport {
	return fakedialer.NewTransport(fakedialer.Responder(func(command string) string {
		return "ok: " + command
	}))
}

func TestConn_ConnectDialsHostPort(t *testing.T) {
	c, dialer := newTestConn(t, echoTransport(), Options{Port: 2222})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	calls := dialer.Calls()
	if len(calls) != 1 {
		t.Fatalf("dial calls = %d, want 1", len(calls))
	}
	if calls[0].Addr != "mac.local:2222" {
		t.Errorf("dial addr = %q, want mac.local:2222", calls[0].Addr)
	}
	if calls[0].Config.User != "alice" {
		t.Errorf("dial user = %q, want alice", calls[0].Config.User)
	}
	if len(calls[0].Config.Auth) != 2 {
		t.Errorf("auth methods = %d, want password + keyboard-interactive", len(calls[0].Config.Auth))
	}
}

func TestConn_ConnectClassifiesDialError(t *testing.T) {
	c, dialer := newTestConn(t, nil, Options{})
	dialer.SetError(errors.New("dial tcp: connect: connection refused"))

	err := c.Connect(context.Background())
	if !failure.Is(err, failure.KindConnectFailed) {
		t.Fatalf("Connect error = %v, want ConnectFailed", err)
	}
	if !strings.Contains(err.Error(), "remote login disabled") {
		t.Errorf("error %q should name the refused-connection reason", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed dial")
	}
}

func TestConn_ConnectIsIdempotent(t *testing.T) {
	c, dialer := newTestConn(t, echoTransport(), Options{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := len(dialer.Calls()); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
}

func TestConn_ConnectHonoursContext(t *testing.T) {
	c, dialer := newTestConn(t, nil, Options{})
	release := make(chan struct{})
	dialer.DialFunc = func(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
		<-release
		return nil, errors.New("too late")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Connect(ctx)
	close(release)
	if err == nil {
		t.Fatal("Connect succeeded with cancelled context")
	}
}

func TestConn_ClosesTransportDialedAfterCancel(t *testing.T) {
	transport := echoTransport()
	c, dialer := newTestConn(t, nil, Options{})
	release := make(chan struct{})
	dialer.DialFunc = func(network, addr string, config *ssh.ClientConfig) (ports.Transport, error) {
		<-release
		return transport, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded with cancelled context")
	}
	close(release)

	// the dial lands after cancellation; its transport must be drained
	// and closed, not abandoned open
	deadline := time.Now().Add(2 * time.Second)
	for !transport.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("transport dialed after cancellation was never closed")
		}
		time.Sleep(time.Millisecond)
	}
	if c.Connected() {
		t.Error("Connected() = true after cancelled Connect")
	}
}

func TestConn_ExecuteWithoutConnect(t *testing.T) {
	c, _ := newTestConn(t, nil, Options{})

	_, err := c.Execute(context.Background(), "1 + 1", ExecOptions{})
	if !failure.Is(err, failure.KindNotConnected) {
		t.Fatalf("Execute error = %v, want NotConnected", err)
	}
}

func TestConn_RejectsControlCharacterChannelKeys(t *testing.T) {
	c, _ := newTestConn(t, echoTransport(), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := c.Execute(context.Background(), "noop", ExecOptions{ChannelKey: "media\n"})
	if !failure.Is(err, failure.KindInvalidChannelType) {
		t.Fatalf("Execute error = %v, want InvalidChannelType", err)
	}
}

func TestConn_ChannelKeyReusesStream(t *testing.T) {
	transport := echoTransport()
	c, _ := newTestConn(t, transport, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		out, err := c.Execute(context.Background(), fmt.Sprintf("cmd %d", i), ExecOptions{
			ChannelKey:  "media",
			Description: "media command",
		})
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if out != fmt.Sprintf("ok: cmd %d", i) {
			t.Errorf("Execute %d = %q", i, out)
		}
	}

	if got := len(transport.Streams()); got != 1 {
		t.Errorf("streams opened = %d, want 1 persistent stream", got)
	}
}

func TestConn_DistinctChannelKeysGetDistinctStreams(t *testing.T) {
	transport := echoTransport()
	c, _ := newTestConn(t, transport, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, key := range []string{"media", "system", "media"} {
		if _, err := c.Execute(context.Background(), "noop", ExecOptions{ChannelKey: key}); err != nil {
			t.Fatalf("Execute on %q: %v", key, err)
		}
	}

	if got := len(transport.Streams()); got != 2 {
		t.Errorf("streams opened = %d, want 2", got)
	}
}

func TestConn_EphemeralStreamsAreClosed(t *testing.T) {
	transport := echoTransport()
	c, _ := newTestConn(t, transport, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.Execute(context.Background(), "whoami", ExecOptions{}); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}

	streams := transport.Streams()
	if len(streams) != 3 {
		t.Fatalf("streams opened = %d, want 3 one-shot streams", len(streams))
	}
	for i, s := range streams {
		if !s.Closed() {
			t.Errorf("ephemeral stream %d left open", i)
		}
	}
}

func TestConn_EphemeralLimiterBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	gate := make(chan struct{})

	transport := fakedialer.NewTransport(fakedialer.Responder(func(command string) string {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		<-gate

		mu.Lock()
		active--
		mu.Unlock()
		return "done"
	}))

	c, _ := newTestConn(t, transport, Options{MaxEphemeral: 2})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	const workers = 6
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Execute(context.Background(), "sleepy", ExecOptions{})
			errs <- err
		}()
	}

	// let two commands land in the responder, then release everyone
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := active
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never saw 2 concurrent commands (active=%d)", n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrent ephemeral commands = %d, limit is 2", peak)
	}
}

func TestConn_LatencySampleExcludesSlotWait(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan string, 2)
	transport := fakedialer.NewTransport(fakedialer.Responder(func(command string) string {
		entered <- command
		if command == "slow" {
			<-release
		}
		return "done"
	}))

	dialer := fakedialer.New()
	dialer.SetTransport(transport)
	clk := fakeclock.New(time.Unix(1000, 0))
	c := New(Options{
		Host:         "mac.local",
		User:         "alice",
		Password:     []byte("hunter2"),
		MaxEphemeral: 1,
		Dialer:       dialer,
		Clock:        clk,
		Random:       fakerand.New(),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Execute(context.Background(), "slow", ExecOptions{Description: "slow command"}) //nolint:errcheck
	}()
	<-entered // the slow command holds the only slot

	go func() {
		defer wg.Done()
		c.Execute(context.Background(), "quick", ExecOptions{Description: "quick command"}) //nolint:errcheck
	}()

	// the queued command waits out a long slot hold; that wait must not
	// land in its latency sample
	time.Sleep(20 * time.Millisecond)
	clk.Advance(10 * time.Second)
	close(release)
	wg.Wait()

	if got := c.timeouts.timeoutFor("quick command"); got != timeoutFloorDefault {
		t.Errorf("timeout after slot wait = %v, want the floor %v", got, timeoutFloorDefault)
	}
}

func TestConn_DisconnectRequestsExitAndWipes(t *testing.T) {
	transport := echoTransport()
	c, _ := newTestConn(t, transport, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.Execute(context.Background(), "noop", ExecOptions{ChannelKey: "media"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	password := c.opts.Password
	c.Disconnect()

	if c.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if !transport.Closed() {
		t.Error("transport left open after Disconnect")
	}
	for i := range password {
		if password[i] != 0 {
			t.Fatal("password bytes survived Disconnect")
		}
	}

	writes := transport.Streams()[0].Writes()
	last := writes[len(writes)-1]
	if !strings.HasPrefix(last, "exit;") {
		t.Errorf("last write = %q, want a graceful exit request", last)
	}

	_, err := c.Execute(context.Background(), "noop", ExecOptions{})
	if !failure.Is(err, failure.KindNotConnected) {
		t.Errorf("Execute after Disconnect = %v, want NotConnected", err)
	}
}

func TestConn_ForceCloseSkipsExit(t *testing.T) {
	transport := echoTransport()
	c, _ := newTestConn(t, transport, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.Execute(context.Background(), "noop", ExecOptions{ChannelKey: "media"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	c.ForceClose()

	if !transport.Closed() {
		t.Error("transport left open after ForceClose")
	}
	for _, w := range transport.Streams()[0].Writes() {
		if strings.HasPrefix(w, "exit;") {
			t.Errorf("ForceClose wrote an exit request: %q", w)
		}
	}
}

func TestConn_DisconnectTwiceIsSafe(t *testing.T) {
	c, _ := newTestConn(t, echoTransport(), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	c.Disconnect()
	c.ForceClose()
}

func TestSingleShotChallenge(t *testing.T) {
	challenge := singleShotChallenge("s3cret")

	// informational round with no questions must not count
	if _, err := challenge("", "banner", nil, nil); err != nil {
		t.Fatalf("empty round: %v", err)
	}

	answers, err := challenge("", "", []string{"Password:", "Again:"}, []bool{false, false})
	if err != nil {
		t.Fatalf("first round: %v", err)
	}
	if len(answers) != 2 || answers[0] != "s3cret" || answers[1] != "s3cret" {
		t.Errorf("first round answers = %v", answers)
	}

	if _, err := challenge("", "", []string{"Password:"}, []bool{false}); err == nil {
		t.Error("second challenge round succeeded, want auth failure")
	} else if !failure.Is(err, failure.KindAuthFailed) {
		t.Errorf("second round error = %v, want AuthFailed", err)
	}
}
