package shell

import (
	"fmt"
	"strings"
	"testing"

	"github.com/deskremote/deskremote/internal/failure"
)

func enqueue(t *testing.T, d *Demux, sentinel, command string) *Pending {
	t.Helper()
	p := newPending(sentinel, command)
	if err := d.Enqueue(p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return p
}

func mustResult(t *testing.T, p *Pending) string {
	t.Helper()
	select {
	case res := <-p.done:
		if res.err != nil {
			t.Fatalf("unexpected command failure: %v", res.err)
		}
		return res.output
	default:
		t.Fatal("command not resolved")
		return ""
	}
}

func mustFailure(t *testing.T, p *Pending) error {
	t.Helper()
	select {
	case res := <-p.done:
		if res.err == nil {
			t.Fatalf("expected failure, got output %q", res.output)
		}
		return res.err
	default:
		t.Fatal("command not resolved")
		return nil
	}
}

func TestDemux_ResolvesInFIFOOrder(t *testing.T) {
	d := NewDemux()
	p1 := enqueue(t, d, "tok1", "cmd1")
	p2 := enqueue(t, d, "tok2", "cmd2")
	p3 := enqueue(t, d, "tok3", "cmd3")

	d.HandleStdout([]byte("alpha\ntok1\n"))
	d.HandleStdout([]byte("beta\ntok2\n"))
	d.HandleStdout([]byte("gamma\ntok3\n"))

	if got := mustResult(t, p1); got != "alpha" {
		t.Errorf("p1 = %q, want alpha", got)
	}
	if got := mustResult(t, p2); got != "beta" {
		t.Errorf("p2 = %q, want beta", got)
	}
	if got := mustResult(t, p3); got != "gamma" {
		t.Errorf("p3 = %q, want gamma", got)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d, want 0", n)
	}
}

func TestDemux_TwoSentinelsInOneChunk(t *testing.T) {
	// A fast local shell can answer two queued commands in one read.
	d := NewDemux()
	p1 := enqueue(t, d, "tokA", "cmdA")
	p2 := enqueue(t, d, "tokB", "cmdB")

	d.HandleStdout([]byte("first\ntokA\nsecond\ntokB\n"))

	if got := mustResult(t, p1); got != "first" {
		t.Errorf("p1 = %q, want first", got)
	}
	if got := mustResult(t, p2); got != "second" {
		t.Errorf("p2 = %q, want second", got)
	}
}

func TestDemux_SplitAcrossChunks(t *testing.T) {
	d := NewDemux()
	p := enqueue(t, d, "tokX", "cmd")

	d.HandleStdout([]byte("partial out"))
	d.HandleStdout([]byte("put\nto"))
	if p.resolved {
		t.Fatal("resolved before sentinel complete")
	}
	d.HandleStdout([]byte("kX\n"))

	if got := mustResult(t, p); got != "partial output" {
		t.Errorf("output = %q, want %q", got, "partial output")
	}
}

func TestDemux_EvaluatorEchoForm(t *testing.T) {
	d := NewDemux()
	p := enqueue(t, d, "tokE", "get volume")

	d.HandleStdout([]byte("=> \"42\"\n=> \"tokE\"\n"))

	if got := mustResult(t, p); got != "42" {
		t.Errorf("output = %q, want 42", got)
	}
}

func TestDemux_EvaluatorErrorMarkers(t *testing.T) {
	cases := []string{
		"=> variable frobnicate is not defined\n",
		"=> app doesn't understand message play\n",
		"=> Can't get window 3\n",
		"error: -1728\n",
	}
	for _, raw := range cases {
		d := NewDemux()
		p := enqueue(t, d, "tokZ", "cmd")
		d.HandleStdout([]byte(raw + "tokZ\n"))

		err := mustFailure(t, p)
		if !failure.Is(err, failure.KindChannelError) {
			t.Errorf("raw %q: err = %v, want ChannelError", raw, err)
		}
	}
}

func TestDemux_FallbackLastMeaningfulLine(t *testing.T) {
	d := NewDemux()
	p := enqueue(t, d, "tokF", "osascript -e 'output volume of (get volume settings)'")

	// Prompt noise, an echo of the submitted script, then the value.
	d.HandleStdout([]byte("$ ignored prompt\nosascript -e 'output volume of (get volume settings)'\n37\ntokF\n"))

	if got := mustResult(t, p); got != "37" {
		t.Errorf("output = %q, want 37", got)
	}
}

func TestDemux_GreetingStrippedOnce(t *testing.T) {
	d := NewDemux()
	p := enqueue(t, d, "tokG", "cmd")

	d.HandleStdout([]byte("Last login: Tue Aug 25 on ttys001\nWelcome to the machine\nreal\ntokG\n"))

	if got := mustResult(t, p); got != "real" {
		t.Errorf("output = %q, want real", got)
	}
}

func TestDemux_StderrFailsHeadCommand(t *testing.T) {
	d := NewDemux()
	p1 := enqueue(t, d, "tok1", "cmd1")
	p2 := enqueue(t, d, "tok2", "cmd2")

	d.HandleStderr([]byte("sh: frobnicate: command not found\n"))

	err := mustFailure(t, p1)
	if !failure.Is(err, failure.KindChannelError) {
		t.Errorf("err = %v, want ChannelError", err)
	}
	if !strings.Contains(err.Error(), "command not found") {
		t.Errorf("err = %v, want raw stderr text carried", err)
	}

	// The next command is unaffected.
	d.HandleStdout([]byte("fine\ntok2\n"))
	if got := mustResult(t, p2); got != "fine" {
		t.Errorf("p2 = %q, want fine", got)
	}
}

func TestDemux_BufferOverflowFailsStuckCommand(t *testing.T) {
	d := NewDemuxWithCeiling(1024)
	p := enqueue(t, d, "tokO", "cmd")

	var overflow error
	for i := 0; i < 64 && overflow == nil; i++ {
		overflow = d.HandleStdout([]byte(strings.Repeat("x", 64) + "\n"))
	}

	if overflow == nil {
		t.Fatal("expected overflow error from HandleStdout")
	}
	err := mustFailure(t, p)
	if !strings.Contains(err.Error(), "buffer overflow") {
		t.Errorf("err = %v, want buffer overflow", err)
	}
}

func TestDemux_CloseFailsAllQueuedInOrder(t *testing.T) {
	d := NewDemux()
	pendings := make([]*Pending, 4)
	for i := range pendings {
		pendings[i] = enqueue(t, d, fmt.Sprintf("tok%d", i), "cmd")
	}

	d.Close()

	for i, p := range pendings {
		err := mustFailure(t, p)
		if !strings.Contains(err.Error(), "channel closed unexpectedly") {
			t.Errorf("pending %d: err = %v", i, err)
		}
	}

	if err := d.Enqueue(newPending("late", "cmd")); err == nil {
		t.Error("Enqueue after Close should fail")
	}
}

func TestDemux_ResolveExactlyOnce(t *testing.T) {
	d := NewDemux()
	p := enqueue(t, d, "tokR", "cmd")

	d.HandleStdout([]byte("out\ntokR\n"))
	d.Close() // must not resolve p again

	if got := mustResult(t, p); got != "out" {
		t.Errorf("output = %q, want out", got)
	}
	select {
	case <-p.done:
		t.Error("pending resolved twice")
	default:
	}
}

func TestDemux_StrayOutputWithNothingPending(t *testing.T) {
	d := NewDemux()
	if err := d.HandleStdout([]byte("orphan noise\n")); err != nil {
		t.Fatalf("HandleStdout: %v", err)
	}

	// A later command is unaffected by the discarded noise.
	p := enqueue(t, d, "tokS", "cmd")
	d.HandleStdout([]byte("value\ntokS\n"))
	if got := mustResult(t, p); got != "value" {
		t.Errorf("output = %q, want value", got)
	}
}
