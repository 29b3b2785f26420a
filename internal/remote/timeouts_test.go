package remote

import (
	"testing"
	"time"
)

func TestTimeoutTable_ColdStartUsesFloor(t *testing.T) {
	tt := newTimeoutTable()

	if got := tt.timeoutFor("read preferences"); got != timeoutFloorDefault {
		t.Errorf("cold-start timeout = %v, want %v", got, timeoutFloorDefault)
	}
	if got := tt.timeoutFor("set volume to 30"); got != timeoutFloorVolume {
		t.Errorf("cold-start volume timeout = %v, want %v", got, timeoutFloorVolume)
	}
}

func TestTimeoutTable_HeartbeatIsFixed(t *testing.T) {
	tt := newTimeoutTable()

	// even a pile of slow samples must not move the heartbeat deadline
	for i := 0; i < 10; i++ {
		tt.record("heartbeat probe", 7*time.Second)
	}
	if got := tt.timeoutFor("heartbeat probe"); got != timeoutHeartbeat {
		t.Errorf("heartbeat timeout = %v, want %v", got, timeoutHeartbeat)
	}
}

func TestTimeoutTable_TripleAverageWithinBounds(t *testing.T) {
	tt := newTimeoutTable()

	tt.record("list windows", 1200*time.Millisecond)
	want := 3 * 1200 * time.Millisecond
	if got := tt.timeoutFor("list windows"); got != want {
		t.Errorf("timeout after one sample = %v, want %v", got, want)
	}
}

func TestTimeoutTable_ClampsToFloorAndCeiling(t *testing.T) {
	tt := newTimeoutTable()

	tt.record("quick echo", 10*time.Millisecond)
	if got := tt.timeoutFor("quick echo"); got != timeoutFloorDefault {
		t.Errorf("fast-command timeout = %v, want floor %v", got, timeoutFloorDefault)
	}

	tt.record("slow scan", 20*time.Second)
	if got := tt.timeoutFor("slow scan"); got != timeoutCeiling {
		t.Errorf("slow-command timeout = %v, want ceiling %v", got, timeoutCeiling)
	}
}

func TestTimeoutTable_EMAConverges(t *testing.T) {
	tt := newTimeoutTable()

	tt.record("open app", 1*time.Second)
	for i := 0; i < 40; i++ {
		tt.record("open app", 2*time.Second)
	}

	// avg should have drifted to ~2s, so the deadline sits near 6s
	got := tt.timeoutFor("open app")
	if got < 5900*time.Millisecond || got > 6*time.Second {
		t.Errorf("converged timeout = %v, want ~6s", got)
	}
}

func TestTimeoutTable_KeysTruncate(t *testing.T) {
	tt := newTimeoutTable()

	long := "fetch the current playback state of the media player application"
	tt.record(long, 2*time.Second)

	// same prefix past the key length shares the entry
	other := long[:descKeyLen] + " with a different tail entirely"
	if got := tt.timeoutFor(other); got != 6*time.Second {
		t.Errorf("timeout via shared key = %v, want 6s", got)
	}
}

func TestTimeoutTable_DistinctDescriptionsIsolated(t *testing.T) {
	tt := newTimeoutTable()

	tt.record("slow scan", 20*time.Second)
	if got := tt.timeoutFor("quick echo"); got != timeoutFloorDefault {
		t.Errorf("unrelated description inherited history: %v", got)
	}
}
