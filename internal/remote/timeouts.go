package remote

import (
	"strings"
	"sync"
	"time"
)

// Adaptive timeout policy: an exponential moving average of completion
// latency per command class, updated on success only, clamped to a
// per-class floor and a hard ceiling.
const (
	timeoutCeiling      = 8 * time.Second
	timeoutFloorDefault = 2 * time.Second
	timeoutFloorVolume  = 1500 * time.Millisecond
	timeoutHeartbeat    = 3 * time.Second

	emaKeepWeight   = 0.7
	emaSampleWeight = 0.3

	// descriptions are truncated before keying so free-text suffixes
	// (track names, app ids) don't fragment the table.
	descKeyLen = 48
)

// timeoutTable holds per-description rolling latency averages. It is
// owned by one Conn; nothing here is process-wide, so concurrent
// connections never share history.
type timeoutTable struct {
	mu   sync.Mutex
	avgs map[string]time.Duration
}

func newTimeoutTable() *timeoutTable {
	return &timeoutTable{avgs: make(map[string]time.Duration)}
}

func descKey(description string) string {
	if len(description) > descKeyLen {
		description = description[:descKeyLen]
	}
	return description
}

func floorFor(description string) time.Duration {
	if strings.Contains(strings.ToLower(description), "volume") {
		return timeoutFloorVolume
	}
	return timeoutFloorDefault
}

func isHeartbeat(description string) bool {
	return strings.Contains(strings.ToLower(description), "heartbeat")
}

// timeoutFor computes the deadline for a command:
// clamp(3*avg, floor, 8s), with heartbeats pinned to a fixed 3s
// regardless of history.
func (t *timeoutTable) timeoutFor(description string) time.Duration {
	if isHeartbeat(description) {
		return timeoutHeartbeat
	}

	floor := floorFor(description)

	t.mu.Lock()
	avg, ok := t.avgs[descKey(description)]
	t.mu.Unlock()

	if !ok {
		return floor
	}

	timeout := 3 * avg
	if timeout < floor {
		return floor
	}
	if timeout > timeoutCeiling {
		return timeoutCeiling
	}
	return timeout
}

// record folds a successful completion latency into the average.
// Failures never update the table; a run of timeouts must not inflate
// future deadlines.
func (t *timeoutTable) record(description string, d time.Duration) {
	if isHeartbeat(description) {
		return
	}

	key := descKey(description)

	t.mu.Lock()
	defer t.mu.Unlock()

	avg, ok := t.avgs[key]
	if !ok {
		t.avgs[key] = d
		return
	}
	t.avgs[key] = time.Duration(float64(avg)*emaKeepWeight + float64(d)*emaSampleWeight)
}
