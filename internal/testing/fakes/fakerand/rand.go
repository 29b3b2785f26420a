// Package fakerand provides a deterministic Random implementation for testing.
package fakerand

import (
	"sync"

	"github.com/deskremote/deskremote/internal/ports"
)

// Random produces a deterministic byte sequence so sentinel tokens are
// stable within a test.
type Random struct {
	mu      sync.Mutex
	counter uint64
	err     error
}

// New creates a deterministic Random starting at zero.
func New() *Random {
	return &Random{}
}

// Read fills b with a counter-derived byte pattern. Every call yields a
// distinct sequence.
func (r *Random) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}

	r.counter++
	c := r.counter
	for i := range b {
		b[i] = byte(c >> (8 * (uint(i) % 8)))
		if i%8 == 7 {
			c++
		}
	}
	return len(b), nil
}

// SetError makes subsequent Reads fail with err.
func (r *Random) SetError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Ensure Random implements ports.Random.
var _ ports.Random = (*Random)(nil)
