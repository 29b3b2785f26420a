package security

import (
	"crypto/rand"
)

// WipeBytes overwrites a byte slice in place: random data, zeros,
// random data, zeros. Password buffers go through here before they
// are released.
func WipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	rand.Read(data)
	for i := range data {
		data[i] = 0
	}
	rand.Read(data)
	for i := range data {
		data[i] = 0
	}
}

// SecureBytes holds a private copy of sensitive bytes so the caller's
// buffer and this one can be wiped independently.
type SecureBytes struct {
	data []byte
}

// NewSecureBytes copies data into a new SecureBytes.
func NewSecureBytes(data []byte) *SecureBytes {
	d := make([]byte, len(data))
	copy(d, data)
	return &SecureBytes{data: d}
}

// Data returns the underlying byte slice.
func (sb *SecureBytes) Data() []byte {
	return sb.data
}

// Len returns the length of the data.
func (sb *SecureBytes) Len() int {
	return len(sb.data)
}

// Wipe overwrites and drops the data.
func (sb *SecureBytes) Wipe() {
	WipeBytes(sb.data)
	sb.data = nil
}
