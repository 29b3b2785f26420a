package ports

// Random abstracts random byte generation so sentinel tokens are
// reproducible in tests.
type Random interface {
	// Read fills b with random bytes and returns the number of bytes read.
	Read(b []byte) (n int, err error)
}
