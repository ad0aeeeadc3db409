package rand

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

var source = mrand.New(&cryptoSource{})

// Uint64 returns a random uint64 value.
func Uint64() uint64 {
	return source.Uint64()
}

// Uint32 returns a random uint32 value.
func Uint32() uint32 {
	return source.Uint32()
}

// Shuffle pseudo-randomizes the order of n elements via swap.
func Shuffle(n int, swap func(i, j int)) {
	source.Shuffle(n, swap)
}

// Read fills p with random bytes.
func Read(p []byte) {
	_, _ = crand.Read(p) // always returns nil
}

// cryptoSource is a math/rand.Source taking entropy from crypto/rand.
type cryptoSource struct{}

// Seed implements math/rand.Source.
func (s *cryptoSource) Seed(int64) {}

// Int63 implements math/rand.Source.
func (s *cryptoSource) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

// Uint64 implements math/rand.Source64.
func (s *cryptoSource) Uint64() uint64 {
	var buf [8]byte
	_, _ = crand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}
