package htab

import "github.com/zeebo/xxh3"

// Hasher digests a key into the 32-bit hash used for bucket selection.
// It must be deterministic and stable for a given key and seed, and must
// not retain or mutate the key slice. Implementations are called
// concurrently from many goroutines.
type Hasher func(key []byte, seed uint64) uint32

// defaultHasher is the built-in Hasher: the seeded xxh3 digest truncated
// to 32 bits. The per-map random seed keeps bucket distribution
// unpredictable across map instances.
func defaultHasher(key []byte, seed uint64) uint32 {
	return uint32(xxh3.HashSeed(key, seed))
}
