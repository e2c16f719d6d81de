package htab

import (
	"encoding/binary"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// One writer keeps replacing the value for a single key while several
// readers look it up. Every value carries a checksum over its payload;
// a reader must never observe a torn value or reclaimed memory, so every
// successful lookup has to pass the checksum of some value that was
// actually written.
func TestConcurrentReplaceTornReads(t *testing.T) {
	const (
		iters   = 20000
		readers = 4
	)
	m, err := New(8, 32, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, 0xdead)
	if err := m.Update(key, checksummedValue(0), UpdateAny); err != nil {
		t.Fatal(err)
	}

	var done atomic.Bool
	var g errgroup.Group

	g.Go(func() error {
		for i := uint64(1); i <= iters; i++ {
			if err := m.Update(key, checksummedValue(i), UpdateAny); err != nil {
				return err
			}
		}
		done.Store(true)
		return nil
	})

	errs := make([]int, readers)
	for r := 0; r < readers; r++ {
		buf := make([]byte, 32)
		g.Go(func() error {
			for !done.Load() {
				if !m.LookupInto(key, buf) {
					errs[r]++ // the key is never deleted; must not happen
					continue
				}
				if !verifyChecksum(buf) {
					errs[r]++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for r, n := range errs {
		if n != 0 {
			t.Fatalf("reader %d observed %d torn or missing values", r, n)
		}
	}
	m.dom.poll() // quiescent: two advances flush every remaining limbo list
	if m.dom.pending.Load() != 0 {
		t.Fatalf("reclamations still pending after quiescence: %d",
			m.dom.pending.Load())
	}
}

// checksummedValue builds a 32-byte value whose first 8 bytes hold the sum
// of the remaining three 8-byte words.
func checksummedValue(i uint64) []byte {
	v := make([]byte, 32)
	a, b, c := i, i*0x9e3779b97f4a7c15, rand.Uint64()
	binary.LittleEndian.PutUint64(v[8:], a)
	binary.LittleEndian.PutUint64(v[16:], b)
	binary.LittleEndian.PutUint64(v[24:], c)
	binary.LittleEndian.PutUint64(v, a+b+c)
	return v
}

func verifyChecksum(v []byte) bool {
	sum := binary.LittleEndian.Uint64(v[8:]) +
		binary.LittleEndian.Uint64(v[16:]) +
		binary.LittleEndian.Uint64(v[24:])
	return binary.LittleEndian.Uint64(v) == sum
}

// Writers on disjoint key ranges proceed in parallel; afterwards the map
// holds exactly the surviving keys.
func TestConcurrentDisjointWriters(t *testing.T) {
	const (
		writers = 8
		perW    = 512
	)
	m, err := New(8, 16, writers*perW)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		base := uint64(w * perW)
		g.Go(func() error {
			buf := make([]byte, 16)
			for i := uint64(0); i < perW; i++ {
				if err := m.Update(k64(base+i), v16(base+i), UpdateAny); err != nil {
					return err
				}
			}
			for i := uint64(0); i < perW; i++ {
				if !m.LookupInto(k64(base+i), buf) {
					t.Errorf("key %d vanished", base+i)
				}
			}
			// Drop the even half.
			for i := uint64(0); i < perW; i += 2 {
				if err := m.Delete(k64(base + i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got, want := m.Len(), writers*perW/2; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	st := m.Stats()
	if st.Entries != st.Counter {
		t.Fatalf("chain walk found %d entries, counter says %d",
			st.Entries, st.Counter)
	}
}

// Mixed readers, writers and an enumerator hammering a small key space.
// This is a crash-and-sanitizer test: under -race it checks the entire
// unlocked read path against the reclamation protocol.
func TestConcurrentMixedChurn(t *testing.T) {
	const (
		keys  = 64
		iters = 5000
	)
	m, err := New(8, 16, keys)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	cpus := runtime.GOMAXPROCS(0)
	var g errgroup.Group
	for w := 0; w < max(2, cpus/2); w++ {
		seed := uint64(w)
		g.Go(func() error {
			r := rand.New(rand.NewPCG(seed, seed^0xabcdef))
			buf := make([]byte, 16)
			for i := 0; i < iters; i++ {
				k := k64(r.Uint64() % keys)
				switch r.Uint64() % 4 {
				case 0:
					if err := m.Delete(k); err != nil {
						return err
					}
				case 1:
					m.LookupInto(k, buf)
				default:
					err := m.Update(k, v16(r.Uint64()), UpdateAny)
					if err != nil && err != ErrFull && err != ErrNoMemory {
						return err
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		next := make([]byte, 8)
		var key []byte
		for i := 0; i < iters; i++ {
			if err := m.NextKeyInto(key, next); err != nil {
				key = nil // ran out or raced; restart
				continue
			}
			key = append(key[:0], next...)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	st := m.Stats()
	if st.Entries != st.Counter {
		t.Fatalf("chain walk found %d entries, counter says %d",
			st.Entries, st.Counter)
	}
	m.dom.poll()
	if m.dom.pending.Load() != 0 {
		t.Fatalf("reclamations still pending after quiescence: %d",
			m.dom.pending.Load())
	}
}

// Capacity enforcement is approximate: concurrent inserts may overshoot
// maxEntries by a bounded handful, never by more than the preallocated
// slack.
func TestConcurrentCapacityApproximate(t *testing.T) {
	const capacity = 128
	m, err := New(8, 16, capacity)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		base := uint64(w * 1000)
		g.Go(func() error {
			for i := uint64(0); i < capacity; i++ {
				err := m.Update(k64(base+i), v16(i), UpdateAny)
				if err != nil && err != ErrFull && err != ErrNoMemory {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := m.Len(); got < capacity || got > capacity+ncpus() {
		t.Fatalf("Len() = %d, want within [%d, %d]", got, capacity, capacity+ncpus())
	}
}
