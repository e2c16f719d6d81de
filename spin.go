package htab

import (
	"sync/atomic"
	"time"
	_ "unsafe"
)

// enableSpin controls whether waiting operations spin before sleeping.
// When true, short waits call runtime_doSpin() directly, which uses the
// CPU's PAUSE instruction to reduce contention latency.
const enableSpin = true

// mutex is a one-word spin lock. It serializes writers on a bucket, the
// slab free list, and the reclamation limbo lists; readers never take it.
// Critical sections are short and bounded, so spinning beats parking.
//
// Partially references:
// [https://github.com/facebook/folly/blob/main/folly/synchronization/PicoSpinLock.h]
type mutex struct {
	state uint32
}

func (m *mutex) lock() {
	if atomic.CompareAndSwapUint32(&m.state, 0, 1) {
		return
	}
	m.slowLock()
}

func (m *mutex) slowLock() {
	spins := 0
	for !m.tryLock() {
		delay(&spins)
	}
}

func (m *mutex) tryLock() bool {
	return atomic.LoadUint32(&m.state) == 0 &&
		atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

func (m *mutex) unlock() {
	atomic.StoreUint32(&m.state, 0)
}

func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if //goland:noinspection ALL
	enableSpin && runtime_canSpin(*spins) {
		runtime_doSpin()
		*spins++
	} else {
		// time.Sleep with non-zero duration works effectively as backoff
		// under high concurrency.
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//go:nosplit
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//go:nosplit
func runtime_doSpin()
