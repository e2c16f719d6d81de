package htab

import (
	"math/rand/v2"
	"unsafe"

	"go.uber.org/atomic"
)

// Epoch-based reclamation.
//
// Readers traverse bucket chains without locks, so an unlinked element may
// still be referenced by a reader that started its scan before the unlink.
// Instead of freeing unlinked elements immediately, writers retire them to
// the map's epoch domain, which runs the release callback only after every
// reader that could have observed the element has exited its read guard.
//
// The domain keeps a global epoch counter and a fixed array of reader
// slots. A reader entering a guard claims a free slot and publishes the
// epoch it observed; the epoch can only advance from E to E+1 once every
// active reader is pinned at E. An element retired during epoch E is
// therefore unreachable by all readers once the epoch reaches E+2: the
// advance to E+1 flushed out readers from E-1 and earlier, and the advance
// to E+2 flushed out every reader that was active at retirement time.
//
// Retired elements wait on one of three limbo lists, indexed by their
// retirement epoch mod 3. Advances are attempted after each retirement and
// when a reader exits with reclamations pending, so pending callbacks
// always drain once readers leave; nothing ever blocks waiting for a grace
// period to elapse.

const minReaderSlots = 64

// readerSlot holds one active reader's pinned epoch. Zero means free;
// otherwise the value is epoch<<1|1. Slots are padded to a cache line so
// concurrent readers don't false-share.
type readerSlot struct {
	state atomic.Uint64

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		state atomic.Uint64
	}{})%CacheLineSize) % CacheLineSize]byte
}

// limbo is one epoch's worth of retired elements, linked intrusively
// through their reclaim pointer.
type limbo struct {
	mu    mutex
	epoch uint64
	head  *element
}

// epochDomain is a per-map grace-period scheduler.
type epochDomain struct {
	epoch   atomic.Uint64
	pending atomic.Int64 // retired elements not yet released
	release func(*element)
	slots   []readerSlot
	limbos  [3]limbo
}

func newEpochDomain(cpus int, release func(*element)) *epochDomain {
	d := &epochDomain{
		release: release,
		slots:   make([]readerSlot, nextPowOf2(max(cpus*8, minReaderSlots))),
	}
	for i := range d.limbos {
		d.limbos[i].epoch = uint64(i)
	}
	return d
}

// enter pins the calling reader to the current epoch and returns its slot.
// Elements observed between enter and exit remain valid memory for the
// guard's duration even if concurrently unlinked.
func (d *epochDomain) enter() *readerSlot {
	mask := uint32(len(d.slots) - 1)
	idx := rand.Uint32() & mask
	spins := 0
	for {
		for i := uint32(0); i <= mask; i++ {
			s := &d.slots[(idx+i)&mask]
			if s.state.Load() != 0 {
				continue
			}
			e := d.epoch.Load()
			if !s.state.CompareAndSwap(0, e<<1|1) {
				continue
			}
			// Re-publish until the pinned epoch matches the global one:
			// an advance may have slipped in between the load and the
			// claim, and a stale pin would stall advances forever.
			for {
				cur := d.epoch.Load()
				if cur == e {
					return s
				}
				s.state.Store(cur<<1 | 1)
				e = cur
			}
		}
		// Every slot busy: more concurrent readers than slots. Transient;
		// back off and retry.
		delay(&spins)
	}
}

// exit releases the reader's slot. The last reader out drives pending
// reclamations forward.
func (d *epochDomain) exit(s *readerSlot) {
	s.state.Store(0)
	if d.pending.Load() != 0 {
		d.advance()
		d.advance()
	}
}

// retire queues an unlinked element for deferred release. O(1) and
// non-blocking; safe to call with the element's bucket lock held. The
// caller is expected to invoke poll once it has dropped its locks.
func (d *epochDomain) retire(e *element) {
	cur := d.epoch.Load()
	l := &d.limbos[cur%3]
	l.mu.lock()
	if l.head != nil && l.epoch != cur {
		// Leftovers from three epochs ago; their grace period elapsed long
		// since. Flush before reusing the list for the current epoch.
		d.flushLocked(l)
	}
	l.epoch = cur
	e.reclaim = l.head
	l.head = e
	l.mu.unlock()
	d.pending.Inc()
}

// poll attempts to advance the epoch and release whatever became safe.
// Two advances suffice to drain everything when no readers are active.
func (d *epochDomain) poll() {
	if d.pending.Load() == 0 {
		return
	}
	d.advance()
	d.advance()
}

// advance moves the global epoch forward by one if every active reader is
// pinned at the current epoch, then releases limbo lists whose grace
// period has elapsed. Never blocks: if any reader lags, it simply returns.
func (d *epochDomain) advance() {
	cur := d.epoch.Load()
	for i := range d.slots {
		st := d.slots[i].state.Load()
		if st != 0 && st>>1 != cur {
			return
		}
	}
	d.epoch.CompareAndSwap(cur, cur+1)
	d.flushEligible()
}

// flushEligible releases every limbo list whose retirement epoch lies two
// or more epochs behind the current one.
func (d *epochDomain) flushEligible() {
	if d.pending.Load() == 0 {
		return
	}
	cur := d.epoch.Load()
	for i := range d.limbos {
		l := &d.limbos[i]
		l.mu.lock()
		if l.head != nil && l.epoch+2 <= cur {
			d.flushLocked(l)
		}
		l.mu.unlock()
	}
}

// flushLocked runs the release callback for every element on l. The caller
// holds l.mu. Callbacks may tear down the owning map when they drop its
// last reference, so l must not be touched after the loop.
func (d *epochDomain) flushLocked(l *limbo) {
	e := l.head
	l.head = nil
	for e != nil {
		next := e.reclaim
		e.reclaim = nil
		d.pending.Dec()
		d.release(e)
		e = next
	}
}
