package htab

// slab is a fixed-size element allocator. Every element the map will ever
// hand out is allocated up front: maxEntries live slots plus one slot per
// processor of slack, absorbing the window during which removed elements
// still occupy their slot while waiting out a grace period.
//
// alloc and free are O(1), allocation-free, and safe to call while a
// bucket lock is held. The free list links elements intrusively through
// their next pointer, which is unused while an element is unallocated.
type slab struct {
	mu    mutex
	free  *element
	elems []element
	buf   []byte
}

// newSlab preallocates n elements of payload bytes each and links them all
// onto the free list. Element payloads are carved from one contiguous
// backing buffer.
func newSlab(m *Map, payload, n int) *slab {
	s := &slab{
		elems: make([]element, n),
		buf:   make([]byte, payload*n),
	}
	for i := range s.elems {
		e := &s.elems[i]
		e.owner = m
		e.data = s.buf[i*payload : (i+1)*payload : (i+1)*payload]
		e.free = s.free
		s.free = e
	}
	return s
}

// alloc pops an element off the free list, or returns nil when the pool is
// exhausted. The returned element's chain pointer is clear.
func (s *slab) alloc() *element {
	s.mu.lock()
	e := s.free
	if e != nil {
		s.free = e.free
		e.free = nil
		e.next.Store(nil)
	}
	s.mu.unlock()
	return e
}

// release returns an element to the free list. The element must be
// unreachable: unlinked from its bucket and past its grace period.
func (s *slab) release(e *element) {
	s.mu.lock()
	e.free = s.free
	s.free = e
	s.mu.unlock()
}

// available reports the number of elements currently on the free list.
// Diagnostic only; the result is stale the moment the lock drops.
func (s *slab) available() int {
	n := 0
	s.mu.lock()
	for e := s.free; e != nil; e = e.free {
		n++
	}
	s.mu.unlock()
	return n
}
