// Package htab implements a fixed-capacity hash map over raw key and value
// bytes, built to back a bytecode virtual machine runtime where many
// goroutines read and write the same map simultaneously.
//
// Reads are wait-free: Lookup and NextKey traverse a bucket's chain without
// taking any lock, protected by an epoch read guard that keeps every
// observed element alive until the guard is released. Writes serialize on
// one spin lock per bucket; writes to different buckets proceed fully in
// parallel. Removed elements are never freed in place: they are retired to
// the map's epoch domain and returned to the preallocated element pool only
// after every reader that could have observed them has exited its guard.
//
// Capacity is fixed at creation. The table never rehashes and never grows.
package htab

import (
	"bytes"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

// UpdateFlags constrain an Update against the key's current presence.
type UpdateFlags uint64

const (
	// UpdateAny upserts regardless of whether the key is present.
	UpdateAny UpdateFlags = 0
	// UpdateNoExist makes Update fail with ErrExists if the key is present.
	UpdateNoExist UpdateFlags = 1 << 0
	// UpdateExist makes Update fail with ErrNotExist if the key is absent.
	UpdateExist UpdateFlags = 1 << 1
)

// element is one live key/value record. The key and value bytes live
// back-to-back in a single preallocated payload buffer.
//
// While linked into a bucket its chain is reachable by lock-free readers,
// so next is only ever mutated atomically, and an unlinked element keeps
// its next pointer intact for readers still parked on it. An element is
// linked into at most one bucket, and once unlinked it is never re-linked;
// it proceeds through the limbo list (reclaim) back to the free list
// (free).
type element struct {
	next    atomic.Pointer[element] // bucket chain
	reclaim *element                // limbo chain, owned by the epoch domain
	free    *element                // free list, owned by the slab
	owner   *Map
	klen    uint32
	data    []byte // key bytes followed by value bytes
}

func (e *element) key() []byte   { return e.data[:e.klen] }
func (e *element) value() []byte { return e.data[e.klen:] }

// bucket is one hash slot: an intrusive chain of elements plus a lock that
// guards writers only. Padded to a cache line so neighboring buckets don't
// false-share under concurrent writes.
type bucket struct {
	head atomic.Pointer[element]
	mu   mutex

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		head atomic.Pointer[element]
		mu   mutex
	}{})%CacheLineSize) % CacheLineSize]byte
}

// find returns the first element whose key equals key. Safe without the
// bucket lock; the caller must hold an epoch read guard.
func (b *bucket) find(key []byte) *element {
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		if bytes.Equal(e.key(), key) {
			return e
		}
	}
	return nil
}

// findWithPrev returns the element for key and its predecessor in the
// chain (nil when the element is the chain head). The caller holds b.mu.
func (b *bucket) findWithPrev(key []byte) (e, prev *element) {
	for e = b.head.Load(); e != nil; prev, e = e, e.next.Load() {
		if bytes.Equal(e.key(), key) {
			return e, prev
		}
	}
	return nil, nil
}

// unlink removes e from the chain. prev is e's predecessor, nil when e
// heads the chain. e's own next pointer is deliberately left intact:
// concurrent readers parked on e must still be able to continue their
// traversal. The caller holds b.mu.
func (b *bucket) unlink(e, prev *element) {
	if prev == nil {
		b.head.Store(e.next.Load())
	} else {
		prev.next.Store(e.next.Load())
	}
}

// Map is a fixed-capacity concurrent hash map keyed by opaque byte
// strings. All keys share one configured size, as do all values.
//
// A Map must not be copied after first use.
type Map struct {
	_ noCopy

	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	nbuckets   uint32 // power of two
	seed       uint64
	hasher     Hasher

	buckets []bucket
	slab    *slab
	dom     *epochDomain

	// count tracks live elements. It is mutated under whichever single
	// bucket lock covers the mutation, so the lock-free capacity check in
	// Update observes it approximately; see Update.
	count uatomic.Uint32

	// refs counts outstanding reasons the map's resources must stay
	// allocated: 1 for the map itself until Close, plus one per element
	// awaiting reclamation. The decrement that reaches zero tears the map
	// down, whether it belongs to Close or to the last in-flight
	// reclamation callback.
	refs     uatomic.Int32
	closed   uatomic.Bool
	released uatomic.Bool
}

// MapConfig carries optional New parameters.
type MapConfig struct {
	hasher  Hasher
	seed    uint64
	hasSeed bool
}

// WithHasher overrides the built-in xxh3 key hasher.
func WithHasher(h Hasher) func(*MapConfig) {
	return func(c *MapConfig) {
		c.hasher = h
	}
}

// WithSeed fixes the hash seed instead of drawing a random one. Useful for
// reproducing bucket distributions in tests.
func WithSeed(seed uint64) func(*MapConfig) {
	return func(c *MapConfig) {
		c.seed = seed
		c.hasSeed = true
	}
}

const elemOverhead = uint64(unsafe.Sizeof(element{}))

// New creates a map holding up to maxEntries entries of keySize-byte keys
// and valueSize-byte values. All element storage is preallocated here;
// no operation allocates on the write path afterwards.
//
// The bucket count is the smallest power of two >= maxEntries, which turns
// bucket selection into a bitmask. The element pool holds maxEntries plus
// one slot per processor: the slack absorbs elements that were removed but
// still await the end of their grace period.
func New(keySize, valueSize, maxEntries uint32, options ...func(*MapConfig)) (*Map, error) {
	if keySize == 0 || valueSize == 0 || maxEntries == 0 {
		return nil, ErrInvalid
	}
	if uint64(keySize)+uint64(valueSize)+elemOverhead > math.MaxUint32 {
		return nil, ErrTooBig
	}
	if maxEntries > 1<<31 {
		return nil, ErrTooBig
	}

	var cfg MapConfig
	for _, opt := range options {
		opt(&cfg)
	}

	cpus := ncpus()
	payload := int(keySize) + int(valueSize)
	nelems := int(maxEntries) + cpus
	if uint64(payload)*uint64(nelems) > math.MaxInt32 {
		return nil, ErrTooBig
	}

	m := &Map{
		keySize:    keySize,
		valueSize:  valueSize,
		maxEntries: maxEntries,
		nbuckets:   uint32(nextPowOf2(int(maxEntries))),
		seed:       rand.Uint64(),
		hasher:     defaultHasher,
	}
	if cfg.hasher != nil {
		m.hasher = cfg.hasher
	}
	if cfg.hasSeed {
		m.seed = cfg.seed
	}
	m.buckets = make([]bucket, m.nbuckets)
	m.slab = newSlab(m, payload, nelems)
	m.dom = newEpochDomain(cpus, m.reclaimElem)
	m.refs.Store(1)
	return m, nil
}

func (m *Map) bucketFor(hash uint32) *bucket {
	return &m.buckets[hash&(m.nbuckets-1)]
}

// KeySize returns the configured key size in bytes.
func (m *Map) KeySize() int { return int(m.keySize) }

// ValueSize returns the configured value size in bytes.
func (m *Map) ValueSize() int { return int(m.valueSize) }

// MaxEntries returns the configured capacity.
func (m *Map) MaxEntries() int { return int(m.maxEntries) }

// Len returns the number of live entries. The result is approximate while
// writers to different buckets race the read.
func (m *Map) Len() int { return int(m.count.Load()) }

// Lookup returns a copy of the value stored for key, or false if the key
// is absent. A key of the wrong length matches nothing. Lock-free: a
// lookup racing a replacement of the same key observes either the prior
// value or the new one, never a mixture.
func (m *Map) Lookup(key []byte) ([]byte, bool) {
	if len(key) != int(m.keySize) || m.count.Load() == 0 {
		return nil, false
	}
	value := make([]byte, m.valueSize)
	if !m.lookupInto(key, value) {
		return nil, false
	}
	return value, true
}

// LookupInto copies the value stored for key into value, which must be
// exactly the configured value size. It allocates nothing, for callers on
// paths that must not allocate.
func (m *Map) LookupInto(key, value []byte) bool {
	if len(key) != int(m.keySize) || len(value) != int(m.valueSize) {
		return false
	}
	if m.count.Load() == 0 {
		return false
	}
	return m.lookupInto(key, value)
}

func (m *Map) lookupInto(key, value []byte) bool {
	b := m.bucketFor(m.hasher(key, m.seed))
	g := m.dom.enter()
	e := b.find(key)
	if e != nil {
		copy(value, e.value())
	}
	m.dom.exit(g)
	return e != nil
}

func checkFlags(exists bool, flags UpdateFlags) error {
	if exists {
		if flags&UpdateNoExist != 0 {
			return ErrExists
		}
	} else if flags&UpdateExist != 0 {
		return ErrNotExist
	}
	return nil
}

// Update inserts or replaces the entry for key.
//
// The capacity check runs before any lock is taken, so under heavy
// concurrent updates to different buckets a few inserts beyond maxEntries
// can slip through; the bound is enforced approximately rather than as a
// hard ceiling. A full map rejects replacements too, matching the
// all-updates-rejected-at-capacity policy of the original runtime.
//
// A replacement links the fully populated new element at the chain head
// before unlinking the old one: a reader that begins scanning after that
// point sees the new element first, and a reader already mid-scan still
// holds valid memory for the old one until its grace period elapses.
func (m *Map) Update(key, value []byte, flags UpdateFlags) error {
	if len(key) != int(m.keySize) {
		return ErrKeySize
	}
	if len(value) != int(m.valueSize) {
		return ErrValueSize
	}
	if flags&(UpdateNoExist|UpdateExist) == UpdateNoExist|UpdateExist {
		return ErrInvalid
	}
	if m.count.Load() >= m.maxEntries {
		return ErrFull
	}

	b := m.bucketFor(m.hasher(key, m.seed))

	// Fast-fail flag violations before paying for an element. The
	// authoritative check repeats under the bucket lock below.
	g := m.dom.enter()
	found := b.find(key) != nil
	m.dom.exit(g)
	if err := checkFlags(found, flags); err != nil {
		return err
	}

	e := m.slab.alloc()
	if e == nil {
		return ErrNoMemory
	}
	e.klen = m.keySize
	copy(e.data[:m.keySize], key)
	copy(e.data[m.keySize:], value)

	b.mu.lock()
	old, prev := b.findWithPrev(key)
	if err := checkFlags(old != nil, flags); err != nil {
		b.mu.unlock()
		m.slab.release(e)
		return err
	}

	// Publish: e is fully populated, so readers may see it from here on.
	e.next.Store(b.head.Load())
	b.head.Store(e)

	if old != nil {
		if prev == nil {
			prev = e // the freshly linked head now precedes it
		}
		b.unlink(old, prev)
		m.refs.Inc()
		m.dom.retire(old)
	} else {
		m.count.Inc()
	}
	b.mu.unlock()

	if old != nil {
		m.dom.poll()
	}
	return nil
}

// Delete removes the entry for key. Deleting an absent key is a no-op, not
// an error.
func (m *Map) Delete(key []byte) error {
	if len(key) != int(m.keySize) {
		return ErrKeySize
	}

	b := m.bucketFor(m.hasher(key, m.seed))
	b.mu.lock()
	e, prev := b.findWithPrev(key)
	if e == nil {
		b.mu.unlock()
		return nil
	}
	b.unlink(e, prev)
	m.count.Dec()
	m.refs.Inc()
	m.dom.retire(e)
	b.mu.unlock()

	m.dom.poll()
	return nil
}

// NextKey returns the key enumerated after key, or the first key when key
// is nil. It returns ErrNotFound when no further key exists.
//
// Enumeration visits buckets in increasing index order and each bucket's
// chain in most-recently-inserted-first order. If key has vanished by the
// time of the call, enumeration restarts from the first bucket rather than
// failing. The sequence is not a stable snapshot: concurrent mutation
// between successive calls may skip an entry, revisit one, or surface one
// inserted after enumeration began.
func (m *Map) NextKey(key []byte) ([]byte, error) {
	next := make([]byte, m.keySize)
	if err := m.NextKeyInto(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// NextKeyInto is NextKey writing into a caller-provided buffer of exactly
// the configured key size.
func (m *Map) NextKeyInto(key, next []byte) error {
	if len(next) != int(m.keySize) {
		return ErrKeySize
	}
	if key != nil && len(key) != int(m.keySize) {
		return ErrKeySize
	}

	// With a single live element there is no well-defined successor.
	count := m.count.Load()
	if count == 0 || (count == 1 && key != nil) {
		return ErrNotFound
	}

	g := m.dom.enter()
	defer m.dom.exit(g)

	var start uint32
	if key != nil {
		hash := m.hasher(key, m.seed)
		b := m.bucketFor(hash)
		if e := b.find(key); e != nil {
			if succ := e.next.Load(); succ != nil {
				copy(next, succ.key())
				return nil
			}
			start = hash&(m.nbuckets-1) + 1
		}
		// Key not found: fall through with start == 0, restarting the
		// scan from the first bucket.
	}

	for i := start; i < m.nbuckets; i++ {
		if e := m.buckets[i].head.Load(); e != nil {
			copy(next, e.key())
			return nil
		}
	}
	return ErrNotFound
}

// reclaimElem runs once e's grace period has elapsed: no reader active at
// unlink time can still observe e. It returns the element to the pool and
// drops the reference the unlinking writer took.
func (m *Map) reclaimElem(e *element) {
	m.slab.release(e)
	if m.refs.Dec() == 0 {
		m.teardown()
	}
}

// Close releases the reference taken at creation. The caller must
// guarantee no further operations begin.
//
// If no reclamations are outstanding, teardown happens synchronously
// inside Close. Otherwise Close merely drops its reference and returns
// without blocking; the last pending reclamation callback performs the
// teardown once its grace period elapses.
func (m *Map) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	// Drain whatever became safe; never waits on stragglers.
	m.dom.poll()
	if m.refs.Dec() == 0 {
		m.teardown()
	}
	return nil
}

// teardown runs exactly once, when the last reference drops. All pending
// reclamations have completed by then, so nothing can touch the storage
// being released.
func (m *Map) teardown() {
	m.released.Store(true)
	m.buckets = nil
	m.slab = nil
	m.dom = nil
}
