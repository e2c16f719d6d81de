package htab

import "errors"

// Errors returned by map operations. Callers match them with errors.Is.
//
// Absence during Lookup is not an error: Lookup reports it through its
// boolean result. ErrNotFound is reserved for key enumeration running out
// of keys, and ErrNotExist for an UpdateExist precondition failing.
var (
	// ErrInvalid is returned by New for a zero key size, value size or
	// capacity, and by Update for a contradictory flag combination.
	ErrInvalid = errors.New("htab: invalid configuration")

	// ErrTooBig is returned by New when the configured key and value sizes
	// cannot be represented by a single element.
	ErrTooBig = errors.New("htab: element size overflows")

	// ErrNoMemory is returned by Update when the preallocated element pool
	// is exhausted. The condition is transient: it clears once pending
	// reclamations return elements to the pool.
	ErrNoMemory = errors.New("htab: element pool exhausted")

	// ErrFull is returned by Update when the map already holds the maximum
	// number of entries. Enforcement is approximate under concurrent
	// updates to different buckets.
	ErrFull = errors.New("htab: map is full")

	// ErrExists is returned by Update with UpdateNoExist when the key is
	// already present.
	ErrExists = errors.New("htab: key already exists")

	// ErrNotExist is returned by Update with UpdateExist when the key is
	// absent.
	ErrNotExist = errors.New("htab: key does not exist")

	// ErrNotFound is returned by NextKey when no further key exists.
	ErrNotFound = errors.New("htab: no next key")

	// ErrKeySize is returned when a key argument does not match the
	// configured key size.
	ErrKeySize = errors.New("htab: key length mismatch")

	// ErrValueSize is returned when a value argument does not match the
	// configured value size.
	ErrValueSize = errors.New("htab: value length mismatch")

	// ErrClosed is returned by Close when the map was already closed.
	ErrClosed = errors.New("htab: map closed")
)
