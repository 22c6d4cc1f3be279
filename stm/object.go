package stm

import "sync/atomic"

// version is one immutable committed value of an Object. While it is an
// object's pending copy (before publish) only the lock holder touches it.
type version[T any] struct {
	ver uint64
	val T
}

// Object is a transactional cell holding a value of type T.
// The zero Object holds the zero T at version 0.
//
// Objects must not be copied after first use.
type Object[T any] struct {
	owner   atomic.Pointer[Txn]
	cur     atomic.Pointer[version[T]]
	pending *version[T] // guarded by owner
}

// NewObject returns an Object initialized to v.
func NewObject[T any](v T) *Object[T] {
	o := &Object[T]{}
	o.Init(v)
	return o
}

// Init (re)sets the committed value to v at version 0. It is not
// transactional and must only be used before the object is shared.
func (o *Object[T]) Init(v T) {
	o.cur.Store(&version[T]{val: v})
}

func (o *Object[T]) load() *version[T] {
	if v := o.cur.Load(); v != nil {
		return v
	}
	// Zero Object: publish the zero value once. Losing the race is fine,
	// whoever wins stored an identical version 0.
	o.cur.CompareAndSwap(nil, &version[T]{})
	return o.cur.Load()
}

// Deref returns the value of o as seen by tx: tx's own pending copy if tx
// holds the lock, otherwise the latest committed version not newer than
// tx's epoch. It returns ErrAbort if no such version can be read
// consistently.
func (o *Object[T]) Deref(tx *Txn) (T, error) {
	tx.mustBeActive("Deref")
	var zero T

	w := o.owner.Load()
	if w == tx {
		return o.pending.val, nil
	}
	// The lock check must precede the version load: a writer that took its
	// write version before our epoch is either still committing (seen here)
	// or has already published (seen below).
	if w != nil && w.committing.Load() {
		return zero, ErrAbort
	}
	v := o.load()
	if v.ver > tx.rv {
		return zero, ErrAbort
	}
	tx.reads = append(tx.reads, readEntry{obj: o, ver: v.ver})
	return v.val, nil
}

// TryLock acquires the intent lock on o for tx and returns a pointer to tx's
// private copy of the value. Writes through the pointer become visible to
// other transactions when tx commits and are discarded if it aborts. The
// pointer must not be used after the transaction ends.
//
// If another transaction holds the lock TryLock returns ErrAbort at once;
// it never waits. Locking an object twice returns the same copy.
func (o *Object[T]) TryLock(tx *Txn) (*T, error) {
	tx.mustBeActive("TryLock")

	if o.owner.Load() == tx {
		return &o.pending.val, nil
	}
	if !o.owner.CompareAndSwap(nil, tx) {
		return nil, ErrAbort
	}
	v := o.load()
	if v.ver > tx.rv {
		o.owner.Store(nil)
		return nil, ErrAbort
	}
	o.pending = &version[T]{val: v.val}
	tx.writes = append(tx.writes, o)
	return &o.pending.val, nil
}

// Store is TryLock followed by an assignment.
func (o *Object[T]) Store(tx *Txn, v T) error {
	p, err := o.TryLock(tx)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Peek returns the latest committed value outside of any transaction.
// It is meant for statistics and tests; it gives no consistency guarantee
// across objects.
func (o *Object[T]) Peek() T {
	return o.load().val
}

// Locked reports whether some transaction currently holds the intent lock.
func (o *Object[T]) Locked() bool {
	return o.owner.Load() != nil
}

func (o *Object[T]) validate(t *Txn, ver uint64) bool {
	w := o.owner.Load()
	if w != nil && w != t && w.committing.Load() {
		return false
	}
	return o.load().ver == ver
}

func (o *Object[T]) publish(wv uint64) {
	p := o.pending
	p.ver = wv
	o.pending = nil
	o.cur.Store(p)
	o.owner.Store(nil)
}

func (o *Object[T]) release() {
	o.pending = nil
	o.owner.Store(nil)
}

// Compile-time check: Object participates in read and write sets.
var _ tracked = (*Object[int])(nil)
