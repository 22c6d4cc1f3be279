package stm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// tracked is the type-erased view of an Object that a Txn keeps in its
// read and write sets.
type tracked interface {
	// validate reports whether the version observed by t is still the
	// committed one and no other committing transaction holds the object.
	validate(t *Txn, ver uint64) bool
	// publish installs t's pending copy under version wv and unlocks.
	publish(wv uint64)
	// release drops t's pending copy and unlocks.
	release()
}

type readEntry struct {
	obj tracked
	ver uint64
}

// Txn is a per-worker transaction. It is reused across units of work and is
// not safe for concurrent use; other goroutines only ever look at the
// committing flag.
type Txn struct {
	d  *Domain
	id uint64

	active bool
	rv     uint64 // read epoch
	// committing is set between taking the write version and releasing the
	// last lock. Readers that meet a lock held by a committing transaction
	// cannot tell which version is theirs and abort.
	committing atomic.Bool

	reads  []readEntry
	writes []tracked

	onCommit []func()
	onAbort  []func()
}

// ID returns the transaction identifier, unique within its Domain.
func (t *Txn) ID() uint64 { return t.id }

// Active reports whether Begin has been called without a matching Commit or Abort.
func (t *Txn) Active() bool { return t.active }

// Epoch returns the read epoch of the open transaction.
func (t *Txn) Epoch() uint64 { return t.rv }

// Begin opens a new read epoch. Calling Begin on an active transaction
// aborts the previous attempt first.
func (t *Txn) Begin() {
	if t.active {
		t.Abort()
	}
	t.active = true
	t.rv = t.d.clock.Load()
}

// OnCommit registers fn to run after the current attempt commits.
func (t *Txn) OnCommit(fn func()) {
	t.mustBeActive("OnCommit")
	t.onCommit = append(t.onCommit, fn)
}

// OnAbort registers fn to run if the current attempt is aborted.
// Abort hooks run in reverse registration order.
func (t *Txn) OnAbort(fn func()) {
	t.mustBeActive("OnAbort")
	t.onAbort = append(t.onAbort, fn)
}

// Commit ends the attempt. Read-only attempts always succeed. Update attempts
// validate the read set and publish every pending copy; on validation failure
// the attempt is aborted and ErrAbort is returned.
func (t *Txn) Commit() error {
	t.mustBeActive("Commit")

	if len(t.writes) == 0 {
		t.finish(true)
		return nil
	}

	t.committing.Store(true)
	wv := t.d.clock.Add(1)

	// Nobody committed since our epoch: the read set cannot be stale.
	if wv != t.rv+1 {
		for _, r := range t.reads {
			if !r.obj.validate(t, r.ver) {
				t.Abort()
				return ErrAbort
			}
		}
	}

	for _, w := range t.writes {
		w.publish(wv)
	}
	t.committing.Store(false)
	t.finish(true)
	return nil
}

// Abort discards every pending copy, releases all intent locks and runs the
// abort hooks. It is a no-op on an inactive transaction.
func (t *Txn) Abort() {
	if !t.active {
		return
	}
	for _, w := range t.writes {
		w.release()
	}
	t.committing.Store(false)
	t.finish(false)
}

// Run executes fn as one unit of work: Begin, fn, Commit. If fn or Commit
// reports ErrAbort, the attempt is discarded and fn is re-run from the top
// while the domain's RetryPolicy allows. Any other error aborts the attempt
// and is returned unchanged.
func (t *Txn) Run(fn func(tx *Txn) error) error {
	for attempt := 1; ; attempt++ {
		t.Begin()
		err := fn(t)
		if err == nil {
			err = t.Commit()
			if err == nil {
				return nil
			}
		} else {
			t.Abort()
		}
		if !errors.Is(err, ErrAbort) {
			return err
		}
		if t.d.log.V(2).Enabled() {
			t.d.log.V(2).Info("transaction aborted", "txn", t.id, "attempt", attempt)
		}
		if !t.d.retry.Retry(attempt) {
			return fmt.Errorf("%w: gave up after %d attempts", ErrRetriesExhausted, attempt)
		}
	}
}

func (t *Txn) finish(committed bool) {
	if committed {
		t.d.commits.Add(1)
		for _, fn := range t.onCommit {
			fn()
		}
	} else {
		t.d.aborts.Add(1)
		for i := len(t.onAbort) - 1; i >= 0; i-- {
			t.onAbort[i]()
		}
	}
	t.active = false
	clear(t.reads)
	clear(t.writes)
	clear(t.onCommit)
	clear(t.onAbort)
	t.reads = t.reads[:0]
	t.writes = t.writes[:0]
	t.onCommit = t.onCommit[:0]
	t.onAbort = t.onAbort[:0]
}

func (t *Txn) mustBeActive(op string) {
	if !t.active {
		panic("stm: " + op + " outside of a transaction")
	}
}
