package stm

import (
	"errors"

	"github.com/go-logr/logr"

	"github.com/IvanBrykalov/flowstate/internal/util"
)

// ErrAbort signals that the current attempt detected a conflicting access and
// must be discarded and restarted from Begin. Wrapped values are recognized
// through errors.Is.
var ErrAbort = errors.New("stm: transaction aborted")

// ErrRetriesExhausted is returned by Txn.Run when the RetryPolicy refuses
// another attempt after an abort.
var ErrRetriesExhausted = errors.New("stm: retries exhausted")

// Options configures a Domain. Zero values are safe:
//   - nil Retry  => Unbounded()
//   - zero Logger => logr.Discard()
type Options struct {
	// Retry decides whether Txn.Run starts another attempt after an abort.
	Retry RetryPolicy

	// Logger receives V(2) traces of aborted attempts.
	Logger logr.Logger
}

// Domain is a transactional memory instance: a global version clock shared
// by all transactions created from it. Objects are not bound to a domain,
// but every transaction touching a given object must come from the same one.
type Domain struct {
	_     util.CacheLinePad
	clock util.PaddedAtomicUint64
	ids   util.PaddedAtomicUint64

	commits util.PaddedAtomicUint64
	aborts  util.PaddedAtomicUint64

	retry RetryPolicy
	log   logr.Logger
}

// Stats is a snapshot of domain-wide transaction counters.
type Stats struct {
	Commits uint64
	Aborts  uint64
	Clock   uint64
}

// New constructs a Domain with the provided Options.
func New(opt Options) *Domain {
	if opt.Retry == nil {
		opt.Retry = Unbounded()
	}
	if opt.Logger.GetSink() == nil {
		opt.Logger = logr.Discard()
	}
	return &Domain{
		retry: opt.Retry,
		log:   opt.Logger.WithName("stm"),
	}
}

// NewTxn returns a fresh transaction bound to this domain. Each worker keeps
// one and reuses it for every unit of work.
func (d *Domain) NewTxn() *Txn {
	return &Txn{d: d, id: d.ids.Add(1)}
}

// Stats returns the current commit/abort counters.
func (d *Domain) Stats() Stats {
	return Stats{
		Commits: d.commits.Load(),
		Aborts:  d.aborts.Load(),
		Clock:   d.clock.Load(),
	}
}
