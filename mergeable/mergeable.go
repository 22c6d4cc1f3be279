// Package mergeable provides replicated objects for write-heavy global state
// such as counters.
//
// Each partition updates only its own replica, so updates from different
// workers never conflict. Reads merge every replica into a per-partition
// cache that is reused until it is older than the staleness bound; readers
// therefore trade freshness for not touching the other partitions' replicas
// on every packet.
package mergeable

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/IvanBrykalov/flowstate/internal/util"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Options configures an Object. Init and Merge are required.
type Options[T any] struct {
	// Replicas is the number of partitions, one replica each.
	Replicas int

	// Staleness bounds how old a value returned by Read may be.
	// Zero merges on every Read.
	Staleness time.Duration

	// Init returns the identity value (a zeroed counter, an empty set).
	Init func() T

	// Merge folds a replica into dst.
	Merge func(dst *T, replica T)
}

type cache[T any] struct {
	val   T
	ts    int64
	valid bool
	_     util.CacheLinePad
}

// Object is a mergeable object.
type Object[T any] struct {
	replicas  []stm.Object[T]
	caches    []cache[T]
	staleness int64
	init      func() T
	merge     func(dst *T, replica T)
}

// New constructs an Object with every replica set to Init().
func New[T any](opt Options[T]) (*Object[T], error) {
	var errs error
	if opt.Replicas <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("replicas must be positive, got %d", opt.Replicas))
	}
	if opt.Staleness < 0 {
		errs = multierr.Append(errs, fmt.Errorf("staleness must not be negative, got %v", opt.Staleness))
	}
	if opt.Init == nil {
		errs = multierr.Append(errs, fmt.Errorf("init function is required"))
	}
	if opt.Merge == nil {
		errs = multierr.Append(errs, fmt.Errorf("merge function is required"))
	}
	if errs != nil {
		return nil, fmt.Errorf("invalid mergeable options: %w", errs)
	}

	o := &Object[T]{
		replicas:  make([]stm.Object[T], opt.Replicas),
		caches:    make([]cache[T], opt.Replicas),
		staleness: int64(opt.Staleness),
		init:      opt.Init,
		merge:     opt.Merge,
	}
	for i := range o.replicas {
		o.replicas[i].Init(opt.Init())
	}
	return o, nil
}

// Replicas returns the number of replicas.
func (o *Object[T]) Replicas() int { return len(o.replicas) }

// Update applies fn to partition replica's copy inside tx.
func (o *Object[T]) Update(tx *stm.Txn, replica int, fn func(*T)) error {
	v, err := o.replicas[replica].TryLock(tx)
	if err != nil {
		return err
	}
	fn(v)
	return nil
}

// Read returns the merged value as seen from partition replica. The cached
// merge is reused while now - lastMerge < Staleness. Only the worker owning
// replica may call Read with it.
func (o *Object[T]) Read(tx *stm.Txn, replica int, now int64) (T, error) {
	c := &o.caches[replica]
	if c.valid && now-c.ts < o.staleness {
		return c.val, nil
	}
	acc, err := o.Snapshot(tx)
	if err != nil {
		return acc, err
	}
	c.val, c.ts, c.valid = acc, now, true
	return acc, nil
}

// Snapshot merges every replica without touching any partition's cache.
// Unlike Read it may be called from any goroutine.
func (o *Object[T]) Snapshot(tx *stm.Txn) (T, error) {
	acc := o.init()
	for i := range o.replicas {
		v, err := o.replicas[i].Deref(tx)
		if err != nil {
			var zero T
			return zero, err
		}
		o.merge(&acc, v)
	}
	return acc, nil
}
