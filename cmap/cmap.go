// Package cmap is a partitioned, transactional hash index from keys to
// allocator references.
//
// The map owns only its bucket heads. Collision chains are threaded through
// Link values stored elsewhere (normally in dchain cell payloads) and reached
// through the Links interface, so inserting a key never allocates.
// Each partition has its own power-of-two bucket array; a key is looked up
// only in the partition it was inserted into.
package cmap

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/internal/util"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Ref is a reference to a chain link; the flow table uses allocator handles.
type Ref int32

// NoRef marks an empty bucket or the end of a chain.
const NoRef Ref = -1

// Link is one chain element: the stored key and the next reference.
type Link[K comparable] struct {
	Key  K
	Next Ref
}

// Links gives the map transactional access to the link of a reference.
type Links[K comparable] interface {
	// Link reads the link of r.
	Link(tx *stm.Txn, r Ref) (Link[K], error)
	// UpdateLink locks the link of r for writing.
	UpdateLink(tx *stm.Txn, r Ref) (*Link[K], error)
}

// Options configures a Map. Zero values are safe:
//   - Partitions <= 0          => 1
//   - BucketsPerPartition <= 0 => 1024; rounded up to a power of two
//   - nil Hash                 => util.Hash[K]
//   - nil Equal                => ==
type Options[K comparable] struct {
	Partitions          int
	BucketsPerPartition int
	Hash                func(K) uint64
	Equal               func(a, b K) bool
}

// Map is the hash index. All methods are safe for concurrent use by
// transactions from the same stm.Domain.
type Map[K comparable] struct {
	links   Links[K]
	buckets []stm.Object[Ref]
	parts   int
	mask    uint64
	shift   uint
	hash    func(K) uint64
	equal   func(a, b K) bool
}

// New constructs a Map over links.
func New[K comparable](links Links[K], opt Options[K]) (*Map[K], error) {
	if opt.Partitions <= 0 {
		opt.Partitions = 1
	}
	if opt.BucketsPerPartition <= 0 {
		opt.BucketsPerPartition = 1024
	}
	var errs error
	if links == nil {
		errs = multierr.Append(errs, fmt.Errorf("links must not be nil"))
	}
	if opt.Partitions > util.MaxPartitions {
		errs = multierr.Append(errs, fmt.Errorf("partitions %d exceeds %d", opt.Partitions, util.MaxPartitions))
	}
	if opt.BucketsPerPartition > 1<<24 {
		errs = multierr.Append(errs, fmt.Errorf("buckets per partition %d exceeds %d", opt.BucketsPerPartition, 1<<24))
	}
	if errs != nil {
		return nil, fmt.Errorf("invalid cmap options: %w", errs)
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	if opt.Equal == nil {
		opt.Equal = func(a, b K) bool { return a == b }
	}

	bpp := util.NextPow2(uint64(opt.BucketsPerPartition))
	m := &Map[K]{
		links:   links,
		buckets: make([]stm.Object[Ref], bpp*uint64(opt.Partitions)),
		parts:   opt.Partitions,
		mask:    bpp - 1,
		shift:   util.Log2(bpp),
		hash:    opt.Hash,
		equal:   opt.Equal,
	}
	for i := range m.buckets {
		m.buckets[i].Init(NoRef)
	}
	return m, nil
}

// BucketsPerPartition returns the (power of two) bucket count per partition.
func (m *Map[K]) BucketsPerPartition() int { return int(m.mask + 1) }

// bucket returns key's bucket in partition p. A partition out of range is
// reported as dchain.ErrBadPartition.
func (m *Map[K]) bucket(key K, p int) (*stm.Object[Ref], error) {
	if p < 0 || p >= m.parts {
		return nil, fmt.Errorf("cmap: %w: %d not in [0,%d)", dchain.ErrBadPartition, p, m.parts)
	}
	i := m.hash(key)&m.mask + uint64(p)<<m.shift
	return &m.buckets[i], nil
}

// Get returns the reference stored for key in partition p.
func (m *Map[K]) Get(tx *stm.Txn, key K, p int) (Ref, bool, error) {
	b, err := m.bucket(key, p)
	if err != nil {
		return NoRef, false, err
	}
	r, err := b.Deref(tx)
	if err != nil {
		return NoRef, false, err
	}
	for r != NoRef {
		l, err := m.links.Link(tx, r)
		if err != nil {
			return NoRef, false, err
		}
		if m.equal(key, l.Key) {
			return r, true, nil
		}
		r = l.Next
	}
	return NoRef, false, nil
}

// Put appends r to the chain of key's bucket and stores key in r's link.
// The caller guarantees key is not already present in partition p.
func (m *Map[K]) Put(tx *stm.Txn, key K, p int, r Ref) error {
	b, err := m.bucket(key, p)
	if err != nil {
		return err
	}
	head, err := b.Deref(tx)
	if err != nil {
		return err
	}
	if head == NoRef {
		if err := b.Store(tx, r); err != nil {
			return err
		}
	} else {
		last := head
		for {
			l, err := m.links.Link(tx, last)
			if err != nil {
				return err
			}
			if l.Next == NoRef {
				break
			}
			last = l.Next
		}
		lp, err := m.links.UpdateLink(tx, last)
		if err != nil {
			return err
		}
		lp.Next = r
	}

	np, err := m.links.UpdateLink(tx, r)
	if err != nil {
		return err
	}
	np.Key = key
	np.Next = NoRef
	return nil
}

// Erase unlinks key from partition p and returns the reference it held.
func (m *Map[K]) Erase(tx *stm.Txn, key K, p int) (Ref, bool, error) {
	b, err := m.bucket(key, p)
	if err != nil {
		return NoRef, false, err
	}
	r, err := b.Deref(tx)
	if err != nil {
		return NoRef, false, err
	}
	prev := NoRef
	for r != NoRef {
		l, err := m.links.Link(tx, r)
		if err != nil {
			return NoRef, false, err
		}
		if !m.equal(key, l.Key) {
			prev, r = r, l.Next
			continue
		}
		if prev == NoRef {
			if err := b.Store(tx, l.Next); err != nil {
				return NoRef, false, err
			}
		} else {
			pp, err := m.links.UpdateLink(tx, prev)
			if err != nil {
				return NoRef, false, err
			}
			pp.Next = l.Next
		}
		lp, err := m.links.UpdateLink(tx, r)
		if err != nil {
			return NoRef, false, err
		}
		lp.Next = NoRef
		return r, true, nil
	}
	return NoRef, false, nil
}
