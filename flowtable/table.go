package flowtable

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/IvanBrykalov/flowstate/cmap"
	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/internal/util"
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/stm"
)

// slots is the allocator payload of a flow: the hash-chain links of its
// primary key (0) and related key (1).
type slots[K comparable] struct {
	links   [2]cmap.Link[K]
	related bool
}

// cellLinks lets the hash index thread its chains through allocator cells.
// Ref r < capacity is the primary link of handle r; r >= capacity is the
// related link of handle r-capacity.
type cellLinks[K comparable] struct {
	a   *dchain.Allocator[slots[K]]
	cap int32
}

func (l cellLinks[K]) split(r cmap.Ref) (dchain.Handle, int) {
	if int32(r) >= l.cap {
		return dchain.Handle(int32(r) - l.cap), 1
	}
	return dchain.Handle(r), 0
}

func (l cellLinks[K]) Link(tx *stm.Txn, r cmap.Ref) (cmap.Link[K], error) {
	h, i := l.split(r)
	s, err := l.a.Payload(tx, h)
	if err != nil {
		return cmap.Link[K]{}, err
	}
	return s.links[i], nil
}

func (l cellLinks[K]) UpdateLink(tx *stm.Txn, r cmap.Ref) (*cmap.Link[K], error) {
	h, i := l.split(r)
	s, err := l.a.UpdatePayload(tx, h)
	if err != nil {
		return nil, err
	}
	return &s.links[i], nil
}

// stage holds a flow between Stage and Commit. It is only touched by the
// worker that owns the partition.
type stage[K comparable, V any] struct {
	rec        V
	related    K
	hasRelated bool
	staged     bool
	_          util.CacheLinePad
}

func (s *stage[K, V]) clear() {
	var zero stage[K, V]
	*s = zero
}

// Table is a partitioned flow table. Methods taking a partition must only be
// called by the worker owning that partition; the rest is safe for
// concurrent use.
type Table[K comparable, V any] struct {
	alloc   *dchain.Allocator[slots[K]]
	index   *cmap.Map[K]
	records []stm.Object[V]

	stages []stage[K, V]
	live   []util.PaddedAtomicInt64

	capacity int32
	validity int64
	refresh  int64
	related  bool

	onEvict func(tx *stm.Txn, key K, rec V, reason EvictReason) error
	policy  policy.PartitionPolicy
	metrics Metrics
	log     logr.Logger
}

// New constructs a Table with the provided Options.
func New[K comparable, V any](opt Options[K, V]) (*Table[K, V], error) {
	opt.applyDefaults()
	if err := opt.validate(); err != nil {
		return nil, err
	}

	log := opt.Logger.WithName("flowtable")
	alloc, err := dchain.New[slots[K]](dchain.Options{
		Capacity:   opt.Capacity,
		Partitions: opt.Partitions,
		Validity:   opt.Validity,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flowtable options: %w", err)
	}

	t := &Table[K, V]{
		alloc:    alloc,
		records:  make([]stm.Object[V], opt.Capacity),
		stages:   make([]stage[K, V], opt.Partitions),
		live:     make([]util.PaddedAtomicInt64, opt.Partitions),
		capacity: int32(opt.Capacity),
		validity: int64(opt.Validity),
		refresh:  int64(opt.RefreshThreshold),
		related:  opt.RelatedKeys,
		onEvict:  opt.OnEvict,
		metrics:  opt.Metrics,
		log:      log,
	}
	t.index, err = cmap.New[K](cellLinks[K]{a: alloc, cap: t.capacity}, cmap.Options[K]{
		Partitions:          opt.Partitions,
		BucketsPerPartition: opt.BucketsPerPartition,
		Hash:                opt.Hash,
		Equal:               opt.Equal,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flowtable options: %w", err)
	}
	t.policy = opt.Policy.New(tableHooks[K, V]{t})

	log.V(1).Info("flow table ready",
		"capacity", opt.Capacity,
		"partitions", opt.Partitions,
		"validity", opt.Validity,
		"buckets", t.index.BucketsPerPartition(),
		"related", opt.RelatedKeys)
	return t, nil
}

// Capacity returns the maximum number of live flows.
func (t *Table[K, V]) Capacity() int { return int(t.capacity) }

// Partitions returns the number of partitions.
func (t *Table[K, V]) Partitions() int { return len(t.stages) }

// Len returns the number of live flows across all partitions.
func (t *Table[K, V]) Len() int {
	n := int64(0)
	for i := range t.live {
		n += t.live[i].Load()
	}
	return int(n)
}

// PartitionLen returns the number of live flows owned by partition p.
func (t *Table[K, V]) PartitionLen(p int) int { return int(t.live[p].Load()) }

// Census returns the allocator's per-list counts.
func (t *Table[K, V]) Census(tx *stm.Txn) (dchain.Census, error) { return t.alloc.Census(tx) }

func (t *Table[K, V]) checkPartition(p int) error {
	if p < 0 || p >= len(t.stages) {
		return fmt.Errorf("%w: %d not in [0,%d)", dchain.ErrBadPartition, p, len(t.stages))
	}
	return nil
}

func (t *Table[K, V]) record(h dchain.Handle) Record[V] {
	return Record[V]{obj: &t.records[h], h: h}
}

func (t *Table[K, V]) handle(r cmap.Ref) dchain.Handle {
	if int32(r) >= t.capacity {
		return dchain.Handle(int32(r) - t.capacity)
	}
	return dchain.Handle(r)
}

// Lookup finds the flow of key in partition p. On a hit the flow is
// refreshed if it has been idle for at least the refresh threshold.
func (t *Table[K, V]) Lookup(tx *stm.Txn, key K, p int, now int64) (Record[V], bool, error) {
	if err := t.checkPartition(p); err != nil {
		return Record[V]{}, false, err
	}
	ref, ok, err := t.index.Get(tx, key, p)
	if err != nil {
		return Record[V]{}, false, err
	}
	if !ok {
		tx.OnCommit(t.metrics.Miss)
		return Record[V]{}, false, nil
	}
	h := t.handle(ref)
	if t.validity > 0 {
		dl, err := t.alloc.Deadline(tx, h)
		if err != nil {
			return Record[V]{}, false, err
		}
		// dl - validity is the last refresh time.
		if now-(dl-t.validity) >= t.refresh {
			if err := t.alloc.Rejuvenate(tx, h, p, now); err != nil {
				return Record[V]{}, false, err
			}
		}
	}
	tx.OnCommit(t.metrics.Hit)
	return t.record(h), true, nil
}

// Stage parks rec as the pending new flow of partition p. At most one
// related key may be given. Stage only writes p's stage slot; whether an
// index is left is decided by Commit.
//
// A later Stage in the same partition replaces the pending flow. The slot is
// cleared if tx aborts.
func (t *Table[K, V]) Stage(tx *stm.Txn, p int, rec V, related ...K) error {
	if err := t.checkPartition(p); err != nil {
		return err
	}
	if len(related) > 1 {
		return fmt.Errorf("flowtable: at most one related key, got %d", len(related))
	}
	if len(related) == 1 && !t.related {
		return ErrNoRelatedKeys
	}

	s := &t.stages[p]
	s.rec = rec
	s.staged = true
	s.hasRelated = len(related) == 1
	if s.hasRelated {
		s.related = related[0]
	}
	tx.OnAbort(s.clear)
	return nil
}

// Staged reports whether partition p has a flow waiting for Commit.
func (t *Table[K, V]) Staged(p int) bool { return t.stages[p].staged }

// Discard drops partition p's staged flow without committing it.
func (t *Table[K, V]) Discard(p int) { t.stages[p].clear() }

// Commit turns partition p's staged flow into a live flow under key. It
// returns created=false, and no error, when nothing is staged. If key is
// already indexed the staged record is dropped and the existing flow is
// returned.
//
// An index is taken from p's Free list, the Global list or, failing both, a
// refill from other partitions. Only when all of those are empty is the
// admission policy asked to make room in p; if it cannot, the stage is
// dropped and ErrNoCapacity returned.
func (t *Table[K, V]) Commit(tx *stm.Txn, key K, p int, now int64) (Record[V], bool, error) {
	if err := t.checkPartition(p); err != nil {
		return Record[V]{}, false, err
	}
	s := &t.stages[p]
	if !s.staged {
		return Record[V]{}, false, nil
	}

	if ref, ok, err := t.index.Get(tx, key, p); err != nil {
		return Record[V]{}, false, err
	} else if ok {
		tx.OnCommit(s.clear)
		return t.record(t.handle(ref)), false, nil
	}

	h, ok, err := t.alloc.Allocate(tx, p, now)
	if err != nil {
		return Record[V]{}, false, err
	}
	if !ok {
		admit, err := t.policy.OnFull(tx, p, now)
		if err != nil {
			return Record[V]{}, false, err
		}
		if admit {
			if h, ok, err = t.alloc.Allocate(tx, p, now); err != nil {
				return Record[V]{}, false, err
			}
		}
	}
	if !ok {
		s.clear()
		t.metrics.Reject()
		return Record[V]{}, false, ErrNoCapacity
	}

	if err := t.index.Put(tx, key, p, cmap.Ref(h)); err != nil {
		return Record[V]{}, false, err
	}
	if s.hasRelated {
		if err := t.index.Put(tx, s.related, p, cmap.Ref(int32(h)+t.capacity)); err != nil {
			return Record[V]{}, false, err
		}
	}
	pl, err := t.alloc.UpdatePayload(tx, h)
	if err != nil {
		return Record[V]{}, false, err
	}
	pl.related = s.hasRelated

	if err := t.records[h].Store(tx, s.rec); err != nil {
		return Record[V]{}, false, err
	}

	tx.OnCommit(func() {
		s.clear()
		n := t.live[p].Add(1)
		t.metrics.Create()
		t.metrics.Size(p, int(n))
	})
	return t.record(h), true, nil
}

// Remove deletes the flow of key from partition p without calling OnEvict.
func (t *Table[K, V]) Remove(tx *stm.Txn, key K, p int) (bool, error) {
	if err := t.checkPartition(p); err != nil {
		return false, err
	}
	ref, ok, err := t.index.Get(tx, key, p)
	if err != nil || !ok {
		return false, err
	}
	if err := t.drop(tx, t.handle(ref), p); err != nil {
		return false, err
	}
	tx.OnCommit(func() {
		n := t.live[p].Add(-1)
		t.metrics.Size(p, int(n))
	})
	return true, nil
}

// Live reports whether rec, found by an earlier Lookup in partition p, is
// still allocated to p. A sweep running between the Lookup's transaction
// and tx may have reclaimed it.
func (t *Table[K, V]) Live(tx *stm.Txn, rec Record[V], p int) (bool, error) {
	if !rec.Valid() {
		return false, nil
	}
	return t.alloc.IsAllocated(tx, rec.h, p)
}

// evict removes flow h on behalf of the admission policy.
func (t *Table[K, V]) evict(tx *stm.Txn, h dchain.Handle, p int, reason EvictReason) error {
	if err := t.notify(tx, h, reason); err != nil {
		return err
	}
	if err := t.drop(tx, h, p); err != nil {
		return err
	}
	t.evicted(tx, p, reason)
	return nil
}

// reclaimed finishes the removal of h once the allocator has expired it.
// The freed cell still carries the keys in its payload.
func (t *Table[K, V]) reclaimed(tx *stm.Txn, h dchain.Handle, p int, reason EvictReason) error {
	if err := t.notify(tx, h, reason); err != nil {
		return err
	}
	if err := t.erase(tx, h, p); err != nil {
		return err
	}
	t.evicted(tx, p, reason)
	return nil
}

func (t *Table[K, V]) notify(tx *stm.Txn, h dchain.Handle, reason EvictReason) error {
	if t.onEvict == nil {
		return nil
	}
	s, err := t.alloc.Payload(tx, h)
	if err != nil {
		return err
	}
	rec, err := t.records[h].Deref(tx)
	if err != nil {
		return err
	}
	return t.onEvict(tx, s.links[0].Key, rec, reason)
}

func (t *Table[K, V]) evicted(tx *stm.Txn, p int, reason EvictReason) {
	tx.OnCommit(func() {
		n := t.live[p].Add(-1)
		t.metrics.Evict(reason)
		t.metrics.Size(p, int(n))
	})
}

// drop erases h's keys from the index and frees the index.
func (t *Table[K, V]) drop(tx *stm.Txn, h dchain.Handle, p int) error {
	if err := t.erase(tx, h, p); err != nil {
		return err
	}
	return t.alloc.Free(tx, h, p)
}

// erase removes h's primary and related keys from the index.
func (t *Table[K, V]) erase(tx *stm.Txn, h dchain.Handle, p int) error {
	s, err := t.alloc.Payload(tx, h)
	if err != nil {
		return err
	}
	if _, _, err := t.index.Erase(tx, s.links[0].Key, p); err != nil {
		return err
	}
	if s.related {
		if _, _, err := t.index.Erase(tx, s.links[1].Key, p); err != nil {
			return err
		}
	}
	return nil
}

// tableHooks exposes a table's partitions to its admission policy.
type tableHooks[K comparable, V any] struct{ t *Table[K, V] }

func (h tableHooks[K, V]) Oldest(tx *stm.Txn, p int) (dchain.Handle, bool, error) {
	return h.t.alloc.Oldest(tx, p)
}

func (h tableHooks[K, V]) Deadline(tx *stm.Txn, hd dchain.Handle) (int64, error) {
	return h.t.alloc.Deadline(tx, hd)
}

func (h tableHooks[K, V]) Evict(tx *stm.Txn, hd dchain.Handle, p int, reason policy.Reason) error {
	return h.t.evict(tx, hd, p, reason)
}

var _ policy.Hooks = tableHooks[string, int]{}
