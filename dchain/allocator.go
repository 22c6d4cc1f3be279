package dchain

import (
	"fmt"
	"math"

	"github.com/go-logr/logr"

	"github.com/IvanBrykalov/flowstate/internal/util"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Handle identifies an index in [0, Capacity).
type Handle int32

// NoHandle is returned when no index is available or none applies.
const NoHandle Handle = -1

const (
	nilSlot   int32 = -1 // end of a singly linked Free list
	ownerFree int32 = -1 // cell is on some Free list
)

// cell is one node of the lists. Slots below indexShift are list heads;
// slot s >= indexShift is the cell of Handle(s - indexShift).
//
// Allocated lists are circular and doubly linked through their head
// (head.next is the oldest index, head.prev the newest). Free lists are
// singly linked through next and end with nilSlot.
type cell[P any] struct {
	prev, next int32
	owner      int32 // partition whose Allocated list holds the cell, or ownerFree
	deadline   int64
	payload    P
}

// head keeps each list head on its own cache line; heads are the hottest
// objects of the allocator.
type head[P any] struct {
	stm.Object[cell[P]]
	_ util.CacheLinePad
}

// Allocator is a partitioned expiring index allocator. It holds no locks of
// its own; consistency comes from the transactions passed to each method.
type Allocator[P any] struct {
	parts    int32
	capacity int32
	shift    int32 // first cell slot
	validity int64

	heads []head[P]
	cells []stm.Object[cell[P]]

	// cursor is the partition ExpireOne looks at next. Only one goroutine
	// may expire through ExpireOne at a time.
	cursor util.PaddedAtomicInt32

	log logr.Logger
}

// New constructs an Allocator. Indices are spread evenly over the
// partitions' Free lists; the first Capacity%Partitions partitions get one
// extra index.
func New[P any](opt Options) (*Allocator[P], error) {
	opt.applyDefaults()
	if err := opt.validate(); err != nil {
		return nil, err
	}

	parts := int32(opt.Partitions)
	a := &Allocator[P]{
		parts:    parts,
		capacity: int32(opt.Capacity),
		shift:    2*parts + 1,
		validity: int64(opt.Validity),
		heads:    make([]head[P], 2*parts+1),
		cells:    make([]stm.Object[cell[P]], opt.Capacity),
		log:      opt.Logger.WithName("dchain"),
	}
	if a.validity <= 0 {
		a.validity = 0
	}

	for p := int32(0); p < parts; p++ {
		ah := a.allocHead(p)
		a.obj(ah).Init(cell[P]{prev: ah, next: ah, owner: p, deadline: math.MaxInt64})
	}
	a.obj(a.globalHead()).Init(cell[P]{prev: nilSlot, next: nilSlot, owner: ownerFree, deadline: math.MaxInt64})

	// Build each Free list in ascending index order.
	per, extra := a.capacity/parts, a.capacity%parts
	next := int32(0)
	for p := int32(0); p < parts; p++ {
		n := per
		if p < extra {
			n++
		}
		first := nilSlot
		if n > 0 {
			first = next + a.shift
		}
		a.obj(a.freeHead(p)).Init(cell[P]{prev: nilSlot, next: first, owner: ownerFree, deadline: math.MaxInt64})
		for i := int32(0); i < n; i++ {
			link := nilSlot
			if i+1 < n {
				link = next + 1 + a.shift
			}
			a.cells[next].Init(cell[P]{prev: nilSlot, next: link, owner: ownerFree, deadline: math.MaxInt64})
			next++
		}
	}

	a.log.V(1).Info("allocator ready", "capacity", opt.Capacity, "partitions", opt.Partitions, "validity", opt.Validity)
	return a, nil
}

// Capacity returns the number of indices.
func (a *Allocator[P]) Capacity() int { return int(a.capacity) }

// Partitions returns the number of partitions.
func (a *Allocator[P]) Partitions() int { return int(a.parts) }

// Expiring reports whether indices carry a finite deadline.
func (a *Allocator[P]) Expiring() bool { return a.validity > 0 }

// Validity returns the lifetime granted by Allocate and Rejuvenate in
// nanoseconds, or 0 for a non-expiring allocator.
func (a *Allocator[P]) Validity() int64 { return a.validity }

func (a *Allocator[P]) allocHead(p int32) int32 { return p }
func (a *Allocator[P]) freeHead(p int32) int32  { return a.parts + p }
func (a *Allocator[P]) globalHead() int32       { return 2 * a.parts }

func (a *Allocator[P]) obj(slot int32) *stm.Object[cell[P]] {
	if slot < a.shift {
		return &a.heads[slot].Object
	}
	return &a.cells[slot-a.shift]
}

func (a *Allocator[P]) slot(h Handle) int32 { return int32(h) + a.shift }

func (a *Allocator[P]) checkPartition(p int) error {
	if p < 0 || p >= int(a.parts) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrBadPartition, p, a.parts)
	}
	return nil
}

func (a *Allocator[P]) checkHandle(h Handle) error {
	if h < 0 || int32(h) >= a.capacity {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrBadHandle, h, a.capacity)
	}
	return nil
}

func (a *Allocator[P]) expiry(now int64) int64 {
	if a.validity == 0 || now > math.MaxInt64-a.validity {
		return math.MaxInt64
	}
	return now + a.validity
}

// Allocate takes a free index for partition p and appends it to p's
// Allocated list as the newest entry. ok is false, with a nil error, when
// every Free list is empty.
func (a *Allocator[P]) Allocate(tx *stm.Txn, p int, now int64) (h Handle, ok bool, err error) {
	if err := a.checkPartition(p); err != nil {
		return NoHandle, false, err
	}
	part := int32(p)

	slot, err := a.pop(tx, a.freeHead(part))
	if err != nil {
		return NoHandle, false, err
	}
	if slot == nilSlot {
		if slot, err = a.pop(tx, a.globalHead()); err != nil {
			return NoHandle, false, err
		}
	}
	if slot == nilSlot {
		moved, err := a.refill(tx)
		if err != nil {
			return NoHandle, false, err
		}
		if moved > 0 {
			if slot, err = a.pop(tx, a.globalHead()); err != nil {
				return NoHandle, false, err
			}
		}
	}
	if slot == nilSlot {
		return NoHandle, false, nil
	}

	c, err := a.obj(slot).TryLock(tx)
	if err != nil {
		return NoHandle, false, err
	}
	if err := a.append(tx, part, slot, c); err != nil {
		return NoHandle, false, err
	}
	c.deadline = a.expiry(now)
	return Handle(slot - a.shift), true, nil
}

// pop removes the first cell of a singly linked Free list. It only locks the
// head when the list is non-empty, so an empty Global list is never a point
// of contention.
func (a *Allocator[P]) pop(tx *stm.Txn, headSlot int32) (int32, error) {
	hd := a.obj(headSlot)
	v, err := hd.Deref(tx)
	if err != nil {
		return nilSlot, err
	}
	if v.next == nilSlot {
		return nilSlot, nil
	}
	hp, err := hd.TryLock(tx)
	if err != nil {
		return nilSlot, err
	}
	first := hp.next
	c, err := a.obj(first).TryLock(tx)
	if err != nil {
		return nilSlot, err
	}
	hp.next = c.next
	c.next = nilSlot
	return first, nil
}

// push puts slot at the front of a singly linked Free list.
func (a *Allocator[P]) push(tx *stm.Txn, headSlot, slot int32, c *cell[P]) error {
	hp, err := a.obj(headSlot).TryLock(tx)
	if err != nil {
		return err
	}
	c.next = hp.next
	c.prev = nilSlot
	c.owner = ownerFree
	c.deadline = math.MaxInt64
	hp.next = slot
	return nil
}

// refill moves the first free index of every partition onto the Global list
// and returns how many it moved.
func (a *Allocator[P]) refill(tx *stm.Txn) (int, error) {
	moved := 0
	for q := int32(0); q < a.parts; q++ {
		slot, err := a.pop(tx, a.freeHead(q))
		if err != nil {
			return moved, err
		}
		if slot == nilSlot {
			continue
		}
		c, err := a.obj(slot).TryLock(tx)
		if err != nil {
			return moved, err
		}
		if err := a.push(tx, a.globalHead(), slot, c); err != nil {
			return moved, err
		}
		moved++
	}
	if a.log.V(2).Enabled() {
		a.log.V(2).Info("global free list refilled", "moved", moved)
	}
	return moved, nil
}

// append links the locked cell c at the tail of p's Allocated list.
func (a *Allocator[P]) append(tx *stm.Txn, p, slot int32, c *cell[P]) error {
	ahSlot := a.allocHead(p)
	ah, err := a.obj(ahSlot).TryLock(tx)
	if err != nil {
		return err
	}
	tail := ah.prev
	// tail may be the head itself; TryLock then hands back ah again.
	tl, err := a.obj(tail).TryLock(tx)
	if err != nil {
		return err
	}
	tl.next = slot
	ah.prev = slot
	c.prev = tail
	c.next = ahSlot
	c.owner = p
	return nil
}

// unlink splices the locked cell c out of its Allocated list.
func (a *Allocator[P]) unlink(tx *stm.Txn, c *cell[P]) error {
	pv, err := a.obj(c.prev).TryLock(tx)
	if err != nil {
		return err
	}
	nx, err := a.obj(c.next).TryLock(tx)
	if err != nil {
		return err
	}
	pv.next = c.next
	nx.prev = c.prev
	return nil
}

// owned locks the cell of h after checking, without locking, that it sits
// on p's Allocated list.
func (a *Allocator[P]) owned(tx *stm.Txn, h Handle, p int) (*cell[P], error) {
	if err := a.checkPartition(p); err != nil {
		return nil, err
	}
	if err := a.checkHandle(h); err != nil {
		return nil, err
	}
	o := a.obj(a.slot(h))
	v, err := o.Deref(tx)
	if err != nil {
		return nil, err
	}
	if v.owner != int32(p) {
		return nil, fmt.Errorf("%w: handle %d, partition %d", ErrNotOwned, h, p)
	}
	return o.TryLock(tx)
}

// Free returns h from p's Allocated list to p's Free list.
func (a *Allocator[P]) Free(tx *stm.Txn, h Handle, p int) error {
	c, err := a.owned(tx, h, p)
	if err != nil {
		return err
	}
	if err := a.unlink(tx, c); err != nil {
		return err
	}
	return a.push(tx, a.freeHead(int32(p)), a.slot(h), c)
}

// Rejuvenate makes h the newest entry of p's Allocated list and refreshes
// its deadline.
func (a *Allocator[P]) Rejuvenate(tx *stm.Txn, h Handle, p int, now int64) error {
	c, err := a.owned(tx, h, p)
	if err != nil {
		return err
	}
	c.deadline = a.expiry(now)
	if c.next == a.allocHead(int32(p)) {
		return nil // already the newest
	}
	if err := a.unlink(tx, c); err != nil {
		return err
	}
	return a.append(tx, int32(p), a.slot(h), c)
}

// Oldest returns the least recently allocated or rejuvenated index of p.
func (a *Allocator[P]) Oldest(tx *stm.Txn, p int) (Handle, bool, error) {
	if err := a.checkPartition(p); err != nil {
		return NoHandle, false, err
	}
	ahSlot := a.allocHead(int32(p))
	ah, err := a.obj(ahSlot).Deref(tx)
	if err != nil {
		return NoHandle, false, err
	}
	if ah.next == ahSlot {
		return NoHandle, false, nil
	}
	return Handle(ah.next - a.shift), true, nil
}

// ExpireOldest frees p's oldest index if its deadline is before now.
func (a *Allocator[P]) ExpireOldest(tx *stm.Txn, p int, now int64) (Handle, bool, error) {
	h, ok, err := a.Oldest(tx, p)
	if err != nil || !ok {
		return NoHandle, false, err
	}
	c, err := a.obj(a.slot(h)).Deref(tx)
	if err != nil {
		return NoHandle, false, err
	}
	if c.deadline >= now {
		return NoHandle, false, nil
	}
	if err := a.Free(tx, h, p); err != nil {
		return NoHandle, false, err
	}
	return h, true, nil
}

// ExpireOne performs one step of a round-robin sweep over all partitions.
// If the partition under the cursor has an expired oldest index it is freed
// and returned along with that partition. Otherwise the cursor moves on and
// h is NoHandle; done is true once the cursor wraps back to partition 0.
// Callers loop until done.
//
// The cursor only advances when tx commits, so a retried attempt looks at
// the same partition again.
func (a *Allocator[P]) ExpireOne(tx *stm.Txn, now int64) (h Handle, p int, done bool, err error) {
	cur := a.cursor.Load()
	if cur >= a.parts {
		cur = 0
	}
	h, ok, err := a.ExpireOldest(tx, int(cur), now)
	if err != nil {
		return NoHandle, 0, false, err
	}
	if ok {
		return h, int(cur), false, nil
	}
	next := cur + 1
	if next >= a.parts {
		next, done = 0, true
	}
	tx.OnCommit(func() { a.cursor.Store(next) })
	return NoHandle, int(cur), done, nil
}

// IsAllocated reports whether h is on p's Allocated list. Only h's own cell
// is read.
func (a *Allocator[P]) IsAllocated(tx *stm.Txn, h Handle, p int) (bool, error) {
	if err := a.checkPartition(p); err != nil {
		return false, err
	}
	if err := a.checkHandle(h); err != nil {
		return false, err
	}
	c, err := a.obj(a.slot(h)).Deref(tx)
	if err != nil {
		return false, err
	}
	return c.owner == int32(p), nil
}

// HasFreeIndexes reports whether p's own Free list is non-empty. The Global
// list and other partitions are not consulted, so a false answer does not
// mean Allocate would fail.
func (a *Allocator[P]) HasFreeIndexes(tx *stm.Txn, p int) (bool, error) {
	if err := a.checkPartition(p); err != nil {
		return false, err
	}
	fh, err := a.obj(a.freeHead(int32(p))).Deref(tx)
	if err != nil {
		return false, err
	}
	return fh.next != nilSlot, nil
}

// Deadline returns h's current deadline (math.MaxInt64 when free or for a
// non-expiring allocator).
func (a *Allocator[P]) Deadline(tx *stm.Txn, h Handle) (int64, error) {
	if err := a.checkHandle(h); err != nil {
		return 0, err
	}
	c, err := a.obj(a.slot(h)).Deref(tx)
	if err != nil {
		return 0, err
	}
	return c.deadline, nil
}

// Payload returns the value stored alongside h.
func (a *Allocator[P]) Payload(tx *stm.Txn, h Handle) (P, error) {
	var zero P
	if err := a.checkHandle(h); err != nil {
		return zero, err
	}
	c, err := a.obj(a.slot(h)).Deref(tx)
	if err != nil {
		return zero, err
	}
	return c.payload, nil
}

// UpdatePayload locks h's cell and returns a pointer to its payload, valid
// until tx ends.
func (a *Allocator[P]) UpdatePayload(tx *stm.Txn, h Handle) (*P, error) {
	if err := a.checkHandle(h); err != nil {
		return nil, err
	}
	c, err := a.obj(a.slot(h)).TryLock(tx)
	if err != nil {
		return nil, err
	}
	return &c.payload, nil
}
