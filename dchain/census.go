package dchain

import (
	"fmt"

	"github.com/IvanBrykalov/flowstate/stm"
)

// Census is a consistent count of every list, taken inside one transaction.
type Census struct {
	Allocated []int // per partition
	Free      []int // per partition
	Global    int
}

// Total returns the number of indices found on all lists.
func (c Census) Total() int {
	n := c.Global
	for i := range c.Allocated {
		n += c.Allocated[i] + c.Free[i]
	}
	return n
}

// Census walks every list and checks that each index is on exactly one of
// them, that Allocated links are symmetric and that owners match. It reads
// the whole structure, so under load it conflicts with almost every writer;
// use it for tests, reports and debugging.
func (a *Allocator[P]) Census(tx *stm.Txn) (Census, error) {
	out := Census{
		Allocated: make([]int, a.parts),
		Free:      make([]int, a.parts),
	}
	seen := make([]bool, a.capacity)

	visit := func(slot int32) error {
		if slot < a.shift || slot-a.shift >= a.capacity {
			return fmt.Errorf("%w: link to slot %d", ErrCorrupt, slot)
		}
		i := slot - a.shift
		if seen[i] {
			return fmt.Errorf("%w: index %d on more than one list", ErrCorrupt, i)
		}
		seen[i] = true
		return nil
	}

	for p := int32(0); p < a.parts; p++ {
		ahSlot := a.allocHead(p)
		prev := ahSlot
		ah, err := a.obj(ahSlot).Deref(tx)
		if err != nil {
			return Census{}, err
		}
		for s := ah.next; s != ahSlot; {
			if err := visit(s); err != nil {
				return Census{}, err
			}
			c, err := a.obj(s).Deref(tx)
			if err != nil {
				return Census{}, err
			}
			if c.owner != p || c.prev != prev {
				return Census{}, fmt.Errorf("%w: index %d in allocated list %d has owner %d prev %d",
					ErrCorrupt, s-a.shift, p, c.owner, c.prev)
			}
			out.Allocated[p]++
			prev, s = s, c.next
		}
		if ah.prev != prev {
			return Census{}, fmt.Errorf("%w: allocated list %d tail mismatch", ErrCorrupt, p)
		}

		n, err := a.walkFree(tx, a.freeHead(p), visit)
		if err != nil {
			return Census{}, err
		}
		out.Free[p] = n
	}

	n, err := a.walkFree(tx, a.globalHead(), visit)
	if err != nil {
		return Census{}, err
	}
	out.Global = n

	if total := out.Total(); total != int(a.capacity) {
		return Census{}, fmt.Errorf("%w: found %d of %d indices", ErrCorrupt, total, a.capacity)
	}
	return out, nil
}

func (a *Allocator[P]) walkFree(tx *stm.Txn, headSlot int32, visit func(int32) error) (int, error) {
	hd, err := a.obj(headSlot).Deref(tx)
	if err != nil {
		return 0, err
	}
	n := 0
	for s := hd.next; s != nilSlot; n++ {
		if err := visit(s); err != nil {
			return 0, err
		}
		c, err := a.obj(s).Deref(tx)
		if err != nil {
			return 0, err
		}
		if c.owner != ownerFree {
			return 0, fmt.Errorf("%w: index %d on a free list has owner %d", ErrCorrupt, s-a.shift, c.owner)
		}
		s = c.next
	}
	return n, nil
}
