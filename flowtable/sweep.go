package flowtable

import (
	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Sweep reclaims the expired flows of partition p, oldest first, and returns
// how many it removed. Each flow is expired by the allocator and then
// reported to OnEvict and unindexed, in its own transaction run on tx, so
// tx must not be active; a conflict only retries the current flow.
func (t *Table[K, V]) Sweep(tx *stm.Txn, now int64, p int) (int, error) {
	if err := t.checkPartition(p); err != nil {
		return 0, err
	}
	n := 0
	for {
		var freed bool
		err := tx.Run(func(tx *stm.Txn) error {
			h, ok, err := t.alloc.ExpireOldest(tx, p, now)
			freed = ok
			if err != nil || !ok {
				return err
			}
			return t.reclaimed(tx, h, p, EvictExpired)
		})
		if err != nil {
			return n, err
		}
		if !freed {
			break
		}
		n++
	}
	if n > 0 && t.log.V(2).Enabled() {
		t.log.V(2).Info("swept expired flows", "partition", p, "count", n)
	}
	return n, nil
}

// SweepAll reclaims expired flows across all partitions, round-robin, until
// a full pass over the partitions finds nothing left to expire. A pass
// resumes where an interrupted one stopped. It may run alongside the
// workers, but only one SweepAll may run at a time.
func (t *Table[K, V]) SweepAll(tx *stm.Txn, now int64) (int, error) {
	total := 0
	for {
		var freed, done bool
		err := tx.Run(func(tx *stm.Txn) error {
			h, p, d, err := t.alloc.ExpireOne(tx, now)
			freed, done = false, d
			if err != nil || h == dchain.NoHandle {
				return err
			}
			freed = true
			return t.reclaimed(tx, h, p, EvictExpired)
		})
		if err != nil {
			return total, err
		}
		if freed {
			total++
		}
		if done {
			break
		}
	}
	if total > 0 && t.log.V(2).Enabled() {
		t.log.V(2).Info("swept expired flows", "count", total)
	}
	return total, nil
}
