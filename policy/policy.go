// Package policy defines admission policies: what a flow table does when a
// new flow is committed and no index is left, neither in the partition nor
// anywhere it could borrow one from.
package policy

import (
	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Reason tells an eviction callback why a flow is being removed.
type Reason uint8

const (
	// Expired: the flow's deadline passed and a sweep reclaimed it.
	Expired Reason = iota
	// Capacity: an admission policy evicted the flow to make room.
	Capacity
)

func (r Reason) String() string {
	switch r {
	case Expired:
		return "expired"
	case Capacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Hooks expose a partition's flows to a policy. Implementations are provided
// by the flow table; every call runs inside the caller's transaction and may
// return stm.ErrAbort.
//
// Hooks only ever touch the partition they are given.
type Hooks interface {
	// Oldest returns the least recently used flow of partition p.
	Oldest(tx *stm.Txn, p int) (dchain.Handle, bool, error)
	// Deadline returns the expiry time of flow h.
	Deadline(tx *stm.Txn, h dchain.Handle) (int64, error)
	// Evict removes flow h from partition p: the eviction callback runs with
	// reason, the keys are erased and the index returns to p's Free list.
	Evict(tx *stm.Txn, h dchain.Handle, p int, reason Reason) error
}

// PartitionPolicy is a policy instance bound to a table's hooks.
type PartitionPolicy interface {
	// OnFull is called when no index can be allocated for partition p.
	// Returning true means the policy freed one of p's indices and the
	// allocation may be retried.
	OnFull(tx *stm.Txn, p int, now int64) (admit bool, err error)
}

// Policy is a factory that binds a policy to a particular table's hooks.
type Policy interface {
	New(Hooks) PartitionPolicy
}
