// Package reclaim implements an admission policy that frees an already
// expired flow on demand instead of waiting for the next sweep.
package reclaim

import (
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/stm"
)

type reclaim struct {
	h policy.Hooks
}

type reclaimPolicy struct{}

// New returns a Policy that admits a new flow only if the partition's oldest
// flow has expired, evicting it with reason policy.Expired.
func New() policy.Policy { return reclaimPolicy{} }

// New implements policy.Policy.
func (reclaimPolicy) New(h policy.Hooks) policy.PartitionPolicy { return &reclaim{h: h} }

func (r *reclaim) OnFull(tx *stm.Txn, part int, now int64) (bool, error) {
	h, ok, err := r.h.Oldest(tx, part)
	if err != nil || !ok {
		return false, err
	}
	dl, err := r.h.Deadline(tx, h)
	if err != nil {
		return false, err
	}
	if dl >= now {
		return false, nil
	}
	if err := r.h.Evict(tx, h, part, policy.Expired); err != nil {
		return false, err
	}
	return true, nil
}
