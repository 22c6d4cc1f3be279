// Package lru implements an LRU admission policy: when a partition is full,
// its least recently used flow is evicted to admit the new one.
package lru

import (
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/stm"
)

// lru evicts the partition's oldest flow regardless of its deadline.
// Allocated lists are kept in recency order by the table, so the oldest
// entry is the LRU one.
type lru struct {
	h policy.Hooks
}

type lruPolicy struct{}

// New returns a Policy factory that constructs LRU instances.
func New() policy.Policy { return lruPolicy{} }

// New implements policy.Policy by binding the table's hooks.
func (lruPolicy) New(h policy.Hooks) policy.PartitionPolicy { return &lru{h: h} }

// OnFull evicts the oldest flow. An empty partition cannot make room: its
// indices were all borrowed by other partitions.
func (p *lru) OnFull(tx *stm.Txn, part int, _ int64) (bool, error) {
	h, ok, err := p.h.Oldest(tx, part)
	if err != nil || !ok {
		return false, err
	}
	if err := p.h.Evict(tx, h, part, policy.Capacity); err != nil {
		return false, err
	}
	return true, nil
}
