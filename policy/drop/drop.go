// Package drop implements the default admission policy: when a partition is
// full, new flows are rejected.
package drop

import (
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/stm"
)

type dropPolicy struct{}

type drop struct{}

// New returns a Policy that never makes room.
func New() policy.Policy { return dropPolicy{} }

// New implements policy.Policy.
func (dropPolicy) New(policy.Hooks) policy.PartitionPolicy { return drop{} }

// OnFull rejects the flow.
func (drop) OnFull(*stm.Txn, int, int64) (bool, error) { return false, nil }
