package flowtable

import (
	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/stm"
)

// Record is a handle to a flow's state. The zero Record is invalid.
// Reads and writes go through the transaction that obtained it; a write is
// a private copy until that transaction commits and is discarded if it
// aborts.
type Record[V any] struct {
	obj *stm.Object[V]
	h   dchain.Handle
}

// Valid reports whether r refers to a flow.
func (r Record[V]) Valid() bool { return r.obj != nil }

// Handle returns the allocator index backing the flow.
func (r Record[V]) Handle() dchain.Handle { return r.h }

// Get reads the record.
func (r Record[V]) Get(tx *stm.Txn) (V, error) { return r.obj.Deref(tx) }

// Update locks the record and returns a pointer to tx's private copy.
func (r Record[V]) Update(tx *stm.Txn) (*V, error) { return r.obj.TryLock(tx) }
