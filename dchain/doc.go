// Package dchain implements a partitioned, expiring index allocator.
//
// An Allocator hands out integer indices in [0, Capacity). Each partition
// (normally one per worker core) owns an Allocated list, ordered from the
// least to the most recently used index, and a Free list. A single Global
// Free list lets an exhausted partition borrow indices from the others: when
// both the local and the global list are empty, one free index is moved from
// every partition that has one onto the global list and the pop is retried.
//
// Every cell, list head included, is an stm.Object, so all operations run
// inside a caller-supplied transaction and may fail with stm.ErrAbort. The
// caller restarts the unit of work (see stm.Txn.Run).
//
//	a, _ := dchain.New[struct{}](dchain.Options{Capacity: 1024, Partitions: 4, Validity: time.Second})
//	tx := stm.New(stm.Options{}).NewTxn()
//	_ = tx.Run(func(tx *stm.Txn) error {
//		h, ok, err := a.Allocate(tx, 0, now)
//		...
//	})
//
// Indices carry a deadline (now + Validity) refreshed by Rejuvenate; the
// oldest index of a partition is the first candidate for ExpireOldest.
package dchain
