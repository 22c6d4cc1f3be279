// Package flowtable manages per-flow state records for a multi-core packet
// processing runtime.
//
// A Table maps flow keys to records of type V. Each record lives at the
// index an allocator (dchain) handed out for it; the key-to-index mapping is
// a partitioned hash index (cmap) whose collision chains are stored in the
// allocator's cells. Every piece of shared state is an stm.Object, so all
// operations take an open *stm.Txn and may return stm.ErrAbort.
//
// New flows are created in two steps. While processing the packet that
// starts a flow, the application calls Stage to park the initial record in
// its partition's stage slot. Once that transaction has committed, the
// runtime calls Commit in a second transaction, which allocates the index,
// indexes the key (and optionally a related key that resolves to the same
// record) and writes the record. An aborted transaction clears the stage
// slot; nothing else needs undoing.
//
// Flows expire Validity after their last refresh. Lookup refreshes a flow
// that has been idle for at least RefreshThreshold, and Sweep reclaims
// expired flows oldest first, calling Options.OnEvict for each.
//
//	t, _ := flowtable.New[Key, State](flowtable.Options[Key, State]{
//		Capacity:   65536,
//		Partitions: 4,
//		Validity:   10 * time.Second,
//	})
//	rec, ok, err := t.Lookup(tx, key, partition, now)
package flowtable
