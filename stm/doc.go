// Package stm implements the optimistic-concurrency transaction protocol that
// every piece of shared flowstate data is mutated under.
//
// Design
//
//   - Objects: an Object[T] holds the latest committed version of a value and
//     an intent lock. Versions are immutable once published; readers never
//     block and never observe a value written by an uncommitted transaction.
//
//   - Transactions: a Txn is per worker and not safe for concurrent use.
//     Begin opens a read epoch (the domain clock). Deref returns the committed
//     version not newer than the epoch, or this transaction's own pending copy.
//     TryLock takes the intent lock and returns a private copy (copy-on-write);
//     it aborts immediately if another transaction holds the lock.
//
//   - Commit: update transactions take a write version from the clock,
//     validate their read set and publish every pending copy. Read-only
//     transactions are already consistent at their epoch and commit for free.
//
//   - Abort is ordinary control flow. Every operation that can conflict
//     returns ErrAbort, callers propagate it, and Txn.Run restarts the whole
//     unit of work from Begin according to the domain's RetryPolicy.
//
// Basic usage
//
//	d := stm.New(stm.Options{})
//	balance := stm.NewObject(100)
//	tx := d.NewTxn()
//	err := tx.Run(func(tx *stm.Txn) error {
//	    b, err := balance.TryLock(tx)
//	    if err != nil {
//	        return err // ErrAbort: Run restarts the closure
//	    }
//	    *b -= 10
//	    return nil
//	})
//
// Hooks registered with OnCommit run after a successful publish, OnAbort hooks
// run (in reverse order) when an attempt is discarded. They replace ad hoc
// per-core rollback logs.
package stm
