// Package driver runs packet processing workers over a flow table.
//
// A Runtime owns one Worker per partition. Each worker runs on its own
// goroutine, locked to an OS thread and optionally pinned to a CPU, and loops
// run-to-completion: refresh the clock, optionally reclaim expired flows,
// poll a burst of packets from the Source, process it, hand the verdicts to
// the Sink. Workers never steal work from one another.
//
// Processing a packet is a sequence of transactions on the worker's
// *stm.Txn: a flow lookup, then the application's handler; for a packet of
// an unknown flow the handler may Stage a new flow, which is committed in a
// third transaction. Conflicts restart only the transaction that hit them.
// With Options.Batching, consecutive packets of known flows share a single
// handler transaction, as do consecutive stateless packets.
package driver
