package driver

import (
	"errors"
	"runtime"

	"github.com/go-logr/logr"

	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/internal/util"
	"github.com/IvanBrykalov/flowstate/stm"
)

// WorkerStats are a worker's cumulative counters.
type WorkerStats struct {
	Partition int
	Packets   uint64
	Dropped   uint64 // parse failures, handler errors and ActDrop verdicts
	Created   uint64
	Rejected  uint64 // new flows refused for lack of capacity
	Expired   uint64
	Errors    uint64 // handler or commit errors other than conflicts
}

type workerCounters struct {
	packets  util.PaddedAtomicUint64
	dropped  util.PaddedAtomicUint64
	created  util.PaddedAtomicUint64
	rejected util.PaddedAtomicUint64
	expired  util.PaddedAtomicUint64
	errors   util.PaddedAtomicUint64
}

// Worker is the per-partition processing context handed to App.Handle.
// It is used by one goroutine only.
type Worker[K comparable, V any, P any] struct {
	rt   *Runtime[K, V, P]
	part int
	tx   *stm.Txn
	now  int64
	log  logr.Logger

	// burst scratch, reused across iterations
	pkts     []Packet
	parsed   []P
	ok       []bool
	keys     []K
	stateful []bool
	looked   []bool
	hit      []bool
	recs     []flowtable.Record[V]
	verdicts []Verdict

	c workerCounters
}

func newWorker[K comparable, V any, P any](rt *Runtime[K, V, P], part, burst int) *Worker[K, V, P] {
	return &Worker[K, V, P]{
		rt:       rt,
		part:     part,
		tx:       rt.domain.NewTxn(),
		log:      rt.log.WithValues("partition", part),
		pkts:     make([]Packet, burst),
		parsed:   make([]P, burst),
		ok:       make([]bool, burst),
		keys:     make([]K, burst),
		stateful: make([]bool, burst),
		looked:   make([]bool, burst),
		hit:      make([]bool, burst),
		recs:     make([]flowtable.Record[V], burst),
		verdicts: make([]Verdict, burst),
	}
}

// Partition returns the partition this worker owns.
func (w *Worker[K, V, P]) Partition() int { return w.part }

// Now returns the timestamp of the packet being processed.
func (w *Worker[K, V, P]) Now() int64 { return w.now }

// Stage parks rec as the new flow of the packet being handled. It is
// committed under the packet's key after the handler's transaction
// succeeds. Only packets of unknown flows create flows; a stage made while
// handling any other packet is discarded. See flowtable.Table.Stage.
func (w *Worker[K, V, P]) Stage(tx *stm.Txn, rec V, related ...K) error {
	return w.rt.table.Stage(tx, w.part, rec, related...)
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker[K, V, P]) Stats() WorkerStats {
	return WorkerStats{
		Partition: w.part,
		Packets:   w.c.packets.Load(),
		Dropped:   w.c.dropped.Load(),
		Created:   w.c.created.Load(),
		Rejected:  w.c.rejected.Load(),
		Expired:   w.c.expired.Load(),
		Errors:    w.c.errors.Load(),
	}
}

// Process runs one burst through the pipeline and returns the verdicts,
// valid until the next call. len(pkts) must not exceed the burst size.
func (w *Worker[K, V, P]) Process(pkts []Packet) []Verdict {
	n := copy(w.pkts, pkts)
	w.process(n)
	return w.verdicts[:n]
}

// expire reclaims the partition's expired flows.
func (w *Worker[K, V, P]) expire(now int64) {
	n, err := w.rt.table.Sweep(w.tx, now, w.part)
	if n > 0 {
		w.c.expired.Add(uint64(n))
	}
	if err != nil {
		w.c.errors.Add(1)
		w.log.Error(err, "expiration failed")
	}
}

func (w *Worker[K, V, P]) process(n int) {
	clockNow := w.rt.clock.NowUnixNano()
	app := w.rt.app
	for i := 0; i < n; i++ {
		if w.pkts[i].Time == 0 {
			w.pkts[i].Time = clockNow
		}
		w.ok[i] = app.Parse(w.pkts[i].Data, &w.parsed[i])
		if w.ok[i] {
			w.keys[i], w.stateful[i] = app.Dispatch(&w.parsed[i], w.pkts[i].Device)
		}
		w.looked[i], w.hit[i] = false, false
		w.recs[i] = flowtable.Record[V]{}
		w.verdicts[i] = Drop()
	}

	if w.rt.batching {
		w.processBatched(n)
	} else {
		for i := 0; i < n; i++ {
			w.processOne(i)
		}
	}

	w.c.packets.Add(uint64(n))
	var dropped uint64
	for i := 0; i < n; i++ {
		if w.verdicts[i].Action == ActDrop {
			dropped++
		}
	}
	w.c.dropped.Add(dropped)
}

func (w *Worker[K, V, P]) processOne(i int) {
	if !w.ok[i] {
		return
	}
	if !w.stateful[i] {
		w.runGroup(i, i+1)
		return
	}
	if w.lookup(i) {
		w.runGroup(i, i+1)
		return
	}
	w.handleUnknown(i)
}

// processBatched splits the burst into runs: consecutive stateless packets
// and consecutive packets of known flows each share one transaction; a
// packet of an unknown flow is handled on its own, and its flow committed,
// before the next packet is looked up.
func (w *Worker[K, V, P]) processBatched(n int) {
	for i := 0; i < n; {
		if !w.ok[i] {
			i++
			continue
		}
		if !w.stateful[i] {
			j := i + 1
			for j < n && (!w.ok[j] || !w.stateful[j]) {
				j++
			}
			w.runGroup(i, j)
			i = j
			continue
		}
		if !w.lookup(i) {
			w.handleUnknown(i)
			i++
			continue
		}
		j := i + 1
		for j < n {
			if w.ok[j] && (!w.stateful[j] || !w.lookup(j)) {
				break
			}
			j++
		}
		w.runGroup(i, j)
		i = j
	}
}

// lookup finds packet i's flow in its own transaction; the result is cached
// for the burst.
func (w *Worker[K, V, P]) lookup(i int) bool {
	if w.looked[i] {
		return w.hit[i]
	}
	w.now = w.pkts[i].Time
	err := w.tx.Run(func(tx *stm.Txn) error {
		rec, hit, err := w.rt.table.Lookup(tx, w.keys[i], w.part, w.now)
		w.recs[i], w.hit[i] = rec, hit
		return err
	})
	if err != nil {
		w.c.errors.Add(1)
		w.log.Error(err, "flow lookup failed")
		w.hit[i] = false
	}
	w.looked[i] = true
	return w.hit[i]
}

// runGroup handles packets [i, j) in one transaction. If a handler fails
// with anything but a conflict, the group is re-run one packet at a time so
// that only the failing packet is dropped. These packets never create
// flows, so whatever their handlers staged is discarded.
func (w *Worker[K, V, P]) runGroup(i, j int) {
	defer w.rt.table.Discard(w.part)
	err := w.tx.Run(func(tx *stm.Txn) error {
		for k := i; k < j; k++ {
			if !w.ok[k] {
				continue
			}
			v, err := w.handle(tx, k)
			if err != nil {
				return err
			}
			w.verdicts[k] = v
		}
		return nil
	})
	if err == nil {
		return
	}
	for k := i; k < j; k++ {
		w.verdicts[k] = Drop()
	}
	if j-i == 1 {
		w.handlerFailed(err)
		return
	}
	for k := i; k < j; k++ {
		if w.ok[k] {
			w.runGroup(k, k+1)
		}
	}
}

// handle runs the application handler for packet k. A flow found by the
// lookup transaction may have been swept before tx began; the handler then
// sees the packet as one of an unknown flow.
func (w *Worker[K, V, P]) handle(tx *stm.Txn, k int) (Verdict, error) {
	w.now = w.pkts[k].Time
	var rec *flowtable.Record[V]
	if w.hit[k] {
		live, err := w.rt.table.Live(tx, w.recs[k], w.part)
		if err != nil {
			return Drop(), err
		}
		if live {
			rec = &w.recs[k]
		}
	}
	return w.rt.app.Handle(tx, w, &w.parsed[k], w.pkts[k].Device, rec, w.keys[k])
}

// handleUnknown runs the handler for a packet of an unknown flow, then
// commits the flow the handler staged, if any, in a second transaction.
func (w *Worker[K, V, P]) handleUnknown(i int) {
	table := w.rt.table
	table.Discard(w.part)
	err := w.tx.Run(func(tx *stm.Txn) error {
		v, err := w.handle(tx, i)
		w.verdicts[i] = v
		return err
	})
	if err != nil {
		w.verdicts[i] = Drop()
		w.handlerFailed(err)
		return
	}
	if !table.Staged(w.part) {
		return
	}

	var created bool
	err = w.tx.Run(func(tx *stm.Txn) error {
		var err error
		_, created, err = table.Commit(tx, w.keys[i], w.part, w.now)
		return err
	})
	switch {
	case err == nil:
		if created {
			w.c.created.Add(1)
		}
	case errors.Is(err, flowtable.ErrNoCapacity):
		w.c.rejected.Add(1)
	default:
		table.Discard(w.part)
		w.c.errors.Add(1)
		w.log.Error(err, "flow commit failed")
	}
}

func (w *Worker[K, V, P]) handlerFailed(err error) {
	if errors.Is(err, flowtable.ErrNoCapacity) {
		w.c.rejected.Add(1)
		return
	}
	w.c.errors.Add(1)
	if w.log.V(1).Enabled() {
		w.log.V(1).Info("packet handler failed", "err", err.Error())
	}
}

// loop is the worker's run-to-completion polling loop.
func (w *Worker[K, V, P]) loop(stop <-chan struct{}, cpu int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if cpu >= 0 {
		if err := pinThread(cpu); err != nil {
			w.log.Error(err, "cpu pinning failed, running unpinned", "cpu", cpu)
		} else {
			w.log.V(1).Info("worker pinned", "cpu", cpu)
		}
	}

	src, sink := w.rt.source, w.rt.sink
	idle := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		if w.rt.expire {
			w.expire(w.rt.clock.NowUnixNano())
		}

		for i := range w.pkts {
			w.pkts[i] = Packet{}
		}
		n := src.Poll(w.part, w.pkts)
		if n == 0 {
			if idle++; idle >= idleSpins {
				idle = 0
				runtime.Gosched()
			}
			continue
		}
		idle = 0
		w.process(n)
		if sink != nil {
			sink.Emit(w.part, w.pkts[:n], w.verdicts[:n])
		}
	}
}

// idleSpins is how many empty polls a worker spins through before yielding.
const idleSpins = 256
