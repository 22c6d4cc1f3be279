package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/llxisdsh/pb"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/internal/singleflight"
	"github.com/IvanBrykalov/flowstate/stm"
)

// ErrNoSource is returned by Run when Options.Source is nil.
var ErrNoSource = errors.New("driver: no packet source")

// Runtime drives one worker per flow table partition.
type Runtime[K comparable, V any, P any] struct {
	domain *stm.Domain
	table  *flowtable.Table[K, V]
	app    App[K, V, P]

	source   Source
	sink     Sink
	batching bool
	expire   bool
	periodic func(tx *stm.Txn, now int64) error
	period   time.Duration
	cpus     []int
	clock    flowtable.Clock
	log      logr.Logger

	workers *pb.MapOf[int, *Worker[K, V, P]]

	// sweeps coalesces concurrent Sweep calls; sweepTx is only used by the
	// leader of a flight.
	sweeps  singleflight.Group[struct{}, int]
	sweepTx *stm.Txn
}

// New constructs a Runtime with one Worker per table partition. Every
// transaction the runtime starts comes from d, which must be the domain all
// other users of table's state share.
func New[K comparable, V any, P any](d *stm.Domain, table *flowtable.Table[K, V], app App[K, V, P], opt Options) (*Runtime[K, V, P], error) {
	opt.applyDefaults()
	if err := opt.validate(); err != nil {
		return nil, err
	}
	if d == nil || table == nil || app == nil {
		return nil, fmt.Errorf("invalid driver options: domain, table and app are required")
	}

	r := &Runtime[K, V, P]{
		domain:   d,
		table:    table,
		app:      app,
		source:   opt.Source,
		sink:     opt.Sink,
		batching: opt.Batching,
		expire:   opt.Expire,
		periodic: opt.Periodic,
		period:   opt.Period,
		cpus:     opt.CPUs,
		clock:    opt.Clock,
		log:      opt.Logger.WithName("driver"),
		workers:  pb.NewMapOf[int, *Worker[K, V, P]](),
		sweepTx:  d.NewTxn(),
	}
	for p := 0; p < table.Partitions(); p++ {
		r.workers.Store(p, newWorker(r, p, opt.Burst))
	}
	return r, nil
}

// Worker returns the worker of partition p.
func (r *Runtime[K, V, P]) Worker(p int) (*Worker[K, V, P], bool) {
	return r.workers.Load(p)
}

// Stats returns every worker's counters, ordered by partition.
func (r *Runtime[K, V, P]) Stats() []WorkerStats {
	out := make([]WorkerStats, 0, r.workers.Size())
	r.workers.Range(func(_ int, w *Worker[K, V, P]) bool {
		out = append(out, w.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Run starts the workers (and the periodic handler, if configured) and
// blocks until ctx is cancelled or the periodic handler fails.
func (r *Runtime[K, V, P]) Run(ctx context.Context) error {
	if r.source == nil {
		return ErrNoSource
	}
	g, ctx := errgroup.WithContext(ctx)

	r.workers.Range(func(p int, w *Worker[K, V, P]) bool {
		cpu := -1
		if p < len(r.cpus) {
			cpu = r.cpus[p]
		}
		g.Go(func() error {
			w.loop(ctx.Done(), cpu)
			return nil
		})
		return true
	})

	if r.periodic != nil {
		g.Go(func() error { return r.runPeriodic(ctx) })
	}

	r.log.V(1).Info("runtime started",
		"workers", r.workers.Size(),
		"batching", r.batching,
		"expire", r.expire,
		"periodic", r.periodic != nil)
	err := g.Wait()
	r.log.V(1).Info("runtime stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime[K, V, P]) runPeriodic(ctx context.Context) error {
	tx := r.domain.NewTxn()
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := r.clock.NowUnixNano()
			if err := tx.Run(func(tx *stm.Txn) error { return r.periodic(tx, now) }); err != nil {
				return fmt.Errorf("periodic handler: %w", err)
			}
		}
	}
}

// Sweep reclaims expired flows in every partition now and returns how many
// it removed. Concurrent calls share one sweep.
func (r *Runtime[K, V, P]) Sweep(ctx context.Context) (int, error) {
	return r.sweeps.Do(ctx, struct{}{}, func() (int, error) {
		n, err := r.table.SweepAll(r.sweepTx, r.clock.NowUnixNano())
		if err == nil && n > 0 {
			r.log.V(1).Info("on-demand sweep", "expired", n)
		}
		return n, err
	})
}
