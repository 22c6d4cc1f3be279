// Package prom exports flow table and transaction metrics to Prometheus.
package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/flowstate/flowtable"
)

// Adapter implements flowtable.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	creates prometheus.Counter
	rejects prometheus.Counter
	evicts  *prometheus.CounterVec
	flows   *prometheus.GaugeVec

	// partition labels are precomputed to keep Size allocation-free.
	labels []string
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:    counter("lookup_hits_total", "Lookups that found a live flow"),
		misses:  counter("lookup_misses_total", "Lookups that found no flow"),
		creates: counter("flows_created_total", "Flows committed"),
		rejects: counter("flows_rejected_total", "New flows refused for lack of a free index"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "flows_evicted_total",
				Help:        "Flows removed by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		flows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "flows",
				Help:        "Live flows per partition",
				ConstLabels: constLabels,
			},
			[]string{"partition"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.creates, a.rejects, a.evicts, a.flows)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Create increments the created-flows counter.
func (a *Adapter) Create() { a.creates.Inc() }

// Reject increments the rejected-flows counter.
func (a *Adapter) Reject() { a.rejects.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r flowtable.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size sets the live-flow gauge of one partition.
func (a *Adapter) Size(partition, flows int) {
	a.flows.WithLabelValues(a.label(partition)).Set(float64(flows))
}

func (a *Adapter) label(p int) string {
	if p < len(a.labels) {
		return a.labels[p]
	}
	return strconv.Itoa(p)
}

// WithPartitions precomputes partition labels for n partitions and returns a.
func (a *Adapter) WithPartitions(n int) *Adapter {
	a.labels = make([]string, n)
	for i := range a.labels {
		a.labels[i] = strconv.Itoa(i)
	}
	return a
}

// Compile-time check: ensure Adapter implements flowtable.Metrics.
var _ flowtable.Metrics = (*Adapter)(nil)
