package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/flowstate/stm"
)

// RegisterDomain exports a transaction domain's commit and abort counters
// and its version clock. Values are read from d.Stats() at scrape time.
func RegisterDomain(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels, d *stm.Domain) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}
	}
	reg.MustRegister(
		prometheus.NewCounterFunc(opts("txn_commits_total", "Committed transaction attempts"),
			func() float64 { return float64(d.Stats().Commits) }),
		prometheus.NewCounterFunc(opts("txn_aborts_total", "Aborted transaction attempts"),
			func() float64 { return float64(d.Stats().Aborts) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "txn_clock",
			Help:        "Global version clock",
			ConstLabels: constLabels,
		},
			func() float64 { return float64(d.Stats().Clock) }),
	)
}
