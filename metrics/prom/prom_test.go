package prom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/stm"
)

// gather flattens a registry into "name{label=value,...}" -> value.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestAdapter(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := New(reg, "flowstate", "table", nil).WithPartitions(2)

	a.Hit()
	a.Hit()
	a.Miss()
	a.Create()
	a.Reject()
	a.Evict(flowtable.EvictExpired)
	a.Evict(flowtable.EvictCapacity)
	a.Evict(flowtable.EvictExpired)
	a.Size(1, 7)
	a.Size(5, 1) // beyond the precomputed labels

	got := gather(t, reg)
	want := map[string]float64{
		"flowstate_table_lookup_hits_total": 2,
		"flowstate_table_lookup_misses_total": 1,
		"flowstate_table_flows_created_total": 1,
		"flowstate_table_flows_rejected_total": 1,
		"flowstate_table_flows_evicted_total{reason=expired}": 2,
		"flowstate_table_flows_evicted_total{reason=capacity}": 1,
		"flowstate_table_flows{partition=1}": 7,
		"flowstate_table_flows{partition=5}": 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: want %v, got %v (all: %v)", k, v, got[k], got)
		}
	}
}

func TestRegisterDomain(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	d := stm.New(stm.Options{})
	RegisterDomain(reg, "flowstate", "stm", nil, d)

	o := stm.NewObject(0)
	tx := d.NewTxn()
	for i := 0; i < 3; i++ {
		if err := tx.Run(func(tx *stm.Txn) error { return o.Store(tx, i) }); err != nil {
			t.Fatal(err)
		}
	}
	tx.Begin()
	tx.Abort()

	got := gather(t, reg)
	if got["flowstate_stm_txn_commits_total"] != 3 || got["flowstate_stm_txn_aborts_total"] != 1 {
		t.Fatalf("unexpected counters %v", got)
	}
	if got["flowstate_stm_txn_clock"] != 3 {
		t.Fatalf("clock: want 3, got %v", got["flowstate_stm_txn_clock"])
	}
}
