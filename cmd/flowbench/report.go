package main

import (
	"fmt"
	"io"
	"time"

	"github.com/IvanBrykalov/flowstate/apps/firewall"
	"github.com/IvanBrykalov/flowstate/driver"
	"github.com/IvanBrykalov/flowstate/stm"
)

type report struct {
	RunID     string               `json:"run_id"`
	Config    config               `json:"config"`
	ElapsedNS int64                `json:"elapsed_ns"`
	Packets   uint64               `json:"packets"`
	PPS       float64              `json:"pps"`
	Dropped   uint64               `json:"dropped"`
	Created   uint64               `json:"created"`
	Rejected  uint64               `json:"rejected"`
	Expired   uint64               `json:"expired"`
	Errors    uint64               `json:"errors"`
	Flows     int                  `json:"flows"`
	Swept     int                  `json:"swept"`
	Commits   uint64               `json:"commits"`
	Aborts    uint64               `json:"aborts"`
	AbortRate float64              `json:"abort_rate"`
	Firewall  firewall.Counters    `json:"firewall"`
	Workers   []driver.WorkerStats `json:"workers"`
}

func newReport(runID string, cfg config, elapsed time.Duration, workers []driver.WorkerStats, tx stm.Stats, flows, swept int) *report {
	r := &report{
		RunID:     runID,
		Config:    cfg,
		ElapsedNS: elapsed.Nanoseconds(),
		Flows:     flows,
		Swept:     swept,
		Commits:   tx.Commits,
		Aborts:    tx.Aborts,
		Workers:   workers,
	}
	for _, w := range workers {
		r.Packets += w.Packets
		r.Dropped += w.Dropped
		r.Created += w.Created
		r.Rejected += w.Rejected
		r.Expired += w.Expired
		r.Errors += w.Errors
	}
	if s := elapsed.Seconds(); s > 0 {
		r.PPS = float64(r.Packets) / s
	}
	if n := r.Commits + r.Aborts; n > 0 {
		r.AbortRate = float64(r.Aborts) / float64(n)
	}
	return r
}

func (r *report) print(w io.Writer) {
	c := r.Config
	fmt.Fprintf(w, "run=%s policy=%s cap=%d partitions=%d flows/part=%d batching=%t dur=%v\n",
		r.RunID, c.Policy, c.Capacity, c.Partitions, c.Flows, c.Batching, time.Duration(r.ElapsedNS))
	fmt.Fprintf(w, "packets=%d (%.0f pps)  dropped=%d  errors=%d\n", r.Packets, r.PPS, r.Dropped, r.Errors)
	fmt.Fprintf(w, "flows=%d  created=%d  rejected=%d  expired=%d  swept=%d\n",
		r.Flows, r.Created, r.Rejected, r.Expired, r.Swept)
	fmt.Fprintf(w, "txn commits=%d  aborts=%d  abort-rate=%.4f%%\n", r.Commits, r.Aborts, r.AbortRate*100)
	for _, s := range r.Workers {
		fmt.Fprintf(w, "  worker %d: packets=%d created=%d expired=%d\n", s.Partition, s.Packets, s.Created, s.Expired)
	}
}
