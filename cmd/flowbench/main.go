// Command flowbench drives the firewall with synthetic traffic on pinned
// workers and reports throughput, flow table and transaction statistics.
// It optionally exposes pprof and Prometheus endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"

	"github.com/IvanBrykalov/flowstate/apps/firewall"
	"github.com/IvanBrykalov/flowstate/driver"
	"github.com/IvanBrykalov/flowstate/flowtable"
	"github.com/IvanBrykalov/flowstate/internal/logging"
	pmet "github.com/IvanBrykalov/flowstate/metrics/prom"
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/policy/drop"
	"github.com/IvanBrykalov/flowstate/policy/lru"
	"github.com/IvanBrykalov/flowstate/policy/reclaim"
	"github.com/IvanBrykalov/flowstate/stm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowbench:", err)
		os.Exit(1)
	}
}

func run() error {
	// ---- Flags ----
	var cfg config
	pflag.IntVar(&cfg.Capacity, "capacity", 1<<20, "flow table capacity")
	pflag.IntVar(&cfg.Partitions, "partitions", runtime.GOMAXPROCS(0), "worker partitions")
	pflag.DurationVar(&cfg.Validity, "validity", 2*time.Second, "flow validity (0 = never expire)")
	pflag.DurationVar(&cfg.Refresh, "refresh", 100*time.Millisecond, "minimum idle time before a lookup refreshes a flow")
	pflag.StringVar(&cfg.Policy, "policy", "drop", "admission policy when full: drop | lru | reclaim")
	pflag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "benchmark duration")
	pflag.IntVar(&cfg.Flows, "flows", 50_000, "connections per partition")
	pflag.Float64Var(&cfg.ZipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	pflag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf v")
	pflag.Float64Var(&cfg.Replies, "replies", 0.5, "fraction of packets arriving from the WAN")
	pflag.Int64Var(&cfg.Seed, "seed", time.Now().UnixNano(), "random seed")
	pflag.IntVar(&cfg.Burst, "burst", driver.DefaultBurst, "packets per poll")
	pflag.BoolVar(&cfg.Batching, "batching", true, "share transactions between packets of known flows")
	pflag.BoolVar(&cfg.Expire, "expire", true, "expire flows in the worker loop")
	pflag.BoolVar(&cfg.Pin, "pin", false, "pin worker i to CPU i")
	pflag.DurationVar(&cfg.Report, "report", time.Second, "periodic progress log interval (0 = off)")

	pprofAddr := pflag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	metricsAddr := pflag.String("http", "", "serve Prometheus metrics at addr (e.g. :8080); empty = disabled")
	jsonOut := pflag.String("json", "", "write the JSON report to this file (- for stdout)")
	logLevel := pflag.String("log-level", "info", "zap level or logr verbosity")
	logDev := pflag.Bool("log-dev", false, "human-readable logs")
	pflag.Parse()

	log, err := logging.New(*logLevel, *logDev)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	log = log.WithName("flowbench").WithValues("run", runID[:8])

	pol, err := policyByName(cfg.Policy)
	if err != nil {
		return err
	}

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go serve(log, "pprof", *pprofAddr)
	}

	// ---- Prometheus metrics ----
	reg := prometheus.NewRegistry()
	metrics := pmet.New(reg, "flowstate", "firewall", prometheus.Labels{"run": runID[:8]}).WithPartitions(cfg.Partitions)
	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go serve(log, "metrics", *metricsAddr)
	}

	// ---- Build the pipeline ----
	d := stm.New(stm.Options{Logger: log})
	pmet.RegisterDomain(reg, "flowstate", "firewall", prometheus.Labels{"run": runID[:8]}, d)

	fw, err := firewall.New(firewall.Config{WANDevice: wanDevice, Partitions: cfg.Partitions})
	if err != nil {
		return err
	}
	tab, err := flowtable.New(fw.TableOptions(flowtable.Options[firewall.Key, firewall.State]{
		Capacity:         cfg.Capacity,
		Partitions:       cfg.Partitions,
		Validity:         cfg.Validity,
		RefreshThreshold: cfg.Refresh,
		Policy:           pol,
		Metrics:          metrics,
		Logger:           log,
	}))
	if err != nil {
		return err
	}

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	opt := driver.Options{
		Source:   src,
		Burst:    cfg.Burst,
		Batching: cfg.Batching,
		Expire:   cfg.Expire,
		Logger:   log,
	}
	if cfg.Report > 0 {
		opt.Period = cfg.Report
		opt.Periodic = progress(log, fw, tab)
	}
	if cfg.Pin {
		opt.CPUs = make([]int, cfg.Partitions)
		for i := range opt.CPUs {
			opt.CPUs[i] = i % runtime.NumCPU()
		}
	}
	rt, err := driver.New[firewall.Key, firewall.State, firewall.Packet](d, tab, fw, opt)
	if err != nil {
		return err
	}

	// ---- Load generation ----
	log.Info("starting", "partitions", cfg.Partitions, "capacity", cfg.Capacity, "policy", cfg.Policy, "duration", cfg.Duration)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()
	start := time.Now()
	if err := rt.Run(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)

	swept, err := rt.Sweep(context.Background())
	if err != nil {
		return err
	}

	// ---- Report ----
	rep := newReport(runID, cfg, elapsed, rt.Stats(), d.Stats(), tab.Len(), swept)
	if err := d.NewTxn().Run(func(tx *stm.Txn) error {
		var err error
		rep.Firewall, err = fw.Totals(tx)
		return err
	}); err != nil {
		return err
	}
	rep.print(os.Stdout)

	if *jsonOut != "" {
		b, err := sonnet.Marshal(rep)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		b = append(b, '\n')
		if *jsonOut == "-" {
			_, err = os.Stdout.Write(b)
		} else {
			err = os.WriteFile(*jsonOut, b, 0o644)
		}
		if err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

func policyByName(name string) (policy.Policy, error) {
	switch name {
	case "drop":
		return drop.New(), nil
	case "lru":
		return lru.New(), nil
	case "reclaim":
		return reclaim.New(), nil
	default:
		return nil, fmt.Errorf("unknown policy %q (use drop, lru or reclaim)", name)
	}
}

func serve(log logr.Logger, what, addr string) {
	log.Info("serving", "endpoint", what, "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error(err, "server stopped", "endpoint", what)
	}
}

// progress logs the firewall totals every period.
func progress(log logr.Logger, fw *firewall.Firewall, tab *flowtable.Table[firewall.Key, firewall.State]) func(tx *stm.Txn, now int64) error {
	return func(tx *stm.Txn, _ int64) error {
		c, err := fw.Totals(tx)
		if err != nil {
			return err
		}
		tx.OnCommit(func() {
			log.Info("progress",
				"forwarded", c.Forwarded,
				"dropped", c.Dropped,
				"opened", c.Opened,
				"flows", tab.Len())
		})
		return nil
	}
}
