// Package metrics wires the engine's lifecycle counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric one DB instance reports. Unlike a
// package that registers its collectors against the global default
// registerer, Collector takes an explicit *prometheus.Registry so a
// process that opens more than one DB doesn't collide on metric names
// or have to fall back to relabeling.
type Collector struct {
	Commits     prometheus.Counter
	Rollbacks   prometheus.Counter
	Rebalances  prometheus.Counter
	Spills      prometheus.Counter
	PagesAlloc  prometheus.Counter
	FreePages   prometheus.Gauge
	FileSize    prometheus.Gauge
	CommitDuration prometheus.Histogram
}

// New constructs a Collector and registers every metric on registry.
// path identifies the database this collector reports on (e.g. its file
// path), used as a constant label so multiple Collectors can share one
// registry without colliding.
func New(registry *prometheus.Registry, path string) *Collector {
	labels := prometheus.Labels{"db": path}

	c := &Collector{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "boltkv",
			Name:        "commits_total",
			Help:        "Number of transactions committed.",
			ConstLabels: labels,
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "boltkv",
			Name:        "rollbacks_total",
			Help:        "Number of transactions rolled back.",
			ConstLabels: labels,
		}),
		Rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "boltkv",
			Name:        "rebalances_total",
			Help:        "Number of node merges/redistributions performed across all commits.",
			ConstLabels: labels,
		}),
		Spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "boltkv",
			Name:        "spills_total",
			Help:        "Number of node pages (re)written across all commits.",
			ConstLabels: labels,
		}),
		PagesAlloc: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "boltkv",
			Name:        "pages_allocated_total",
			Help:        "Number of pages allocated across all commits, from the freelist or file growth.",
			ConstLabels: labels,
		}),
		FreePages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "boltkv",
			Name:        "free_pages",
			Help:        "Pages currently tracked as free (not pending).",
			ConstLabels: labels,
		}),
		FileSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "boltkv",
			Name:        "file_size_bytes",
			Help:        "Size of the database file on disk.",
			ConstLabels: labels,
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "boltkv",
			Name:        "commit_write_duration_seconds",
			Help:        "Wall-clock time spent in the write phase of a commit.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.Commits, c.Rollbacks, c.Rebalances, c.Spills,
		c.PagesAlloc, c.FreePages, c.FileSize, c.CommitDuration,
	)
	return c
}
