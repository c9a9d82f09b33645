// Package metrics holds the prometheus collectors of myidb.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for outcome-partitioned collectors.
const (
	Fail = "fail"
	Ok   = "ok"
)

// Collectors for the store gateway.
var (
	OpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myidb_opens_total",
		Help: "Cumulative number of store open requests, by outcome.",
	}, []string{"outcome"})
	UpgradeStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myidb_upgrade_steps_total",
		Help: "Cumulative number of schema reconciliation steps applied during upgrades, by kind and outcome.",
	}, []string{"kind", "outcome"})
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myidb_writes_total",
		Help: "Cumulative number of row writes forwarded to the store, by outcome.",
	}, []string{"outcome"})
	EngineErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myidb_engine_errors_total",
		Help: "Cumulative number of asynchronous errors reported by the storage engine.",
	})
)

// Collectors for the cache mirror.
var (
	FillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myidb_cache_fills_total",
		Help: "Cumulative number of completed cache fills.",
	})
	FillDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "myidb_cache_fill_duration_seconds",
		Help:    "Duration of full cache fills.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	RowsLoadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myidb_cache_rows_loaded_total",
		Help: "Cumulative number of rows loaded into the cache by fills.",
	})
	ReadyPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myidb_cache_ready_polls_total",
		Help: "Cumulative number of readiness poll ticks that found the store not ready.",
	})
	LineMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myidb_cache_line_misses_total",
		Help: "Cumulative number of line lookups or replacements that matched no row, by operation.",
	}, []string{"op"})
)
