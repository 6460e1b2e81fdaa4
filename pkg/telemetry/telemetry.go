// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry registers the process-internal metrics. Hot-path counters
// are also exported as expvars so that a plain /debug/vars scrape works
// without the prometheus registry.
package telemetry

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the prometheus registry served at /metrics.
var Registry = prometheus.NewRegistry()

// Pipeline counters.
var (
	BusDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "logstream",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Entries dropped by the ingestion bus on overflow.",
	})
	BusOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "logstream",
		Subsystem: "bus",
		Name:      "occupancy",
		Help:      "Entries currently queued on the ingestion bus.",
	})
	EntriesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logstream",
		Name:      "entries_ingested_total",
		Help:      "Entries accepted into the pipeline.",
	}, []string{"source"})
	AlertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logstream",
		Subsystem: "analyzer",
		Name:      "alerts_total",
		Help:      "Alerts emitted by the analyzer.",
	}, []string{"reason"})
	AnalyzerSampled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "logstream",
		Subsystem: "analyzer",
		Name:      "shed_total",
		Help:      "Entries whose pattern/correlation updates were shed under load.",
	})
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "logstream",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Frames dropped because a subscriber queue was full.",
	})
	StoreBatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "logstream",
		Subsystem: "store",
		Name:      "batch_commit_seconds",
		Help:      "Store batch commit latency.",
		Buckets:   prometheus.DefBuckets,
	})
	StoreAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "logstream",
		Subsystem: "store",
		Name:      "append_errors_total",
		Help:      "Failed store batch commits.",
	})
	CollectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "logstream",
		Subsystem: "collector",
		Name:      "errors_total",
		Help:      "Collector poll failures.",
	}, []string{"collector"})
)

// Expvar mirrors of the counters exposed through the stats RPC.
var (
	BusDroppedVar      = expvar.NewInt("bus_dropped")
	FanoutDroppedVar   = expvar.NewInt("fanout_dropped")
	AlertsEmittedVar   = expvar.NewInt("alerts_emitted")
	AnalyzerShedVar    = expvar.NewInt("analyzer_shed")
	EntriesIngestedVar = expvar.NewInt("entries_ingested")
)

func init() {
	Registry.MustRegister(
		BusDropped,
		BusOccupancy,
		EntriesIngested,
		AlertsEmitted,
		AnalyzerSampled,
		FanoutDropped,
		StoreBatchSeconds,
		StoreAppendErrors,
		CollectorErrors,
	)
}
