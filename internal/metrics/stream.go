// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_mux_lines_total",
		Help: "Total number of lines read from pipeline output streams",
	}, []string{"mode", "stream"})

	LinesTruncated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_mux_lines_truncated_total",
		Help: "Total number of lines cut at the maximum line length",
	}, []string{"mode", "stream"})

	ParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_mux_parse_failures_total",
		Help: "Total number of lines the classifier failed to parse",
	}, []string{"mode"})

	RecordsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_mux_records_total",
		Help: "Total number of records produced by the classifier",
	}, []string{"mode"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_bus_dropped_total",
		Help: "Total number of in-memory bus events dropped by topic and reason",
	}, []string{"topic", "reason"})

	EnrichQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdrd_enrich_dropped_total",
		Help: "Total number of records dropped because the enrichment queue was full",
	})

	EnrichProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_enrich_processed_total",
		Help: "Total number of records processed by the enrichment pool",
	}, []string{"result"})

	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_config_reload_total",
		Help: "Total number of configuration reload attempts by result",
	}, []string{"result"})
)

// IncBusDropReason records a dropped bus event with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
