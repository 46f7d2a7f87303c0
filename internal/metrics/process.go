// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageStarts counts pipeline stage launches by result.
	StageStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_pipeline_stage_start_total",
		Help: "Total number of pipeline stage launches by result",
	}, []string{"result"})

	// ProcTerminate counts termination signals by signal name and delivery result.
	ProcTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_proc_terminate_total",
		Help: "Total number of termination signals sent to stage process groups",
	}, []string{"signal", "result"})

	// ProcWait counts how stage processes were reaped.
	ProcWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_proc_wait_total",
		Help: "Total number of reaped stage processes by outcome",
	}, []string{"outcome"})

	// ShutdownForcedKills counts stages that needed SIGKILL during shutdown.
	ShutdownForcedKills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdrd_pipeline_forced_kill_total",
		Help: "Total number of pipeline stages that ignored SIGTERM and were killed",
	})
)

// IncProcTerminate records a termination signal delivery.
func IncProcTerminate(signal, result string) {
	ProcTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait records how a stage process exit was collected.
func IncProcWait(outcome string) {
	ProcWait.WithLabelValues(outcome).Inc()
}
