// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_session_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"mode", "from", "to"})

	SessionEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_session_end_total",
		Help: "Total number of ended sessions by reason",
	}, []string{"mode", "reason"})

	SessionStartFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_session_start_failures_total",
		Help: "Total number of rejected or failed session starts by kind",
	}, []string{"mode", "kind"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_session_escalations_total",
		Help: "Total number of one-shot auto-escalations",
	}, []string{"mode"})

	SessionsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sdrd_sessions_running",
		Help: "Whether a session is currently running for the mode (0/1)",
	}, []string{"mode"})
)
