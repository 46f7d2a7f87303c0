// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsActive is the number of live device claims.
	ClaimsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdrd_device_claims_active",
		Help: "Number of devices currently claimed by a sensing mode",
	})

	// ClaimAttempts counts claim attempts by mode and result (ok, busy, invalid).
	ClaimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_device_claim_total",
		Help: "Total number of device claim attempts by result",
	}, []string{"mode", "result"})

	// ClaimReleases counts releases that removed a claim versus no-op releases.
	ClaimReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdrd_device_release_total",
		Help: "Total number of device release calls by outcome",
	}, []string{"outcome"})
)

// IncClaim records the result of one claim attempt.
func IncClaim(mode, result string) {
	if mode == "" {
		mode = "unknown"
	}
	ClaimAttempts.WithLabelValues(mode, result).Inc()
}
