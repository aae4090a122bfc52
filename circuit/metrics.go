// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	allocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "circuit",
		Name:      "allocations_total",
		Help:      "Number of successful circuit allocations.",
	})

	allocationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "circuit",
		Name:      "allocation_failures_total",
		Help:      "Number of allocations that exhausted the retry bound.",
	})

	handshakeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Subsystem: "circuit",
		Name:      "handshake_retries_total",
		Help:      "Number of retried path construction attempts.",
	})

	liveCircuits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Subsystem: "circuit",
		Name:      "live_circuits",
		Help:      "Number of currently live circuits.",
	})

	warmGuards = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Subsystem: "circuit",
		Name:      "warm_guards",
		Help:      "Number of warm entry guard connections.",
	})
)

func init() {
	prometheus.MustRegister(allocationsTotal)
	prometheus.MustRegister(allocationFailures)
	prometheus.MustRegister(handshakeRetries)
	prometheus.MustRegister(liveCircuits)
	prometheus.MustRegister(warmGuards)
}
