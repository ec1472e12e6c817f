// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeDiagnosed = "diagnosed"
	outcomeHalted    = "halted"
	outcomeCancelled = "cancelled"
	outcomeInvalid   = "invalid"
)

var (
	diagnoses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "engine",
		Name:      "diagnoses_total",
		Help:      "HandleFailure calls by outcome",
	}, []string{"outcome"})

	actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "engine",
		Name:      "actions_total",
		Help:      "Returned actions by action kind and decision type",
	}, []string{"action", "decision_type"})

	diagnosisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "recovery",
		Subsystem: "engine",
		Name:      "diagnosis_duration_seconds",
		Help:      "End-to-end diagnosis latency",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recovery",
		Subsystem: "engine",
		Name:      "active_runs",
		Help:      "Runs with live health state",
	})
)
