// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package doctor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	adjudications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "doctor",
		Name:      "calls_total",
		Help:      "Adjudicator calls by model tier and status",
	}, []string{"tier", "status"})

	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recovery",
		Subsystem: "doctor",
		Name:      "call_duration_seconds",
		Help:      "Adjudicator call latency by model tier",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"tier"})

	parseStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "doctor",
		Name:      "parse_stage_total",
		Help:      "Parse chain stage that produced the verdict",
	}, []string{"stage"})

	downgrades = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "doctor",
		Name:      "downgrades_total",
		Help:      "execute_fix actions downgraded by the safety gate",
	})

	fallbacksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "doctor",
		Name:      "fallback_records_dropped_total",
		Help:      "Fallback records dropped because the recorder was full or closed",
	})
)
