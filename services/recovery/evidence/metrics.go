// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recovery",
		Subsystem: "evidence",
		Name:      "source_duration_seconds",
		Help:      "Deep retrieval latency per source",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"source"})

	sourceEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "evidence",
		Name:      "entries_total",
		Help:      "Evidence entries retrieved per source",
	}, []string{"source"})
)
