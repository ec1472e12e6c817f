// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recovery",
		Subsystem: "memory",
		Name:      "pending_events",
		Help:      "Insights waiting for a confirmed memory write",
	})

	queueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "memory",
		Name:      "queue_rejected_total",
		Help:      "Insights dropped because the pending queue was full",
	})

	eventsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "memory",
		Name:      "events_flushed_total",
		Help:      "Pending insights confirmed by the memory store",
	})

	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recovery",
		Subsystem: "memory",
		Name:      "flush_failures_total",
		Help:      "Failed pending insight writes",
	})
)
