// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"time"

	"github.com/LeeDigitalWorks/s3fanout/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal tracks store requests by operation and status
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "objectstore",
		Name:      "requests_total",
		Help:      "Total number of object store requests",
	}, []string{"op", "status"}) // status: "ok", "error"

	// RequestDuration tracks store request latency including streaming time
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "s3fanout",
		Subsystem: "objectstore",
		Name:      "request_duration_seconds",
		Help:      "Time spent on object store requests",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	debug.Registry().MustRegister(
		RequestsTotal,
		RequestDuration,
	)
}

func observeRequest(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	RequestsTotal.WithLabelValues(op, status).Inc()
	RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
