// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"github.com/LeeDigitalWorks/s3fanout/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal tracks coordinator runs by how far they got
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "coordinator",
		Name:      "runs_total",
		Help:      "Total number of runs handled by the coordinator",
	}, []string{"result"}) // result: "dispatched", "validation_failed", "probe_failed", "fault", "submit_error"

	// ChunksTotal tracks chunk outcomes by status
	ChunksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "coordinator",
		Name:      "chunks_total",
		Help:      "Total number of chunks processed",
	}, []string{"status"})

	// ChunksPerRun tracks how many ranges each run was split into
	ChunksPerRun = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "s3fanout",
		Subsystem: "coordinator",
		Name:      "chunks_per_run",
		Help:      "Number of chunk tasks dispatched per run",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	// FinalizedTotal tracks finalized runs by outcome
	FinalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "coordinator",
		Name:      "finalized_total",
		Help:      "Total number of runs passed to the finalizer",
	}, []string{"outcome"}) // outcome: "succeeded", "partial", "failed"
)

func init() {
	debug.Registry().MustRegister(
		RunsTotal,
		ChunksTotal,
		ChunksPerRun,
		FinalizedTotal,
	)
}
