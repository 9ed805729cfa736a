// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"github.com/LeeDigitalWorks/s3fanout/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksProcessedTotal tracks total tasks processed by type and status
	TasksProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "tasks_processed_total",
		Help:      "Total number of tasks processed",
	}, []string{"type", "status"}) // status: "completed", "failed", "dead_letter", "no_handler"

	// TaskProcessingDuration tracks task processing time by type
	TaskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "task_processing_duration_seconds",
		Help:      "Time spent processing tasks",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"type"})

	// TasksEnqueuedTotal tracks total tasks enqueued by type
	TasksEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "tasks_enqueued_total",
		Help:      "Total number of tasks enqueued",
	}, []string{"type"})

	// TaskRetries tracks task retry counts
	TaskRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "task_retries_total",
		Help:      "Total number of task retries",
	}, []string{"type"})

	// TaskPanics tracks handlers that panicked
	TaskPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "task_panics_total",
		Help:      "Total number of recovered handler panics",
	}, []string{"type"})

	// WorkerActive tracks number of tasks currently being handled
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "workers_active",
		Help:      "Number of worker goroutines currently handling a task",
	})

	// DequeueErrors tracks dequeue operation errors
	DequeueErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "dequeue_errors_total",
		Help:      "Total number of dequeue errors",
	})

	// DeadlockRetries tracks database deadlocks retried by the DB queue
	DeadlockRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "deadlock_retries_total",
		Help:      "Total number of database deadlocks retried",
	})

	// BarrierArrivalsTotal tracks group member arrivals by outcome
	BarrierArrivalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "barrier_arrivals_total",
		Help:      "Total number of group member arrivals",
	}, []string{"outcome"}) // outcome: "succeeded", "failed", "error"

	// BarrierFiredTotal tracks groups whose callback was enqueued
	BarrierFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "s3fanout",
		Subsystem: "taskqueue",
		Name:      "barrier_fired_total",
		Help:      "Total number of groups that completed and enqueued their callback",
	})
)

func init() {
	debug.Registry().MustRegister(
		TasksProcessedTotal,
		TaskProcessingDuration,
		TasksEnqueuedTotal,
		TaskRetries,
		TaskPanics,
		WorkerActive,
		DequeueErrors,
		DeadlockRetries,
		BarrierArrivalsTotal,
		BarrierFiredTotal,
	)
}
