// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"github.com/LeeDigitalWorks/s3fanout/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

// BytesTotal counts range query output received, by fetch mode.
var BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "s3fanout",
	Subsystem: "fetch",
	Name:      "bytes_total",
	Help:      "Bytes of range query output received",
}, []string{"mode"})

func init() {
	debug.Registry().MustRegister(BytesTotal)
}
