// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package barrier

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	barrierLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tistream",
			Subsystem: "meta",
			Name:      "barrier_latency",
			Help:      "duration from barrier injection to its durable commit in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		})
	barrierSendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tistream",
			Subsystem: "meta",
			Name:      "barrier_send_latency",
			Help:      "duration of injecting one barrier into all workers in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		})
	barrierWaitCommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tistream",
			Subsystem: "meta",
			Name:      "barrier_wait_commit_latency",
			Help:      "duration from barrier collection to its durable commit in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		})
	inFlightBarrierNumsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tistream",
			Subsystem: "meta",
			Name:      "in_flight_barrier_nums",
			Help:      "number of barriers injected but not yet fully collected",
		})
	allBarrierNumsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tistream",
			Subsystem: "meta",
			Name:      "all_barrier_nums",
			Help:      "number of barriers injected but not yet committed",
		})
)

// InitMetrics registers the barrier manager metrics with the registry.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(barrierLatency)
	registry.MustRegister(barrierSendLatency)
	registry.MustRegister(barrierWaitCommitLatency)
	registry.MustRegister(inFlightBarrierNumsGauge)
	registry.MustRegister(allBarrierNumsGauge)
}
