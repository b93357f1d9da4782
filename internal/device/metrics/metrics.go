/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics provides Prometheus metrics for device queues.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_runs_total",
			Help: "Total number of function runs executed by device queues",
		},
		[]string{"device", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "device_run_duration_seconds",
			Help:    "Duration of one function run on the device queue",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
		[]string{"device"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "device_queue_depth",
			Help: "Number of tasks waiting on a device queue",
		},
		[]string{"device"},
	)

	activeNetworks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "device_networks_active",
			Help: "Number of networks currently loaded on a device",
		},
		[]string{"device"},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_evictions_total",
			Help: "Total number of network evictions processed",
		},
		[]string{"device", "status"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(activeNetworks)
	prometheus.MustRegister(evictionsTotal)
}

// RecordRun records one completed run and its duration.
func RecordRun(device, status string, duration time.Duration) {
	runsTotal.WithLabelValues(device, status).Inc()
	runDuration.WithLabelValues(device).Observe(duration.Seconds())
}

// IncQueueDepth increments the queued-task gauge for a device.
func IncQueueDepth(device string) {
	queueDepth.WithLabelValues(device).Inc()
}

// DecQueueDepth decrements the queued-task gauge for a device.
func DecQueueDepth(device string) {
	queueDepth.WithLabelValues(device).Dec()
}

// SetActiveNetworks records how many networks a device has loaded.
func SetActiveNetworks(device string, n int) {
	activeNetworks.WithLabelValues(device).Set(float64(n))
}

// RecordEviction counts one processed eviction.
func RecordEviction(device, status string) {
	evictionsTotal.WithLabelValues(device, status).Inc()
}
