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

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// labels definition
const (
	// result labels
	ResultOK       = "ok"
	ResultMismatch = "mismatch"

	// status labels
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	// number of images classified so far
	imagesClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "images_classified_total",
			Help: "Total number of images classified",
		}, []string{"result"},
	)

	// number of mini-batches finished, by status
	batchesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batches_processed_total",
			Help: "Total number of mini-batches processed",
		}, []string{"status"},
	)

	// duration of one batch, per worker
	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "batch_duration_seconds",
			Help: "Duration of one classified batch in seconds",
			// Bucket 1: ~ 1ms ... Bucket 16: ~ 32s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"worker"},
	)

	// current number of active workers
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Current number of active classification workers",
		},
	)
)

func init() {
	prometheus.MustRegister(imagesClassified)
	prometheus.MustRegister(batchesProcessed)
	prometheus.MustRegister(batchDuration)
	prometheus.MustRegister(activeWorkers)
}

// Recorder funcs

// RecordImage increments the classified image count.
func RecordImage(result string) {
	imagesClassified.WithLabelValues(result).Inc()
}

// RecordBatch increments the processed batch count and observes the time
// one batch took on the given worker.
func RecordBatch(worker int, status string, duration time.Duration) {
	batchesProcessed.WithLabelValues(status).Inc()
	batchDuration.WithLabelValues(strconv.Itoa(worker)).Observe(duration.Seconds())
}

// IncActiveWorkers increments the gauge for active workers.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the gauge for active workers.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
