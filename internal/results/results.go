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

// Package results defines the interface for persisting classification run
// records so finished batches can be inspected after the process exits.
package results

import (
	"context"
	"fmt"
	"time"
)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// RunRecord describes one executed batch.
type RunRecord struct {
	ID string // [mandatory, must be unique] Record ID, assigned by the producer.

	RunID uint64 // The run identifier assigned by the device.

	Network string // The network that ran.

	Worker int // The worker that owned the batch.

	// The half-open image range [BatchStart, BatchEnd) the batch covered.
	BatchStart int
	BatchEnd   int

	Images     int // Number of images classified in the batch.
	Mismatches int // Number of images whose top label missed the expected one.

	Duration time.Duration // Wall time of the batch.

	Status Status
	Error  string // Set when Status is StatusError.
}

func (r *RunRecord) IsValid() error {
	if len(r.ID) == 0 {
		return fmt.Errorf("ID is empty")
	}
	if r.Network == "" {
		return fmt.Errorf("network is empty for ID %s", r.ID)
	}
	if r.BatchEnd < r.BatchStart {
		return fmt.Errorf("batch range [%d, %d) is inverted for ID %s", r.BatchStart, r.BatchEnd, r.ID)
	}
	if r.Status != StatusOK && r.Status != StatusError {
		return fmt.Errorf("status %q is invalid for ID %s", r.Status, r.ID)
	}
	return nil
}

// Summary aggregates all recorded batches. The counters are folded in by
// RecordRun; Workers and Elapsed are known only at the end of a run and
// are set by RecordSummary.
type Summary struct {
	Images     int64
	Mismatches int64
	Batches    int64
	// Failed counts images whose batch errored before producing labels.
	Failed int64

	Workers int
	Elapsed time.Duration
}

// Recorder persists run records.
type Recorder interface {
	// RecordRun stores one batch record and folds it into the summary.
	RecordRun(ctx context.Context, rec *RunRecord) error

	// RecordSummary stores the end-of-run fields of the summary.
	RecordSummary(ctx context.Context, s *Summary) error

	// Run returns a stored record by ID.
	Run(ctx context.Context, id string) (*RunRecord, error)

	// Summary returns the aggregate over all recorded batches.
	Summary(ctx context.Context) (*Summary, error)

	// GetContext returns a derived context with a timeout.
	GetContext(parentCtx context.Context, timeLimit time.Duration) (context.Context, context.CancelFunc)

	// Close closes the recorder.
	Close() error
}
