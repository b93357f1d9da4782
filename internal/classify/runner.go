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

// Package classify drives image classification over a compute backend:
// it partitions the input images across workers, runs mini-batched
// inference on a private device per worker, and aggregates per-image
// results into one output stream.
package classify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/classify/config"
	"github.com/llm-d-incubation/device-runner/internal/classify/metrics"
	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/image"
	"github.com/llm-d-incubation/device-runner/internal/results"
)

// recordTimeout bounds each recorder write so a slow store cannot stall a
// worker between batches.
const recordTimeout = 5 * time.Second

// Runner owns the worker pool for one classification run. Build it with
// NewRunner and call Run once.
type Runner struct {
	cfg *config.ClassifierConfig
	be  backend.Backend
	agg *Aggregator

	// in feeds streaming mode; prompt, when set, receives the banner
	// printed before each read.
	in     io.Reader
	prompt io.Writer

	recorder results.Recorder

	batches atomic.Int64
	failed  atomic.Int64
}

// RunnerOption configures optional Runner collaborators.
type RunnerOption func(*Runner)

// WithRecorder persists a run record per executed batch.
func WithRecorder(rec results.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithStreamInput supplies the line source for streaming mode and an
// optional prompt sink.
func WithStreamInput(in io.Reader, prompt io.Writer) RunnerOption {
	return func(r *Runner) {
		r.in = in
		r.prompt = prompt
	}
}

// NewRunner builds a Runner over be that reports per-image results to out.
func NewRunner(cfg *config.ClassifierConfig, be backend.Backend, out io.Writer, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg: cfg,
		be:  be,
		agg: NewAggregator(out),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// pre-flight check before any worker goroutine starts
func (r *Runner) prepare(ctx context.Context) (*backend.Module, backend.FunctionDef, image.Config, error) {
	logger := klog.FromContext(ctx)

	if r.be == nil || r.agg == nil {
		return nil, backend.FunctionDef{}, image.Config{}, fmt.Errorf("critical clients are missing in Runner")
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, backend.FunctionDef{}, image.Config{}, err
	}
	if r.cfg.Streaming() && r.in == nil {
		return nil, backend.FunctionDef{}, image.Config{}, fmt.Errorf("streaming mode needs an input stream")
	}

	module, err := backend.LoadModule(r.cfg.ModelPath)
	if err != nil {
		return nil, backend.FunctionDef{}, image.Config{}, err
	}
	fn, err := module.Function(r.cfg.Function)
	if err != nil {
		return nil, backend.FunctionDef{}, image.Config{}, err
	}
	if r.cfg.ModelInputName != "" {
		fn.InputName = r.cfg.ModelInputName
	}
	imgCfg, err := r.cfg.ImageConfig()
	if err != nil {
		return nil, backend.FunctionDef{}, image.Config{}, err
	}

	logger.Info("Runner pre-flight check done",
		"module", module.Name,
		"function", fn.Name,
		"backend", r.be.Name(),
		"workers", r.cfg.Workers(),
		"images", len(r.cfg.Images),
	)
	return module, fn, imgCfg, nil
}

// Run classifies the configured images and returns the aggregate summary.
// It blocks until every worker has finished and its device is stopped; the
// returned error is the first worker failure, with mismatches counted in
// the summary rather than treated as errors.
func (r *Runner) Run(ctx context.Context) (results.Summary, error) {
	logger := klog.FromContext(ctx)
	start := time.Now()

	module, fn, imgCfg, err := r.prepare(ctx)
	if err != nil {
		return results.Summary{}, fmt.Errorf("failed to prepare runner: %w", err)
	}

	if r.cfg.Streaming() {
		err = r.classifyStream(ctx, module, fn, imgCfg)
		return r.summarize(ctx, 1, start), err
	}

	plan, err := PlanBatches(len(r.cfg.Images), r.cfg.MiniBatch, r.cfg.Workers())
	if err != nil {
		return results.Summary{}, err
	}
	if len(plan) == 0 {
		logger.Info("Run: nothing to classify")
		return r.summarize(ctx, 0, start), nil
	}
	logger.V(2).Info("Run: partitioned input", "images", len(r.cfg.Images), "ranges", len(plan))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for wi, rng := range plan {
		wg.Add(1)
		go func(id int, rng Range) {
			workerLogger := logger.WithValues("worker", id, "range", rng.String())
			wctx := klog.NewContext(ctx, workerLogger)
			var reported int
			defer func() {
				if rec := recover(); rec != nil {
					workerLogger.Error(fmt.Errorf("%v", rec), "Run: panic recovered in worker")
					setErr(fmt.Errorf("worker %d: panic: %v", id, rec))
				}
				if reported < rng.Len() {
					r.failed.Add(int64(rng.Len() - reported))
				}
				metrics.DecActiveWorkers()
				wg.Done()
			}()

			metrics.IncActiveWorkers()
			if err := r.classifyRange(wctx, id, module, fn, imgCfg, rng, &reported); err != nil {
				workerLogger.Error(err, "Run: worker failed")
				setErr(fmt.Errorf("worker %d: %w", id, err))
			}
		}(wi, rng)
	}
	wg.Wait()

	return r.summarize(ctx, len(plan), start), firstErr
}

// classifyRange runs one worker's half-open image range on a private
// device. The network is compiled on the first mini-batch only, bound to
// the observed input shape; reported tracks how many images produced a
// result line, for failure accounting when the range aborts early.
func (r *Runner) classifyRange(ctx context.Context, workerID int, module *backend.Module, fn backend.FunctionDef, imgCfg image.Config, rng Range, reported *int) error {
	dev := device.New(fmt.Sprintf("worker-%d", workerID), r.be)
	defer dev.Stop(true)

	step := r.cfg.MiniBatch
	if step <= 0 {
		step = rng.Len()
	}

	added := false
	for batchStart := rng.Start; batchStart < rng.End; batchStart += step {
		batchEnd := batchStart + step
		if batchEnd > rng.End {
			batchEnd = rng.End
		}
		paths := r.cfg.Images[batchStart:batchEnd]

		begin := time.Now()
		input, err := image.LoadBatch(paths, imgCfg)
		if err != nil {
			r.finishBatch(ctx, workerID, fn.Name, 0, Range{batchStart, batchEnd}, 0, time.Since(begin), err)
			return err
		}

		if !added {
			bound := fn
			bound.Input = input.Dims().Clone()
			if err := addSync(ctx, dev, module, bound); err != nil {
				r.finishBatch(ctx, workerID, fn.Name, 0, Range{batchStart, batchEnd}, 0, time.Since(begin), err)
				return err
			}
			added = true
		}

		rc := backend.NewRunContext()
		rc.Inputs[fn.InputPlaceholder()] = input
		runID, err := runSync(ctx, dev, fn.Name, rc)
		if err != nil {
			r.finishBatch(ctx, workerID, fn.Name, uint64(runID), Range{batchStart, batchEnd}, 0, time.Since(begin), err)
			return err
		}

		output, ok := rc.Outputs[backend.OutputName]
		if !ok {
			err := fmt.Errorf("run %d produced no %s tensor", runID, backend.OutputName)
			r.finishBatch(ctx, workerID, fn.Name, uint64(runID), Range{batchStart, batchEnd}, 0, time.Since(begin), err)
			return err
		}

		mismatches := 0
		for s := range paths {
			row, err := output.Slice(s)
			if err != nil {
				r.finishBatch(ctx, workerID, fn.Name, uint64(runID), Range{batchStart, batchEnd}, mismatches, time.Since(begin), err)
				return err
			}
			if r.reportImage(workerID, paths[s], row.Floats(), r.expectedFor(batchStart+s)) {
				mismatches++
			}
			*reported++
		}

		r.finishBatch(ctx, workerID, fn.Name, uint64(runID), Range{batchStart, batchEnd}, mismatches, time.Since(begin), nil)
	}
	return nil
}

// classifyStream reads one image path per line until EOF or an empty
// line. Exactly one worker; a failing line is reported and skipped, not
// fatal, so an interactive session survives typos.
func (r *Runner) classifyStream(ctx context.Context, module *backend.Module, fn backend.FunctionDef, imgCfg image.Config) error {
	logger := klog.FromContext(ctx)

	dev := device.New("worker-0", r.be)
	defer dev.Stop(true)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	scanner := bufio.NewScanner(r.in)
	added := false
	line := 0
	for {
		if r.prompt != nil {
			fmt.Fprint(r.prompt, "Enter image filename to classify: ")
		}
		if !scanner.Scan() {
			break
		}
		path := strings.TrimSpace(scanner.Text())
		if path == "" {
			break
		}

		begin := time.Now()
		input, err := image.LoadBatch([]string{path}, imgCfg)
		if err != nil {
			logger.Error(err, "classifyStream: skipping image", "path", path)
			r.failed.Add(1)
			r.finishBatch(ctx, 0, fn.Name, 0, Range{line, line + 1}, 0, time.Since(begin), err)
			line++
			continue
		}

		if !added {
			bound := fn
			bound.Input = input.Dims().Clone()
			if err := addSync(ctx, dev, module, bound); err != nil {
				return err
			}
			added = true
		}

		rc := backend.NewRunContext()
		rc.Inputs[fn.InputPlaceholder()] = input
		runID, err := runSync(ctx, dev, fn.Name, rc)
		if err != nil {
			logger.Error(err, "classifyStream: run failed", "path", path)
			r.failed.Add(1)
			r.finishBatch(ctx, 0, fn.Name, uint64(runID), Range{line, line + 1}, 0, time.Since(begin), err)
			line++
			continue
		}

		output, ok := rc.Outputs[backend.OutputName]
		if !ok {
			return fmt.Errorf("run %d produced no %s tensor", runID, backend.OutputName)
		}
		row, err := output.Slice(0)
		if err != nil {
			return err
		}
		r.reportImage(0, path, row.Floats(), -1)
		r.finishBatch(ctx, 0, fn.Name, uint64(runID), Range{line, line + 1}, 0, time.Since(begin), nil)
		line++
	}
	return scanner.Err()
}

// expectedFor returns the expected label of image i, or -1 when no
// expectation was configured for it.
func (r *Runner) expectedFor(i int) int {
	if i < 0 || i >= len(r.cfg.ExpectedLabels) {
		return -1
	}
	return r.cfg.ExpectedLabels[i]
}

// reportImage scores one image's raw output row and reports it. Returns
// whether the top label missed the expectation.
func (r *Runner) reportImage(workerID int, path string, scores []float32, expected int) bool {
	if r.cfg.ComputeSoftmax {
		scores = Softmax(scores)
	}
	labels := TopK(scores, r.cfg.TopK)
	for i := range labels {
		labels[i].Index += r.cfg.LabelOffset
	}

	mismatch := r.agg.Report(ImageResult{
		Path:     path,
		Worker:   workerID,
		Labels:   labels,
		Expected: expected,
	})
	if mismatch {
		metrics.RecordImage(metrics.ResultMismatch)
	} else {
		metrics.RecordImage(metrics.ResultOK)
	}
	return mismatch
}

// finishBatch folds one executed batch into metrics and, when a recorder
// is configured, persists its run record.
func (r *Runner) finishBatch(ctx context.Context, workerID int, network string, runID uint64, rng Range, mismatches int, elapsed time.Duration, runErr error) {
	r.batches.Add(1)
	status := metrics.StatusOK
	if runErr != nil {
		status = metrics.StatusError
	}
	metrics.RecordBatch(workerID, status, elapsed)

	if r.recorder == nil {
		return
	}
	rec := &results.RunRecord{
		ID:         uuid.NewString(),
		RunID:      runID,
		Network:    network,
		Worker:     workerID,
		BatchStart: rng.Start,
		BatchEnd:   rng.End,
		Images:     rng.Len(),
		Mismatches: mismatches,
		Duration:   elapsed,
		Status:     results.StatusOK,
	}
	if runErr != nil {
		rec.Status = results.StatusError
		rec.Error = runErr.Error()
	}
	rctx, cancel := r.recorder.GetContext(ctx, recordTimeout)
	defer cancel()
	if err := r.recorder.RecordRun(rctx, rec); err != nil {
		klog.FromContext(ctx).Error(err, "finishBatch: failed to record batch", "recordID", rec.ID)
	}
}

// summarize snapshots the aggregate counters and, when a recorder is
// configured, persists the end-of-run summary.
func (r *Runner) summarize(ctx context.Context, workers int, start time.Time) results.Summary {
	images, mismatches := r.agg.Totals()
	s := results.Summary{
		Images:     int64(images),
		Mismatches: int64(mismatches),
		Batches:    r.batches.Load(),
		Failed:     r.failed.Load(),
		Workers:    workers,
		Elapsed:    time.Since(start),
	}
	if r.recorder != nil {
		rctx, cancel := r.recorder.GetContext(ctx, recordTimeout)
		defer cancel()
		if err := r.recorder.RecordSummary(rctx, &s); err != nil {
			klog.FromContext(ctx).Error(err, "summarize: failed to record summary")
		}
	}
	return s
}

// addSync loads one bound function onto dev and blocks until the ready
// callback fires.
func addSync(ctx context.Context, dev *device.Manager, module *backend.Module, fn backend.FunctionDef) error {
	done := make(chan error, 1)
	err := dev.AddNetwork(ctx, module, []backend.FunctionDef{fn}, func(err error) { done <- err })
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runSync schedules one run on dev and blocks until its result callback
// fires. rc carries the outputs afterwards.
func runSync(ctx context.Context, dev *device.Manager, name string, rc *backend.RunContext) (device.RunID, error) {
	done := make(chan error, 1)
	id, err := dev.RunFunction(ctx, name, rc, func(_ device.RunID, err error, _ *backend.RunContext) { done <- err })
	if err != nil {
		return 0, err
	}
	select {
	case err := <-done:
		return id, err
	case <-ctx.Done():
		return id, ctx.Err()
	}
}
