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

package classify

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ImageResult is the classification outcome of one image.
type ImageResult struct {
	Path   string
	Worker int

	// The top-K labels, best first, with any label offset already applied.
	Labels []Label

	// The expected class index, or -1 when no expectation exists.
	Expected int
}

// Mismatch reports whether the result misses its expectation. Results
// without an expectation never mismatch.
func (r *ImageResult) Mismatch() bool {
	if r.Expected < 0 {
		return false
	}
	return len(r.Labels) == 0 || r.Labels[0].Index != r.Expected
}

// Aggregator collects per-image results from all workers. Workers report
// concurrently; the aggregator serializes output so lines from different
// workers never interleave, and keeps the shared counters.
type Aggregator struct {
	mu         sync.Mutex
	w          io.Writer
	images     int
	mismatches int
}

// NewAggregator writes per-image result lines to w.
func NewAggregator(w io.Writer) *Aggregator {
	return &Aggregator{w: w}
}

// Report records one image result and writes its result line. It returns
// whether the result mismatched its expectation. The line is rendered
// before taking the lock; only the counter update and the write are
// serialized.
func (a *Aggregator) Report(res ImageResult) bool {
	mismatch := res.Mismatch()

	var sb strings.Builder
	fmt.Fprintf(&sb, " File: %s", res.Path)
	for i, l := range res.Labels {
		fmt.Fprintf(&sb, " Label-K%d: %d (probability: %0.4f)", i+1, l.Index, l.Score)
	}
	if mismatch {
		fmt.Fprintf(&sb, " (expected: %d)", res.Expected)
	}
	sb.WriteByte('\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	a.images++
	if mismatch {
		a.mismatches++
	}
	_, _ = io.WriteString(a.w, sb.String())
	return mismatch
}

// Totals returns the number of images reported and how many mismatched.
func (a *Aggregator) Totals() (images, mismatches int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.images, a.mismatches
}
