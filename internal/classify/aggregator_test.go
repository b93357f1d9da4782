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
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestAggregatorReport(t *testing.T) {
	t.Run("Match", func(t *testing.T) {
		var buf bytes.Buffer
		agg := NewAggregator(&buf)
		mismatch := agg.Report(ImageResult{
			Path:     "cat.png",
			Labels:   []Label{{281, 0.92}, {285, 0.05}},
			Expected: 281,
		})
		if mismatch {
			t.Fatal("matching top label reported as mismatch")
		}
		want := " File: cat.png Label-K1: 281 (probability: 0.9200) Label-K2: 285 (probability: 0.0500)\n"
		if buf.String() != want {
			t.Fatalf("line = %q, want %q", buf.String(), want)
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		var buf bytes.Buffer
		agg := NewAggregator(&buf)
		mismatch := agg.Report(ImageResult{
			Path:     "dog.png",
			Labels:   []Label{{281, 0.92}},
			Expected: 207,
		})
		if !mismatch {
			t.Fatal("wrong top label not reported as mismatch")
		}
		if !strings.HasSuffix(strings.TrimRight(buf.String(), "\n"), "(expected: 207)") {
			t.Fatalf("mismatch line %q misses the expected suffix", buf.String())
		}
	})

	t.Run("NoExpectation", func(t *testing.T) {
		var buf bytes.Buffer
		agg := NewAggregator(&buf)
		if agg.Report(ImageResult{Path: "x.png", Labels: []Label{{3, 1}}, Expected: -1}) {
			t.Fatal("result without expectation reported as mismatch")
		}
		if strings.Contains(buf.String(), "expected") {
			t.Fatalf("line %q mentions an expectation", buf.String())
		}
	})

	t.Run("NoLabelsMismatches", func(t *testing.T) {
		var buf bytes.Buffer
		agg := NewAggregator(&buf)
		if !agg.Report(ImageResult{Path: "x.png", Expected: 4}) {
			t.Fatal("empty label list with an expectation must mismatch")
		}
	})
}

func TestAggregatorTotals(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(&buf)
	for i := 0; i < 5; i++ {
		expected := 0
		if i%2 == 1 {
			expected = 99
		}
		agg.Report(ImageResult{
			Path:     fmt.Sprintf("img-%d.png", i),
			Labels:   []Label{{0, 1}},
			Expected: expected,
		})
	}
	images, mismatches := agg.Totals()
	if images != 5 || mismatches != 2 {
		t.Fatalf("Totals() = %d, %d, want 5, 2", images, mismatches)
	}
}

// Concurrent reports must never interleave mid-line and the totals must
// equal the sum over all workers.
func TestAggregatorConcurrentReports(t *testing.T) {
	const workers = 8
	const perWorker = 50

	var buf bytes.Buffer
	agg := NewAggregator(&buf)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				agg.Report(ImageResult{
					Path:     fmt.Sprintf("w%d-i%d.png", w, i),
					Worker:   w,
					Labels:   []Label{{i, float32(i)}},
					Expected: -1,
				})
			}
		}(w)
	}
	wg.Wait()

	images, mismatches := agg.Totals()
	if images != workers*perWorker || mismatches != 0 {
		t.Fatalf("Totals() = %d, %d, want %d, 0", images, mismatches, workers*perWorker)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != workers*perWorker {
		t.Fatalf("got %d lines, want %d", len(lines), workers*perWorker)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, " File: w") || !strings.Contains(line, "Label-K1:") {
			t.Fatalf("interleaved or malformed line %q", line)
		}
	}
}
