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

import "fmt"

// Range is a half-open [Start, End) slice of the input list assigned to one
// worker.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// Partition splits n jobs across at most threads workers. Each worker gets
// ceil(n/threads) consecutive jobs, the last range absorbing the remainder.
// When there are fewer jobs than workers the extra workers get no range at
// all.
func Partition(n, threads int) []Range {
	if n <= 0 || threads <= 0 {
		return nil
	}
	if threads > n {
		threads = n
	}
	per := (n + threads - 1) / threads
	ranges := make([]Range, 0, threads)
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// PlanBatches splits n images across workers so every range is a whole
// number of mini-batches. A worker then always feeds its compiled function
// exactly miniBatch images per run. miniBatch == 0 disables mini-batching
// within a range; each worker still gets its own range and runs it whole.
func PlanBatches(n, miniBatch, threads int) ([]Range, error) {
	if n <= 0 {
		return nil, nil
	}
	if miniBatch <= 0 {
		return Partition(n, threads), nil
	}
	if n%miniBatch != 0 {
		return nil, fmt.Errorf("%d images cannot be split into mini-batches of %d", n, miniBatch)
	}
	batches := Partition(n/miniBatch, threads)
	ranges := make([]Range, len(batches))
	for i, b := range batches {
		ranges[i] = Range{Start: b.Start * miniBatch, End: b.End * miniBatch}
	}
	return ranges, nil
}
