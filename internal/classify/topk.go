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
	"container/heap"
	"math"
)

// Label pairs a class index with its score.
type Label struct {
	Index int
	Score float32
}

// Softmax maps raw scores to probabilities. The max is subtracted first so
// large logits do not overflow the exponential.
func Softmax(scores []float32) []float32 {
	if len(scores) == 0 {
		return nil
	}
	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}
	out := make([]float32, len(scores))
	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// labelHeap is a min-heap holding the k best labels seen so far. Among equal
// scores the higher index is considered worse, so ties keep the lower index.
type labelHeap []Label

func (h labelHeap) Len() int { return len(h) }
func (h labelHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].Index > h[j].Index
}
func (h labelHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *labelHeap) Push(x any)   { *h = append(*h, x.(Label)) }

func (h *labelHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK returns the k highest-scoring labels in descending score order. Ties
// resolve towards the lower class index.
func TopK(scores []float32, k int) []Label {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	if k > len(scores) {
		k = len(scores)
	}
	h := make(labelHeap, 0, k)
	for i, s := range scores {
		l := Label{Index: i, Score: s}
		if len(h) < k {
			heap.Push(&h, l)
			continue
		}
		worst := h[0]
		if s > worst.Score || (s == worst.Score && i < worst.Index) {
			h[0] = l
			heap.Fix(&h, 0)
		}
	}
	out := make([]Label, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Label)
	}
	return out
}
