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

package interp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

func seededDef(batch int) backend.FunctionDef {
	return backend.FunctionDef{
		Name:    "main",
		Input:   tensor.Dims{2, 3}, // per sample
		Classes: 4,
		Seed:    42,
	}.WithBatch(batch)
}

func mustTensor(t *testing.T, data []float32, dims ...int) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.FromFloats(data, dims...)
	if err != nil {
		t.Fatalf("FromFloats: %v", err)
	}
	return tn
}

func runOnce(t *testing.T, fn backend.CompiledFunction, in *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	rc := backend.NewRunContext()
	rc.Inputs[backend.DefaultInputName] = in
	if err := fn.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out := rc.Outputs[backend.OutputName]
	if out == nil {
		t.Fatal("no output tensor produced")
	}
	return out
}

func TestCompileValidation(t *testing.T) {
	be := New()
	cases := []struct {
		name string
		def  backend.FunctionDef
	}{
		{"no batch dim", backend.FunctionDef{Name: "f", Input: tensor.Dims{6}, Classes: 2}},
		{"no classes", seededDefMut(func(d *backend.FunctionDef) { d.Classes = 0 })},
		{"zero batch", backend.FunctionDef{Name: "f", Input: tensor.Dims{0, 6}, Classes: 2}},
		{"odd weight blobs", seededDefMut(func(d *backend.FunctionDef) {
			d.Weights = [][]float32{make([]float32, 6)}
		})},
		{"bias mismatch", seededDefMut(func(d *backend.FunctionDef) {
			d.Weights = [][]float32{make([]float32, 6*3), make([]float32, 2)}
		})},
		{"wrong class count", seededDefMut(func(d *backend.FunctionDef) {
			d.Weights = [][]float32{make([]float32, 6*3), make([]float32, 3)}
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := be.Compile(context.Background(), tc.def); err == nil {
				t.Fatalf("Compile accepted %+v", tc.def)
			}
		})
	}
}

func seededDefMut(mut func(*backend.FunctionDef)) backend.FunctionDef {
	d := seededDef(1)
	mut(&d)
	return d
}

func TestSeededRunsAreDeterministic(t *testing.T) {
	in := mustTensor(t, []float32{1, 2, 3, 4, 5, 6, 0.5, -1, 2, -0.25, 3, 1}, 2, 2, 3)

	outs := make([][]float32, 2)
	for i := range outs {
		fn, err := New().Compile(context.Background(), seededDef(2))
		if err != nil {
			t.Fatal(err)
		}
		outs[i] = runOnce(t, fn, in.Clone()).Floats()
	}
	if len(outs[0]) != 2*4 {
		t.Fatalf("output has %d values, want 8", len(outs[0]))
	}
	for i := range outs[0] {
		if outs[0][i] != outs[1][i] {
			t.Fatalf("output %d differs across compilations: %v vs %v", i, outs[0][i], outs[1][i])
		}
	}

	// A different seed must change the result.
	def := seededDef(2)
	def.Seed = 43
	fn, err := New().Compile(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}
	other := runOnce(t, fn, in.Clone()).Floats()
	same := true
	for i := range other {
		if other[i] != outs[0][i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("seed change did not move any output")
	}
}

func TestExplicitWeights(t *testing.T) {
	// One dense layer, 2 features -> 2 classes: y = W^T x + b.
	def := backend.FunctionDef{
		Name:    "linear",
		Input:   tensor.Dims{2},
		Classes: 2,
		Weights: [][]float32{
			{1, 0, 0, 1}, // identity, row-major [in x out]
			{10, 20},
		},
	}.WithBatch(1)

	fn, err := New().Compile(context.Background(), def)
	if err != nil {
		t.Fatal(err)
	}
	out := runOnce(t, fn, mustTensor(t, []float32{3, 4}, 1, 2)).Floats()
	if out[0] != 13 || out[1] != 24 {
		t.Fatalf("output = %v, want [13 24]", out)
	}
	if got := fn.OutputDims(); !got.Equal(tensor.Dims{1, 2}) {
		t.Fatalf("output dims = %s", got)
	}
}

func TestRunValidation(t *testing.T) {
	fn, err := New().Compile(context.Background(), seededDef(1))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("missing input", func(t *testing.T) {
		rc := backend.NewRunContext()
		if err := fn.Run(context.Background(), rc); err == nil {
			t.Fatal("run without input accepted")
		}
	})
	t.Run("wrong dims", func(t *testing.T) {
		rc := backend.NewRunContext()
		rc.Inputs[backend.DefaultInputName] = tensor.NewFloat32(1, 7)
		if err := fn.Run(context.Background(), rc); err == nil {
			t.Fatal("run with wrong dims accepted")
		}
	})
	t.Run("busy function", func(t *testing.T) {
		f := fn.(*Function)
		f.running.Store(true)
		defer f.running.Store(false)
		rc := backend.NewRunContext()
		rc.Inputs[backend.DefaultInputName] = tensor.NewFloat32(1, 2, 3)
		if err := f.Run(context.Background(), rc); !errors.Is(err, ErrBusy) {
			t.Fatalf("re-entered run = %v, want ErrBusy", err)
		}
	})
}

func TestProfileReport(t *testing.T) {
	be := New(WithProfiling())
	fn, err := be.Compile(context.Background(), seededDef(2))
	if err != nil {
		t.Fatal(err)
	}

	if got := be.ProfileReport(); len(got) != 0 {
		t.Fatalf("report before any run = %+v", got)
	}

	in := mustTensor(t, []float32{1, -2, 3, -4, 5, -6, 0, 1, 0, 1, 0, 1}, 2, 2, 3)
	runOnce(t, fn, in)

	report := be.ProfileReport()
	if len(report) != 1 {
		t.Fatalf("report has %d functions, want 1", len(report))
	}
	p := report[0]
	if p.Function != "main" || p.Input != "[2x2x3]" {
		t.Fatalf("profile header = %+v", p)
	}
	if len(p.Ranges) != 2 {
		t.Fatalf("profile covers %d layers, want 2", len(p.Ranges))
	}
	for _, r := range p.Ranges {
		if r.Min > r.Max {
			t.Errorf("layer %d range inverted: %v > %v", r.Layer, r.Min, r.Max)
		}
	}
	// The hidden layer is relu-clamped.
	if p.Ranges[0].Min < 0 {
		t.Errorf("relu layer min = %v, want >= 0", p.Ranges[0].Min)
	}
}

func TestEmitBundle(t *testing.T) {
	be := New()
	bundle, err := be.EmitBundle(context.Background(), seededDef(1))
	if err != nil {
		t.Fatal(err)
	}

	var manifest BundleManifest
	if err := json.Unmarshal(bundle.Manifest, &manifest); err != nil {
		t.Fatalf("manifest does not parse: %v", err)
	}
	if manifest.Function != "main" || manifest.Classes != 4 || manifest.Seed != 42 {
		t.Fatalf("manifest = %+v", manifest)
	}
	if len(manifest.Layers) != 2 {
		t.Fatalf("manifest lists %d layers, want 2", len(manifest.Layers))
	}

	// 6 features -> 32 hidden -> 4 classes, each layer matrix plus bias.
	params := 6*32 + 32 + 32*4 + 4
	if len(bundle.Weights) != params*4 {
		t.Fatalf("weight blob is %d bytes, want %d", len(bundle.Weights), params*4)
	}
	if manifest.Layers[1].Offset != (6*32+32)*4 {
		t.Fatalf("second layer offset = %d", manifest.Layers[1].Offset)
	}

	// Weights in the blob match a fresh compilation of the same seed.
	fn, err := New().Compile(context.Background(), seededDef(1))
	if err != nil {
		t.Fatal(err)
	}
	first := fn.(*Function).layers[0].w[0]
	got := math.Float32frombits(binary.LittleEndian.Uint32(bundle.Weights[:4]))
	if got != first {
		t.Fatalf("blob weight %v, compiled weight %v", got, first)
	}
}
