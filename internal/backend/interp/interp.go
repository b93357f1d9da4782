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

// Package interp implements the reference interpreter backend. It compiles a
// function definition into a small dense network whose weights either come
// from the module file or are derived deterministically from the function
// seed, so two processes compiling the same module always agree on every
// output bit.
package interp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

// ErrBusy is returned by Run when a second caller enters a function that is
// already executing. Compiled functions are not safe for concurrent use and
// this error makes a violation visible instead of silently corrupting state.
var ErrBusy = errors.New("interp: function is already running")

// defaultHidden is the width of the hidden layer used when a function does
// not ship explicit weights.
const defaultHidden = 32

// Backend compiles functions for in-process execution.
type Backend struct {
	profiling bool
	compiled  []*Function
}

var _ backend.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithProfiling makes every compiled function record per-layer activation
// ranges while it runs. Profiling state is owned by the running goroutine,
// so callers must keep execution single-threaded while it is enabled.
func WithProfiling() Option {
	return func(b *Backend) { b.profiling = true }
}

// New returns an interpreter backend.
func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "interp" }

// Compile implements backend.Backend. The input dims of fn must already
// carry the batch dimension in front.
func (b *Backend) Compile(ctx context.Context, fn backend.FunctionDef) (backend.CompiledFunction, error) {
	f, err := b.compile(ctx, fn)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *Backend) compile(ctx context.Context, fn backend.FunctionDef) (*Function, error) {
	logger := klog.FromContext(ctx)
	if len(fn.Input) < 2 {
		return nil, fmt.Errorf("compile %s: input dims %s carry no batch dimension", fn.Name, fn.Input)
	}
	if fn.Classes < 1 {
		return nil, fmt.Errorf("compile %s: %d output classes", fn.Name, fn.Classes)
	}
	batch := fn.Input[0]
	features := fn.Input[1:].Size()
	if batch < 1 || features < 1 {
		return nil, fmt.Errorf("compile %s: degenerate input dims %s", fn.Name, fn.Input)
	}

	var layers []layer
	var err error
	if len(fn.Weights) > 0 {
		layers, err = layersFromWeights(fn, features)
	} else {
		layers = seededLayers(fn, features)
	}
	if err != nil {
		return nil, err
	}

	f := &Function{
		name:      fn.Name,
		inputName: fn.InputName,
		input:     fn.Input.Clone(),
		output:    tensor.Dims{batch, fn.Classes},
		batch:     batch,
		features:  features,
		layers:    layers,
	}
	if f.inputName == "" {
		f.inputName = backend.DefaultInputName
	}
	if b.profiling {
		f.stats = make([]layerStats, len(layers))
	}
	b.compiled = append(b.compiled, f)
	logger.V(2).Info("Compile: built function", "function", fn.Name,
		"input", fn.Input.String(), "layers", len(layers), "profiling", b.profiling)
	return f, nil
}

func layersFromWeights(fn backend.FunctionDef, features int) ([]layer, error) {
	if len(fn.Weights)%2 != 0 {
		return nil, fmt.Errorf("compile %s: weights must come in matrix/bias pairs, got %d blobs", fn.Name, len(fn.Weights))
	}
	in := features
	n := len(fn.Weights) / 2
	layers := make([]layer, 0, n)
	for i := 0; i < n; i++ {
		w, bias := fn.Weights[2*i], fn.Weights[2*i+1]
		out := len(bias)
		if out == 0 || len(w) != in*out {
			return nil, fmt.Errorf("compile %s: layer %d expects %dx? matrix with matching bias, got %d weights and %d biases",
				fn.Name, i, in, len(w), len(bias))
		}
		layers = append(layers, layer{in: in, out: out, w: w, b: bias, relu: i < n-1})
		in = out
	}
	if in != fn.Classes {
		return nil, fmt.Errorf("compile %s: final layer emits %d values, want %d classes", fn.Name, in, fn.Classes)
	}
	return layers, nil
}

func seededLayers(fn backend.FunctionDef, features int) []layer {
	state := fn.Seed
	return []layer{
		seededLayer(&state, features, defaultHidden, true),
		seededLayer(&state, defaultHidden, fn.Classes, false),
	}
}

func seededLayer(state *uint64, in, out int, relu bool) layer {
	scale := float32(1 / math.Sqrt(float64(in)))
	l := layer{in: in, out: out, relu: relu,
		w: make([]float32, in*out), b: make([]float32, out)}
	for i := range l.w {
		l.w[i] = (nextFloat(state) - 0.5) * scale
	}
	for i := range l.b {
		l.b[i] = (nextFloat(state) - 0.5) * scale
	}
	return l
}

// splitmix64 step. The generator is stable across platforms so seeded
// functions stay bit-identical everywhere.
func nextUint64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// nextFloat returns a value in [0, 1) with 24 bits of precision.
func nextFloat(state *uint64) float32 {
	return float32(nextUint64(state)>>40) / float32(1<<24)
}

type layer struct {
	in, out int
	w       []float32 // row-major, in*out
	b       []float32
	relu    bool
}

type layerStats struct {
	min, max float32
	seen     bool
}

// Function is a compiled dense network. It is not safe for concurrent Run
// calls and reports ErrBusy when re-entered.
type Function struct {
	name      string
	inputName string
	input     tensor.Dims
	output    tensor.Dims
	batch     int
	features  int
	layers    []layer

	running atomic.Bool
	stats   []layerStats // nil unless profiling
	scratch [2][]float32
}

var _ backend.CompiledFunction = (*Function)(nil)

// Name implements backend.CompiledFunction.
func (f *Function) Name() string { return f.name }

// InputDims implements backend.CompiledFunction.
func (f *Function) InputDims() tensor.Dims { return f.input }

// OutputDims implements backend.CompiledFunction.
func (f *Function) OutputDims() tensor.Dims { return f.output }

// Run implements backend.CompiledFunction.
func (f *Function) Run(ctx context.Context, rc *backend.RunContext) error {
	if !f.running.CompareAndSwap(false, true) {
		return fmt.Errorf("run %s: %w", f.name, ErrBusy)
	}
	defer f.running.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}
	in, ok := rc.Inputs[f.inputName]
	if !ok {
		return fmt.Errorf("run %s: input tensor %q missing", f.name, f.inputName)
	}
	if !in.Dims().Equal(f.input) {
		return fmt.Errorf("run %s: input dims %s, compiled for %s", f.name, in.Dims(), f.input)
	}

	out := tensor.NewFloat32(f.output...)
	src, dst := in.Floats(), out.Floats()
	classes := f.output[1]
	for s := 0; s < f.batch; s++ {
		f.forward(src[s*f.features:(s+1)*f.features], dst[s*classes:(s+1)*classes])
	}
	rc.Outputs[backend.OutputName] = out
	return nil
}

// forward evaluates the layer chain for one sample. dst is the slot in the
// output tensor for that sample. Intermediate layers alternate between two
// scratch buffers so a layer never reads the buffer it writes.
func (f *Function) forward(x, dst []float32) {
	cur := x
	for li := range f.layers {
		l := &f.layers[li]
		var next []float32
		if li == len(f.layers)-1 {
			next = dst[:l.out]
		} else {
			buf := &f.scratch[li%2]
			if cap(*buf) < l.out {
				*buf = make([]float32, l.out)
			}
			next = (*buf)[:l.out]
		}
		for j := 0; j < l.out; j++ {
			acc := l.b[j]
			for i := 0; i < l.in; i++ {
				acc += cur[i] * l.w[i*l.out+j]
			}
			if l.relu && acc < 0 {
				acc = 0
			}
			next[j] = acc
		}
		if f.stats != nil {
			f.observe(li, next)
		}
		cur = next
	}
}

func (f *Function) observe(li int, vals []float32) {
	st := &f.stats[li]
	for _, v := range vals {
		if !st.seen {
			st.min, st.max, st.seen = v, v, true
			continue
		}
		if v < st.min {
			st.min = v
		}
		if v > st.max {
			st.max = v
		}
	}
}

// LayerRange is the observed activation range of one layer.
type LayerRange struct {
	Layer int     `yaml:"layer"`
	Min   float32 `yaml:"min"`
	Max   float32 `yaml:"max"`
}

// FunctionProfile holds the ranges recorded for one compiled function.
type FunctionProfile struct {
	Function string       `yaml:"function"`
	Input    string       `yaml:"input"`
	Ranges   []LayerRange `yaml:"ranges"`
}

// ProfileReport aggregates the activation ranges of every compiled function
// that actually ran. It is only meaningful on a profiling backend after
// execution has stopped.
func (b *Backend) ProfileReport() []FunctionProfile {
	var report []FunctionProfile
	for _, f := range b.compiled {
		if f.stats == nil {
			continue
		}
		p := FunctionProfile{Function: f.name, Input: f.input.String()}
		for li, st := range f.stats {
			if !st.seen {
				continue
			}
			p.Ranges = append(p.Ranges, LayerRange{Layer: li, Min: st.min, Max: st.max})
		}
		if len(p.Ranges) > 0 {
			report = append(report, p)
		}
	}
	return report
}
