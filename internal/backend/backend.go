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

// Package backend defines the contract between the device layer and
// concrete compute backends.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

const (
	// DefaultInputName is the input placeholder used when a function
	// definition does not name one.
	DefaultInputName = "input"
	// OutputName is the placeholder compiled functions write results to.
	OutputName = "output"
)

// FunctionDef describes one runnable function of a module.
type FunctionDef struct {
	// Name uniquely identifies the function; it becomes the network
	// handle once loaded onto a device.
	Name string `json:"name"`
	// Input is the input shape. Model files give the per-sample shape;
	// loaders bind the leading batch dimension before compiling.
	Input tensor.Dims `json:"input"`
	// Classes is the scorer's output width per sample.
	Classes int `json:"classes"`
	// InputName overrides the input placeholder name.
	InputName string `json:"input_name,omitempty"`
	// Seed drives deterministic weight generation when Weights is empty.
	Seed uint64 `json:"seed,omitempty"`
	// Weights optionally pins the full [Classes][InputSize] weight matrix.
	Weights [][]float32 `json:"weights,omitempty"`
}

// InputPlaceholder returns the placeholder name runs must supply input
// under.
func (f FunctionDef) InputPlaceholder() string {
	if f.InputName != "" {
		return f.InputName
	}
	return DefaultInputName
}

// WithBatch returns a copy of f whose input shape is bound to the given
// leading batch dimension.
func (f FunctionDef) WithBatch(batch int) FunctionDef {
	f.Input = append(tensor.Dims{batch}, f.Input...)
	return f
}

// Module is a named container of function definitions, typically loaded
// from a JSON model file.
type Module struct {
	Name      string        `json:"name"`
	Path      string        `json:"-"`
	Functions []FunctionDef `json:"functions"`
}

// LoadModule reads and validates a JSON model file.
func LoadModule(path string) (*Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	var m Module
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	m.Path = path
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if len(m.Functions) == 0 {
		return nil, fmt.Errorf("load model %s: no functions", path)
	}
	for _, fn := range m.Functions {
		if fn.Name == "" {
			return nil, fmt.Errorf("load model %s: unnamed function", path)
		}
		if len(fn.Input) == 0 {
			return nil, fmt.Errorf("load model %s: function %s has no input shape", path, fn.Name)
		}
		if fn.Classes < 1 {
			return nil, fmt.Errorf("load model %s: function %s has %d classes", path, fn.Name, fn.Classes)
		}
	}
	return &m, nil
}

// Function returns the named function definition, or the module's first
// function when name is empty.
func (m *Module) Function(name string) (FunctionDef, error) {
	if name == "" {
		return m.Functions[0], nil
	}
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn, nil
		}
	}
	return FunctionDef{}, fmt.Errorf("module %s has no function %q", m.Name, name)
}

// RunContext carries one inference call's tensors. It is owned by exactly
// one in-flight run: handed to the device on submission and returned
// through the result callback.
type RunContext struct {
	Inputs  map[string]*tensor.Tensor
	Outputs map[string]*tensor.Tensor
}

// NewRunContext returns an empty context ready to receive inputs.
func NewRunContext() *RunContext {
	return &RunContext{
		Inputs:  map[string]*tensor.Tensor{},
		Outputs: map[string]*tensor.Tensor{},
	}
}

// Backend compiles function definitions into runnable instances.
type Backend interface {
	// Name identifies the backend kind, e.g. "interp".
	Name() string
	// Compile builds a runnable instance of fn. fn.Input must already
	// carry the bound batch dimension.
	Compile(ctx context.Context, fn FunctionDef) (CompiledFunction, error)
}

// CompiledFunction is a function bound to a device and an input shape.
type CompiledFunction interface {
	// Name returns the network handle the function loads under.
	Name() string
	// InputDims returns the bound input shape, batch dimension first.
	InputDims() tensor.Dims
	// OutputDims returns the produced output shape, batch dimension first.
	OutputDims() tensor.Dims
	// Run executes the function over rc's inputs and fills rc's outputs.
	// Implementations are not safe for concurrent Run calls on one
	// instance; callers serialize access (see the device package).
	Run(ctx context.Context, rc *RunContext) error
}
