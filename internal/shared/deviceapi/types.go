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

// Package deviceapi defines the wire contract of the device server. Both the
// server handlers and the remote backend client are built against these
// types.
package deviceapi

import (
	"fmt"

	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

// TensorPayload carries a float32 tensor over the wire.
type TensorPayload struct {
	// The tensor dimensions, outermost first.
	Dims []int `json:"dims"`

	// The tensor values in row-major order.
	Data []float32 `json:"data"`
}

// PayloadFrom converts a tensor into its wire form. The payload shares the
// tensor's backing storage.
func PayloadFrom(t *tensor.Tensor) TensorPayload {
	return TensorPayload{Dims: t.Dims(), Data: t.Floats()}
}

// ToTensor converts a payload back into a tensor, validating that the data
// length matches the dimensions.
func (p TensorPayload) ToTensor() (*tensor.Tensor, error) {
	dims := tensor.Dims(p.Dims)
	if len(p.Data) != dims.Size() {
		return nil, fmt.Errorf("tensor payload carries %d values for dims %s", len(p.Data), dims)
	}
	return tensor.FromFloats(p.Data, dims...)
}

// FunctionSpec describes one function of a network module.
type FunctionSpec struct {
	Name string `json:"name"`

	// The per-sample input dimensions, without the batch dimension.
	Input []int `json:"input"`

	// The number of output classes.
	Classes int `json:"classes"`

	// The seed used to derive weights when none are shipped.
	Seed uint64 `json:"seed,omitempty"`

	// The name of the input tensor. Defaults to "input".
	InputName string `json:"input_name,omitempty"`

	// Explicit layer weights, shipped as matrix/bias pairs.
	Weights [][]float32 `json:"weights,omitempty"`
}

// AddNetworkRequest loads a module onto the device. Either ModelPath names a
// module definition reachable by the server, or Functions carries the module
// inline.
type AddNetworkRequest struct {
	ModelPath string `json:"model_path,omitempty"`

	// The module name. Defaults to the model file base name.
	ModuleName string `json:"module_name,omitempty"`

	Functions []FunctionSpec `json:"functions,omitempty"`

	// The batch size the functions are compiled for.
	BatchSize int `json:"batch_size"`
}

// NetworkInfo describes one loaded network.
type NetworkInfo struct {
	Name string `json:"name"`

	// The compiled input dimensions, including the batch dimension.
	Input []int `json:"input"`

	// The output dimensions.
	Output []int `json:"output"`
}

// AddNetworkResponse is returned once the module finished loading.
type AddNetworkResponse struct {
	Device   string        `json:"device"`
	Networks []NetworkInfo `json:"networks"`
}

// NetworkListResponse lists the networks currently loaded on the device.
type NetworkListResponse struct {
	// The object type, which is always `list`.
	Object string `json:"object"`

	Data []NetworkInfo `json:"data"`
}

// EvictNetworkResponse acknowledges a scheduled eviction. The eviction has
// not necessarily executed yet when the response is sent.
type EvictNetworkResponse struct {
	Network string `json:"network"`
	Status  string `json:"status"`
}

// RunRequest runs a loaded network on a batch of inputs.
type RunRequest struct {
	Inputs map[string]TensorPayload `json:"inputs"`
}

// RunResponse carries the outputs of a completed run.
type RunResponse struct {
	// The run identifier assigned by the device. Identifiers strictly
	// increase in submission order.
	RunID uint64 `json:"run_id"`

	Network string `json:"network"`

	Outputs map[string]TensorPayload `json:"outputs"`

	// Wall time of the run in milliseconds.
	DurationMS float64 `json:"duration_ms"`
}

// ErrorDetail is the error payload body.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// ErrorResponse is the error envelope returned by the device server.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
