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

// Package tensor provides the value type passed between the image pipeline
// and compute backends: a shape plus flat float32 storage.
package tensor

import (
	"fmt"
	"strings"
)

// ElemKind identifies the element type stored in a Tensor.
type ElemKind uint8

const (
	// Float32Ty is 32-bit floating point, the only kind backends accept.
	Float32Ty ElemKind = iota
)

func (k ElemKind) String() string {
	if k == Float32Ty {
		return "float32"
	}
	return fmt.Sprintf("ElemKind(%d)", uint8(k))
}

// Dims describes a tensor shape, outermost axis first.
type Dims []int

// Size returns the number of elements a shape holds. An empty shape holds
// none.
func (d Dims) Size() int {
	if len(d) == 0 {
		return 0
	}
	n := 1
	for _, v := range d {
		n *= v
	}
	return n
}

// Equal reports whether two shapes match axis for axis.
func (d Dims) Equal(other Dims) bool {
	if len(d) != len(other) {
		return false
	}
	for i := range d {
		if d[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the shape.
func (d Dims) Clone() Dims {
	return append(Dims(nil), d...)
}

func (d Dims) String() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

// Tensor is a dense n-dimensional array. Use NewFloat32 or FromFloats; the
// zero value is empty.
type Tensor struct {
	kind ElemKind
	dims Dims
	data []float32
}

// NewFloat32 allocates a zeroed float32 tensor of the given shape.
func NewFloat32(dims ...int) *Tensor {
	d := Dims(dims).Clone()
	return &Tensor{kind: Float32Ty, dims: d, data: make([]float32, d.Size())}
}

// FromFloats wraps data in a tensor of the given shape without copying.
// len(data) must equal the shape's size.
func FromFloats(data []float32, dims ...int) (*Tensor, error) {
	d := Dims(dims).Clone()
	if len(data) != d.Size() {
		return nil, fmt.Errorf("tensor: %d elements do not fit shape %s", len(data), d)
	}
	return &Tensor{kind: Float32Ty, dims: d, data: data}, nil
}

// Kind returns the element type.
func (t *Tensor) Kind() ElemKind { return t.kind }

// Dims returns the shape. Callers must not mutate it.
func (t *Tensor) Dims() Dims { return t.dims }

// Floats exposes the backing storage in row-major order.
func (t *Tensor) Floats() []float32 { return t.data }

// Slice returns a view of row i along the outermost axis, sharing storage
// with t. The tensor must have at least two axes.
func (t *Tensor) Slice(i int) (*Tensor, error) {
	if len(t.dims) < 2 {
		return nil, fmt.Errorf("tensor: cannot slice shape %s", t.dims)
	}
	if i < 0 || i >= t.dims[0] {
		return nil, fmt.Errorf("tensor: index %d out of range [0, %d)", i, t.dims[0])
	}
	rest := t.dims[1:].Clone()
	n := rest.Size()
	return &Tensor{kind: t.kind, dims: rest, data: t.data[i*n : (i+1)*n]}, nil
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{kind: t.kind, dims: t.dims.Clone(), data: data}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%s", t.kind, t.dims)
}
