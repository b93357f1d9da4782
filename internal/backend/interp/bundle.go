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
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/llm-d-incubation/device-runner/internal/backend"
)

// BundleLayer describes one layer inside a weight blob. Offset is the byte
// position of the layer's matrix in the blob; the bias vector follows the
// matrix directly.
type BundleLayer struct {
	In     int  `json:"in"`
	Out    int  `json:"out"`
	Relu   bool `json:"relu"`
	Offset int  `json:"offset"`
}

// BundleManifest is the JSON description emitted next to a weight blob.
type BundleManifest struct {
	Function string        `json:"function"`
	Input    []int         `json:"input"`
	Classes  int           `json:"classes"`
	Seed     uint64        `json:"seed,omitempty"`
	Layers   []BundleLayer `json:"layers"`
}

// Bundle is the portable form of a compiled function: a manifest and a
// little-endian float32 weight blob.
type Bundle struct {
	Manifest []byte
	Weights  []byte
}

// EmitBundle compiles def and serializes the result. The caller decides
// where the two blobs are stored.
func (b *Backend) EmitBundle(ctx context.Context, def backend.FunctionDef) (*Bundle, error) {
	f, err := b.compile(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("emit bundle: %w", err)
	}

	manifest := BundleManifest{
		Function: f.name,
		Input:    f.input,
		Classes:  f.output[1],
		Seed:     def.Seed,
	}
	var blob bytes.Buffer
	for _, l := range f.layers {
		manifest.Layers = append(manifest.Layers, BundleLayer{
			In: l.in, Out: l.out, Relu: l.relu, Offset: blob.Len(),
		})
		if err := binary.Write(&blob, binary.LittleEndian, l.w); err != nil {
			return nil, fmt.Errorf("emit bundle: %w", err)
		}
		if err := binary.Write(&blob, binary.LittleEndian, l.b); err != nil {
			return nil, fmt.Errorf("emit bundle: %w", err)
		}
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("emit bundle: %w", err)
	}
	return &Bundle{Manifest: raw, Weights: blob.Bytes()}, nil
}
