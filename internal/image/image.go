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

// Package image loads PNG job inputs and preprocesses them into tensors.
// All preprocessing behavior is driven by an explicit, validated Config so
// concurrent workers never share mutable option state.
package image

import (
	"fmt"
	goimage "image"
	"image/png"
	"os"

	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

// NormalizationMode selects the numeric range pixel values are scaled into.
type NormalizationMode string

const (
	Neg1To1     NormalizationMode = "neg1to1"
	ZeroTo1     NormalizationMode = "0to1"
	ZeroTo255   NormalizationMode = "0to255"
	Neg128To127 NormalizationMode = "neg128to127"
)

// ParseNormalizationMode validates a mode string from config or flags.
func ParseNormalizationMode(s string) (NormalizationMode, error) {
	switch m := NormalizationMode(s); m {
	case Neg1To1, ZeroTo1, ZeroTo255, Neg128To127:
		return m, nil
	}
	return "", fmt.Errorf("unknown image normalization mode %q", s)
}

// Range returns the output interval pixels are scaled into. Unvalidated
// modes scale like ZeroTo255.
func (m NormalizationMode) Range() (lo, hi float32) {
	switch m {
	case Neg1To1:
		return -1, 1
	case ZeroTo1:
		return 0, 1
	case Neg128To127:
		return -128, 127
	default:
		return 0, 255
	}
}

// ChannelOrder selects the order color channels are laid out in.
type ChannelOrder string

const (
	RGB ChannelOrder = "RGB"
	BGR ChannelOrder = "BGR"
)

// ParseChannelOrder validates a channel-order string from config or flags.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch o := ChannelOrder(s); o {
	case RGB, BGR:
		return o, nil
	}
	return "", fmt.Errorf("unknown image channel order %q", s)
}

// Layout selects the axis order of preprocessed tensors.
type Layout string

const (
	NCHW Layout = "NCHW"
	NHWC Layout = "NHWC"
)

// ParseLayout validates a layout string from config or flags.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(s); l {
	case NCHW, NHWC:
		return l, nil
	}
	return "", fmt.Errorf("unknown image layout %q", s)
}

// Channels is the number of color channels loaded per image. Grayscale and
// alpha inputs are expanded/flattened to this during decode.
const Channels = 3

// ImageNet normalization constants. The means are fractions of the full
// 8-bit range; stddevs divide raw values whose mean has already been
// subtracted on that range.
var (
	ImagenetNormMean   = [Channels]float32{0.485, 0.456, 0.406}
	ImagenetNormStddev = [Channels]float32{0.229, 0.224, 0.225}
)

// Config drives preprocessing. Build one per invocation, validate it, and
// share it read-only across workers.
type Config struct {
	Norm   NormalizationMode
	Order  ChannelOrder
	Layout Layout

	// Mean and Stddev are per-channel adjustments applied on the raw
	// [0,255] scale before range mapping. Empty slices mean 0 and 1.
	Mean   []float32
	Stddev []float32
}

// NewConfig returns the defaults: 0to1 range, RGB channels, NCHW layout.
func NewConfig() Config {
	return Config{Norm: ZeroTo1, Order: RGB, Layout: NCHW}
}

// WithImagenetNormalization returns a copy of c using the ImageNet mean and
// stddev constants.
func (c Config) WithImagenetNormalization() Config {
	mean := make([]float32, Channels)
	stddev := make([]float32, Channels)
	for i := 0; i < Channels; i++ {
		mean[i] = ImagenetNormMean[i] * 255
		stddev[i] = ImagenetNormStddev[i]
	}
	c.Mean = mean
	c.Stddev = stddev
	return c
}

// Validate checks enum values and per-channel adjustment lengths.
func (c Config) Validate() error {
	if _, err := ParseNormalizationMode(string(c.Norm)); err != nil {
		return err
	}
	if _, err := ParseChannelOrder(string(c.Order)); err != nil {
		return err
	}
	if _, err := ParseLayout(string(c.Layout)); err != nil {
		return err
	}
	if len(c.Mean) != 0 && len(c.Mean) != Channels {
		return fmt.Errorf("image mean needs %d values, got %d", Channels, len(c.Mean))
	}
	if len(c.Stddev) != 0 && len(c.Stddev) != Channels {
		return fmt.Errorf("image stddev needs %d values, got %d", Channels, len(c.Stddev))
	}
	for _, s := range c.Stddev {
		if s == 0 {
			return fmt.Errorf("image stddev values must be non-zero")
		}
	}
	return nil
}

func (c Config) mean(ch int) float32 {
	if len(c.Mean) == 0 {
		return 0
	}
	return c.Mean[ch]
}

func (c Config) stddev(ch int) float32 {
	if len(c.Stddev) == 0 {
		return 1
	}
	return c.Stddev[ch]
}

// ReadPNG decodes the PNG at path into an HWC tensor holding raw [0,255]
// channel values in the configured channel order.
func ReadPNG(path string, order ChannelOrder) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return fromImage(img, order), nil
}

func fromImage(img goimage.Image, order ChannelOrder) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	out := tensor.NewFloat32(h, w, Channels)
	data := out.Floats()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [Channels]float32{float32(r >> 8), float32(g >> 8), float32(bl >> 8)}
			if order == BGR {
				px[0], px[2] = px[2], px[0]
			}
			base := (y*w + x) * Channels
			data[base] = px[0]
			data[base+1] = px[1]
			data[base+2] = px[2]
		}
	}
	return out
}

// Preprocess maps an HWC raw-pixel tensor into the configured layout and
// numeric range: out = ((raw - mean) / stddev) * (hi-lo)/255 + lo.
func Preprocess(raw *tensor.Tensor, cfg Config) (*tensor.Tensor, error) {
	dims := raw.Dims()
	if len(dims) != 3 || dims[2] != Channels {
		return nil, fmt.Errorf("preprocess: want HWC input with %d channels, got %s", Channels, dims)
	}
	h, w := dims[0], dims[1]
	lo, hi := cfg.Norm.Range()
	scale := (hi - lo) / 255

	var out *tensor.Tensor
	if cfg.Layout == NHWC {
		out = tensor.NewFloat32(h, w, Channels)
	} else {
		out = tensor.NewFloat32(Channels, h, w)
	}
	src := raw.Floats()
	dst := out.Floats()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < Channels; ch++ {
				v := src[(y*w+x)*Channels+ch]
				v = (v - cfg.mean(ch)) / cfg.stddev(ch) * scale + lo
				if cfg.Layout == NHWC {
					dst[(y*w+x)*Channels+ch] = v
				} else {
					dst[ch*h*w+y*w+x] = v
				}
			}
		}
	}
	return out, nil
}

// Load reads and preprocesses a single image.
func Load(path string, cfg Config) (*tensor.Tensor, error) {
	raw, err := ReadPNG(path, cfg.Order)
	if err != nil {
		return nil, err
	}
	return Preprocess(raw, cfg)
}

// LoadBatch stacks the preprocessed images into one tensor with a leading
// batch axis. Every image must share a shape.
func LoadBatch(paths []string, cfg Config) (*tensor.Tensor, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("load batch: no images")
	}
	var batch *tensor.Tensor
	for i, path := range paths {
		img, err := Load(path, cfg)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			dims := append(tensor.Dims{len(paths)}, img.Dims()...)
			batch = tensor.NewFloat32(dims...)
		}
		row, err := batch.Slice(i)
		if err != nil {
			return nil, err
		}
		if !row.Dims().Equal(img.Dims()) {
			return nil, fmt.Errorf("load batch: %s has shape %s, want %s", path, img.Dims(), row.Dims())
		}
		copy(row.Floats(), img.Floats())
	}
	return batch, nil
}
