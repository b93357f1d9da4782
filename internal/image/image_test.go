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

package image

import (
	goimage "image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

// writePNG writes a tiny test image and returns its path.
func writePNG(t *testing.T, name string, pixels [][]color.NRGBA) string {
	t.Helper()
	h := len(pixels)
	w := len(pixels[0])
	img := goimage.NewNRGBA(goimage.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, pixels[y][x])
		}
	}
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	return path
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-4
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseNormalizationMode("0to1"); err != nil {
		t.Errorf("0to1 rejected: %v", err)
	}
	if _, err := ParseNormalizationMode("0to256"); err == nil {
		t.Error("bad mode accepted")
	}
	if _, err := ParseChannelOrder("BGR"); err != nil {
		t.Error("BGR rejected")
	}
	if _, err := ParseChannelOrder("GBR"); err == nil {
		t.Error("bad order accepted")
	}
	if _, err := ParseLayout("NHWC"); err != nil {
		t.Error("NHWC rejected")
	}
	if _, err := ParseLayout("CHWN"); err == nil {
		t.Error("bad layout accepted")
	}
}

func TestNormalizationRanges(t *testing.T) {
	// One white and one black pixel must land exactly on each mode's
	// range endpoints.
	path := writePNG(t, "bw.png", [][]color.NRGBA{
		{{R: 255, G: 255, B: 255, A: 255}, {R: 0, G: 0, B: 0, A: 255}},
	})

	for _, mode := range []NormalizationMode{Neg1To1, ZeroTo1, ZeroTo255, Neg128To127} {
		cfg := NewConfig()
		cfg.Norm = mode
		out, err := Load(path, cfg)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		lo, hi := mode.Range()
		data := out.Floats()
		// NCHW [3,1,2]: channel c of pixel x lives at c*2+x.
		if !approx(data[0], hi) || !approx(data[1], lo) {
			t.Errorf("%s: got white=%v black=%v, want %v and %v", mode, data[0], data[1], hi, lo)
		}
	}
}

func TestChannelOrder(t *testing.T) {
	path := writePNG(t, "rgb.png", [][]color.NRGBA{
		{{R: 10, G: 20, B: 30, A: 255}},
	})

	cfg := NewConfig()
	cfg.Norm = ZeroTo255
	rgb, err := Load(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(rgb.Floats()[0], 10) || !approx(rgb.Floats()[1], 20) || !approx(rgb.Floats()[2], 30) {
		t.Errorf("RGB load = %v", rgb.Floats())
	}

	cfg.Order = BGR
	bgr, err := Load(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(bgr.Floats()[0], 30) || !approx(bgr.Floats()[1], 20) || !approx(bgr.Floats()[2], 10) {
		t.Errorf("BGR load = %v", bgr.Floats())
	}
}

func TestLayouts(t *testing.T) {
	// 1x2 image with distinct channel values per pixel.
	path := writePNG(t, "layout.png", [][]color.NRGBA{
		{{R: 1, G: 2, B: 3, A: 255}, {R: 4, G: 5, B: 6, A: 255}},
	})
	cfg := NewConfig()
	cfg.Norm = ZeroTo255

	nchw, err := Load(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !nchw.Dims().Equal(tensor.Dims{3, 1, 2}) {
		t.Fatalf("NCHW dims = %s", nchw.Dims())
	}
	wantNCHW := []float32{1, 4, 2, 5, 3, 6}
	for i, want := range wantNCHW {
		if !approx(nchw.Floats()[i], want) {
			t.Fatalf("NCHW[%d] = %v, want %v", i, nchw.Floats()[i], want)
		}
	}

	cfg.Layout = NHWC
	nhwc, err := Load(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !nhwc.Dims().Equal(tensor.Dims{1, 2, 3}) {
		t.Fatalf("NHWC dims = %s", nhwc.Dims())
	}
	wantNHWC := []float32{1, 2, 3, 4, 5, 6}
	for i, want := range wantNHWC {
		if !approx(nhwc.Floats()[i], want) {
			t.Fatalf("NHWC[%d] = %v, want %v", i, nhwc.Floats()[i], want)
		}
	}
}

func TestImagenetNormalization(t *testing.T) {
	path := writePNG(t, "net.png", [][]color.NRGBA{
		{{R: 200, G: 200, B: 200, A: 255}},
	})
	cfg := NewConfig().WithImagenetNormalization()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	out, err := Load(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Matches (raw/255 - mean) / stddev for the 0to1 range.
	for ch := 0; ch < Channels; ch++ {
		want := (200.0/255.0 - ImagenetNormMean[ch]) / ImagenetNormStddev[ch]
		if !approx(out.Floats()[ch], want) {
			t.Errorf("channel %d = %v, want %v", ch, out.Floats()[ch], want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := NewConfig()
	cfg.Mean = []float32{1, 2}
	if err := cfg.Validate(); err == nil {
		t.Error("short mean accepted")
	}
	cfg = NewConfig()
	cfg.Stddev = []float32{1, 0, 1}
	if err := cfg.Validate(); err == nil {
		t.Error("zero stddev accepted")
	}
	cfg = NewConfig()
	cfg.Norm = NormalizationMode("huge")
	if err := cfg.Validate(); err == nil {
		t.Error("bad mode accepted")
	}
}

func TestLoadBatch(t *testing.T) {
	px := [][]color.NRGBA{{{R: 9, G: 9, B: 9, A: 255}}}
	a := writePNG(t, "a.png", px)
	b := writePNG(t, "b.png", px)

	cfg := NewConfig()
	batch, err := LoadBatch([]string{a, b}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !batch.Dims().Equal(tensor.Dims{2, 3, 1, 1}) {
		t.Fatalf("batch dims = %s", batch.Dims())
	}

	wide := writePNG(t, "wide.png", [][]color.NRGBA{
		{{A: 255}, {A: 255}},
	})
	if _, err := LoadBatch([]string{a, wide}, cfg); err == nil {
		t.Error("mismatched image shapes accepted")
	}

	if _, err := LoadBatch(nil, cfg); err == nil {
		t.Error("empty batch accepted")
	}

	if _, err := LoadBatch([]string{filepath.Join(t.TempDir(), "missing.png")}, cfg); err == nil {
		t.Error("missing file accepted")
	}
}
