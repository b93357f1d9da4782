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

// The classifier driver's configuration definitions.

package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llm-d-incubation/device-runner/internal/image"
)

// Backend kinds accepted by the driver.
const (
	BackendInterp = "interp"
	BackendRemote = "remote"
)

// StreamingSentinel is the single image argument that switches the driver
// into streaming mode, reading one filename per line from stdin.
const StreamingSentinel = "-"

type ClassifierConfig struct {
	// ModelPath locates the JSON model file. s3:// URIs are localized
	// before loading.
	ModelPath string `json:"model_path" yaml:"model_path" mapstructure:"model_path"`
	// Function selects one function of the model; empty means the first.
	Function string `json:"function" yaml:"function" mapstructure:"function"`
	// ModelInputName overrides the input placeholder name of the selected
	// function.
	ModelInputName string `json:"model_input_name" yaml:"model_input_name" mapstructure:"model_input_name"`
	Backend  string `json:"backend" yaml:"backend" mapstructure:"backend"`
	// DeviceURL is the device server base URL for the remote backend.
	DeviceURL string `json:"device_url" yaml:"device_url" mapstructure:"device_url"`

	// Images are the PNG files to classify, in input order. The single
	// entry "-" selects streaming mode.
	Images        []string `json:"images" yaml:"images" mapstructure:"images"`
	ImageListFile string   `json:"image_list_file" yaml:"image_list_file" mapstructure:"image_list_file"`

	// MiniBatch is the images per inference call; 0 runs each worker's
	// whole range as one batch. Threads is the worker count for
	// mini-batch partitioning.
	MiniBatch int `json:"minibatch" yaml:"minibatch" mapstructure:"minibatch"`
	Threads   int `json:"minibatch_threads" yaml:"minibatch_threads" mapstructure:"minibatch_threads"`

	TopK           int  `json:"topk" yaml:"topk" mapstructure:"topk"`
	ComputeSoftmax bool `json:"compute_softmax" yaml:"compute_softmax" mapstructure:"compute_softmax"`
	// LabelOffset shifts reported label indices, for models whose class 0
	// is a background class.
	LabelOffset int `json:"label_offset" yaml:"label_offset" mapstructure:"label_offset"`

	// ExpectedLabels holds one label per image for mismatch counting.
	ExpectedLabels     []int  `json:"expected_labels" yaml:"expected_labels" mapstructure:"expected_labels"`
	ExpectedLabelsFile string `json:"expected_labels_file" yaml:"expected_labels_file" mapstructure:"expected_labels_file"`

	ImageNorm    string `json:"image_norm" yaml:"image_norm" mapstructure:"image_norm"`
	ImageOrder   string `json:"image_order" yaml:"image_order" mapstructure:"image_order"`
	ImageLayout  string `json:"image_layout" yaml:"image_layout" mapstructure:"image_layout"`
	ImagenetNorm bool   `json:"imagenet_normalization" yaml:"imagenet_normalization" mapstructure:"imagenet_normalization"`

	// ProfilePath dumps a quantization profile after the run. BundleDir
	// emits the compiled weights bundle. Both force a single worker.
	ProfilePath string `json:"profile_path" yaml:"profile_path" mapstructure:"profile_path"`
	BundleDir   string `json:"bundle_dir" yaml:"bundle_dir" mapstructure:"bundle_dir"`

	// MetricsAddress enables the observability endpoint when non-empty.
	MetricsAddress  string        `json:"metrics_address" yaml:"metrics_address" mapstructure:"metrics_address"`
	ResultsRedisURL string        `json:"results_redis_url" yaml:"results_redis_url" mapstructure:"results_redis_url"`
	ResultsTTL      time.Duration `json:"results_ttl" yaml:"results_ttl" mapstructure:"results_ttl"`
}

// NewConfig returns a new ClassifierConfig with default values.
func NewConfig() *ClassifierConfig {
	return &ClassifierConfig{
		Backend:     BackendInterp,
		MiniBatch:   0,
		Threads:     1,
		TopK:        5,
		ImageNorm:   string(image.ZeroTo1),
		ImageOrder:  string(image.RGB),
		ImageLayout: string(image.NCHW),
		ResultsTTL:  24 * time.Hour,
	}
}

// LoadFromYAML loads the configuration from a YAML file.
func (c *ClassifierConfig) LoadFromYAML(filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(c); err != nil {
		return err
	}
	return nil
}

// AddFlags registers the per-option overrides on fs. Image paths are taken
// from the remaining positional arguments after parsing.
func (c *ClassifierConfig) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "Path or s3:// URI of the JSON model file")
	fs.StringVar(&c.Function, "function", c.Function, "Model function to run (default: the model's first)")
	fs.StringVar(&c.ModelInputName, "model-input-name", c.ModelInputName, "Input placeholder name, overriding the model file")
	fs.StringVar(&c.Backend, "backend", c.Backend, "Compute backend: interp or remote")
	fs.StringVar(&c.DeviceURL, "device-url", c.DeviceURL, "Device server base URL for the remote backend")
	fs.StringVar(&c.ImageListFile, "image-list", c.ImageListFile, "File with one image path per line, prepended to arguments")
	fs.IntVar(&c.MiniBatch, "minibatch", c.MiniBatch, "Images per inference call; 0 runs each range whole")
	fs.IntVar(&c.Threads, "minibatch-threads", c.Threads, "Worker count for mini-batch partitioning")
	fs.IntVar(&c.TopK, "topk", c.TopK, "Labels reported per image")
	fs.BoolVar(&c.ComputeSoftmax, "compute-softmax", c.ComputeSoftmax, "Report softmax probabilities instead of raw scores")
	fs.IntVar(&c.LabelOffset, "label-offset", c.LabelOffset, "Offset added to reported label indices")
	fs.StringVar(&c.ExpectedLabelsFile, "expected-labels", c.ExpectedLabelsFile, "File with one expected label per image")
	fs.StringVar(&c.ImageNorm, "image-norm", c.ImageNorm, "Pixel range: neg1to1, 0to1, 0to255 or neg128to127")
	fs.StringVar(&c.ImageOrder, "image-order", c.ImageOrder, "Channel order: RGB or BGR")
	fs.StringVar(&c.ImageLayout, "image-layout", c.ImageLayout, "Tensor layout: NCHW or NHWC")
	fs.BoolVar(&c.ImagenetNorm, "imagenet-normalization", c.ImagenetNorm, "Apply the ImageNet mean/stddev constants")
	fs.StringVar(&c.ProfilePath, "profile-path", c.ProfilePath, "Dump a quantization profile YAML here (forces one worker)")
	fs.StringVar(&c.BundleDir, "bundle-dir", c.BundleDir, "Emit the compiled weights bundle here (forces one worker)")
	fs.StringVar(&c.MetricsAddress, "metrics-address", c.MetricsAddress, "Observability listen address; empty disables it")
	fs.StringVar(&c.ResultsRedisURL, "results-redis-url", c.ResultsRedisURL, "Redis URL for run records; empty disables recording")
	fs.DurationVar(&c.ResultsTTL, "results-ttl", c.ResultsTTL, "TTL on recorded run keys")
}

// LoadImageList prepends the paths listed in ImageListFile, one per line,
// to Images.
func (c *ClassifierConfig) LoadImageList() error {
	if c.ImageListFile == "" {
		return nil
	}
	file, err := os.Open(c.ImageListFile)
	if err != nil {
		return fmt.Errorf("image list: %w", err)
	}
	defer file.Close()

	var listed []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		listed = append(listed, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("image list: %w", err)
	}
	c.Images = append(listed, c.Images...)
	return nil
}

// LoadExpectedLabels appends the whitespace-separated labels read from
// ExpectedLabelsFile to ExpectedLabels.
func (c *ClassifierConfig) LoadExpectedLabels() error {
	if c.ExpectedLabelsFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.ExpectedLabelsFile)
	if err != nil {
		return fmt.Errorf("expected labels: %w", err)
	}
	for _, tok := range strings.Fields(string(raw)) {
		label, err := strconv.Atoi(tok)
		if err != nil {
			return fmt.Errorf("expected labels: %q is not a label", tok)
		}
		c.ExpectedLabels = append(c.ExpectedLabels, label)
	}
	return nil
}

// Streaming reports whether the driver reads image paths from stdin.
func (c *ClassifierConfig) Streaming() bool {
	return len(c.Images) == 1 && c.Images[0] == StreamingSentinel
}

// SingleRun reports whether a profile dump or bundle emit forces one
// worker.
func (c *ClassifierConfig) SingleRun() bool {
	return c.ProfilePath != "" || c.BundleDir != ""
}

// Workers returns the effective worker count after single-run and
// streaming clamping.
func (c *ClassifierConfig) Workers() int {
	if c.Streaming() || c.SingleRun() || c.Threads < 1 {
		return 1
	}
	return c.Threads
}

// ImageConfig builds the validated preprocessing config.
func (c *ClassifierConfig) ImageConfig() (image.Config, error) {
	ic := image.NewConfig()
	var err error
	if ic.Norm, err = image.ParseNormalizationMode(c.ImageNorm); err != nil {
		return ic, err
	}
	if ic.Order, err = image.ParseChannelOrder(c.ImageOrder); err != nil {
		return ic, err
	}
	if ic.Layout, err = image.ParseLayout(c.ImageLayout); err != nil {
		return ic, err
	}
	if c.ImagenetNorm {
		ic = ic.WithImagenetNormalization()
	}
	return ic, nil
}

// Validate rejects inconsistent configurations before any worker starts.
func (c *ClassifierConfig) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("a model file is required")
	}
	switch c.Backend {
	case BackendInterp:
	case BackendRemote:
		if c.DeviceURL == "" {
			return fmt.Errorf("the remote backend requires a device URL")
		}
		if c.SingleRun() {
			return fmt.Errorf("profiling and bundle emission run on the interp backend only")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.TopK < 1 {
		return fmt.Errorf("topk must be at least 1, got %d", c.TopK)
	}
	if c.MiniBatch < 0 {
		return fmt.Errorf("minibatch cannot be negative, got %d", c.MiniBatch)
	}
	if c.Threads < 1 {
		return fmt.Errorf("minibatch-threads must be at least 1, got %d", c.Threads)
	}
	if _, err := c.ImageConfig(); err != nil {
		return err
	}
	if c.Streaming() {
		if c.Threads > 1 {
			return fmt.Errorf("streaming mode runs a single worker, not %d", c.Threads)
		}
		if c.MiniBatch > 1 {
			return fmt.Errorf("streaming mode classifies one image at a time, minibatch %d is not applicable", c.MiniBatch)
		}
		if len(c.ExpectedLabels) > 0 {
			return fmt.Errorf("expected labels cannot be checked in streaming mode")
		}
		return nil
	}
	if c.MiniBatch > 0 && len(c.Images)%c.MiniBatch != 0 {
		return fmt.Errorf("%d images cannot be split into mini-batches of %d", len(c.Images), c.MiniBatch)
	}
	if len(c.ExpectedLabels) > 0 && len(c.ExpectedLabels) != len(c.Images) {
		return fmt.Errorf("%d expected labels for %d images", len(c.ExpectedLabels), len(c.Images))
	}
	return nil
}
