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

// The file provides shared types for the device server: the route table
// entry, the server configuration and the JSON response writers.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/shared/deviceapi"
)

// Route describes one HTTP endpoint of the device server.
type Route struct {
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

// RouteProvider is implemented by every handler group.
type RouteProvider interface {
	GetRoutes() []Route
}

// RegisterHandler adds every route of p to mux, keyed by method so the mux
// answers 405 for the wrong verb.
func RegisterHandler(mux *http.ServeMux, p RouteProvider) {
	for _, route := range p.GetRoutes() {
		mux.HandleFunc(route.Method+" "+route.Pattern, route.HandlerFunc)
	}
}

// Config holds the device server configuration.
type Config struct {
	// ListenAddress is the address the HTTP server binds to.
	ListenAddress string

	// DeviceName names the device; it appears in responses, logs and metrics.
	DeviceName string

	// ModelDir roots the artifact store that request-level model_path
	// references are resolved against.
	ModelDir string

	// PreloadModelPath optionally names a JSON model file loaded onto the
	// device before serving. PreloadBatchSize is the batch dimension the
	// preloaded functions are compiled for.
	PreloadModelPath string
	PreloadBatchSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds how long a handler waits for the device queue
	// to complete an add or run task.
	RequestTimeout time.Duration
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		ListenAddress:    ":8200",
		DeviceName:       "device-0",
		ModelDir:         ".",
		PreloadBatchSize: 1,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Minute,
		IdleTimeout:      90 * time.Second,
		RequestTimeout:   4 * time.Minute,
	}
}

// AddFlags registers the configuration flags on fs.
func (c *Config) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddress, "listen-address", c.ListenAddress, "Address the device server listens on")
	fs.StringVar(&c.DeviceName, "device-name", c.DeviceName, "Name of the served device")
	fs.StringVar(&c.ModelDir, "model-dir", c.ModelDir, "Directory model_path references are resolved in")
	fs.StringVar(&c.PreloadModelPath, "preload-model", c.PreloadModelPath, "JSON model file to load before serving")
	fs.IntVar(&c.PreloadBatchSize, "preload-batch-size", c.PreloadBatchSize, "Batch size the preloaded model is compiled for")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "HTTP read timeout")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "HTTP write timeout")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Per-request device operation timeout")
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device name is required")
	}
	if c.PreloadBatchSize < 1 {
		return fmt.Errorf("preload batch size must be at least 1, got %d", c.PreloadBatchSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	return nil
}

// WriteJSONResponse writes v as a JSON body with the given status.
func WriteJSONResponse(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.FromContext(ctx).Error(err, "WriteJSONResponse: encode failed")
	}
}

// WriteErrorResponse writes the device API error envelope.
func WriteErrorResponse(ctx context.Context, w http.ResponseWriter, status int, message string) {
	WriteJSONResponse(ctx, w, status, deviceapi.ErrorResponse{
		Error: deviceapi.ErrorDetail{
			Message: message,
			Type:    string(categoryForStatus(status)),
			Code:    status,
		},
	})
}

// WriteDeviceError maps a device layer error onto the HTTP surface.
func WriteDeviceError(ctx context.Context, w http.ResponseWriter, err error) {
	WriteErrorResponse(ctx, w, StatusForError(err), err.Error())
}

// StatusForError maps device layer errors to HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, device.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrNameTaken), errors.Is(err, device.ErrEvictPending):
		return http.StatusConflict
	case errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func categoryForStatus(status int) deviceapi.ErrorCategory {
	switch status {
	case http.StatusBadRequest:
		return deviceapi.ErrCategoryInvalidReq
	case http.StatusNotFound:
		return deviceapi.ErrCategoryNotFound
	case http.StatusConflict:
		return deviceapi.ErrCategoryConflict
	case http.StatusTooManyRequests:
		return deviceapi.ErrCategoryRateLimit
	default:
		if status >= 500 {
			return deviceapi.ErrCategoryServer
		}
		return deviceapi.ErrCategoryUnknown
	}
}
