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

// Package remote implements a backend that drives a device server over HTTP.
// Compiling a function loads the network on the remote device; running it
// posts the input batch and decodes the outputs.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/shared/deviceapi"
	"github.com/llm-d-incubation/device-runner/internal/tensor"
	utls "github.com/llm-d-incubation/device-runner/internal/util/tls"
)

// Client implements backend.Backend against a device server.
type Client struct {
	client *resty.Client
}

var _ backend.Backend = (*Client)(nil)

// ClientConfig holds configuration for the HTTP client
type ClientConfig struct {
	BaseURL         string        // Base URL of the device server (e.g., "http://localhost:8200")
	Timeout         time.Duration // Request timeout (default: 5 minutes)
	MaxIdleConns    int           // Maximum idle connections (default: 100)
	IdleConnTimeout time.Duration // Idle connection timeout (default: 90 seconds)
	APIKey          string        // Optional API key for authentication

	// TLS configuration (optional)
	TLSInsecureSkipVerify bool   // Skip TLS certificate verification (default: false - INSECURE, only for testing)
	TLSCACertFile         string // Path to custom CA certificate file (for private CAs)
	TLSClientCertFile     string // Path to client certificate file (for mTLS)
	TLSClientKeyFile      string // Path to client private key file (for mTLS)
	TLSMinVersion         uint16 // Minimum TLS version (default: TLS 1.2). Use tls.VersionTLS12, tls.VersionTLS13
	TLSMaxVersion         uint16 // Maximum TLS version (default: 0 = no max, use latest)

	// Retry configuration (optional, set MaxRetries > 0 to enable)
	// Uses resty's built-in exponential backoff with jitter
	MaxRetries     int           // Maximum number of retry attempts (default: 0 = disabled)
	InitialBackoff time.Duration // Initial/minimum retry wait time (default: 1 second)
	MaxBackoff     time.Duration // Maximum retry wait time (default: 60 seconds)
}

// New creates a new HTTP-based device backend
func New(config ClientConfig) *Client {
	// Set defaults for HTTP client
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 100
	}
	if config.IdleConnTimeout == 0 {
		config.IdleConnTimeout = 90 * time.Second
	}

	// Set defaults for retry configuration
	if config.MaxRetries > 0 {
		if config.InitialBackoff == 0 {
			config.InitialBackoff = 1 * time.Second
		}
		if config.MaxBackoff == 0 {
			config.MaxBackoff = 60 * time.Second
		}
	}

	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json")

	// Set auth token if provided (adds "Authorization: Bearer <token>" to all requests)
	if config.APIKey != "" {
		client.SetAuthToken(config.APIKey)
	}

	// Configure transport - start with Go's secure defaults (http.DefaultTransport)
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = config.MaxIdleConns
	transport.MaxIdleConnsPerHost = config.MaxIdleConns // Higher than default for batched workloads
	transport.IdleConnTimeout = config.IdleConnTimeout
	transport.ResponseHeaderTimeout = 30 * time.Second // Prevent hanging on slow devices

	tlsConfig, err := buildTLSConfig(config)
	if err != nil {
		klog.Errorf("Failed to build TLS config: %v", err)
		// Fall back to default (system root CAs)
	} else if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	// Otherwise, TLSClientConfig stays nil = Go uses system root CAs + TLS 1.2+ defaults

	client.SetTransport(transport)

	// Configure retry only if enabled
	if config.MaxRetries > 0 {
		client.SetRetryCount(config.MaxRetries).
			SetRetryWaitTime(config.InitialBackoff). // Min wait time between retries
			SetRetryMaxWaitTime(config.MaxBackoff)   // Max wait time between retries
		// Resty automatically applies exponential backoff with jitter

		// Retry condition: retry on server errors, rate limits, and network errors
		client.AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // Retry on network errors
			}

			statusCode := r.StatusCode()
			// Retry on 429 (rate limit) and 5xx (server errors)
			return statusCode == http.StatusTooManyRequests || statusCode >= 500
		})

		// Add retry hook for logging
		client.AddRetryHook(func(resp *resty.Response, err error) {
			klog.V(3).Infof("Retrying %s (attempt %d/%d)",
				resp.Request.URL, resp.Request.Attempt, config.MaxRetries)
		})
	}

	return &Client{
		client: client,
	}
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "remote" }

// Compile implements backend.Backend by loading the network onto the remote
// device. When the device reports the network as already loaded, the client
// adopts it instead of failing: several workers compiling the same module
// against one device is the normal case.
func (c *Client) Compile(ctx context.Context, fn backend.FunctionDef) (backend.CompiledFunction, error) {
	if len(fn.Input) < 2 {
		return nil, &deviceapi.DeviceError{
			Category: deviceapi.ErrCategoryInvalidReq,
			Message:  fmt.Sprintf("compile %s: input dims %s carry no batch dimension", fn.Name, fn.Input),
		}
	}

	req := deviceapi.AddNetworkRequest{
		Functions: []deviceapi.FunctionSpec{{
			Name:      fn.Name,
			Input:     fn.Input[1:],
			Classes:   fn.Classes,
			Seed:      fn.Seed,
			InputName: fn.InputName,
			Weights:   fn.Weights,
		}},
		BatchSize: fn.Input[0],
	}

	klog.V(4).Infof("Loading network %s on remote device, batch_size=%d", fn.Name, fn.Input[0])

	resp, err := c.client.R().SetContext(ctx).SetBody(req).Post("/v1/networks")
	if err != nil {
		return nil, c.handleRequestError(ctx, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		var loaded deviceapi.AddNetworkResponse
		if err := json.Unmarshal(resp.Body(), &loaded); err != nil {
			return nil, &deviceapi.DeviceError{
				Category: deviceapi.ErrCategoryServer,
				Message:  fmt.Sprintf("failed to decode load response: %v", err),
				RawError: err,
			}
		}
		return c.adopt(fn.Name, loaded.Networks)
	case http.StatusConflict:
		klog.V(2).Infof("Network %s already loaded on device, adopting it", fn.Name)
		nets, err := c.Networks(ctx)
		if err != nil {
			return nil, err
		}
		return c.adopt(fn.Name, nets)
	default:
		return nil, c.handleErrorResponse(resp.StatusCode(), resp.Body())
	}
}

func (c *Client) adopt(name string, nets []deviceapi.NetworkInfo) (backend.CompiledFunction, error) {
	for _, n := range nets {
		if n.Name == name {
			return &Function{
				client: c,
				name:   n.Name,
				input:  tensor.Dims(n.Input),
				output: tensor.Dims(n.Output),
			}, nil
		}
	}
	return nil, &deviceapi.DeviceError{
		Category: deviceapi.ErrCategoryNotFound,
		Message:  fmt.Sprintf("device did not report network %s after loading", name),
	}
}

// Networks lists the networks loaded on the remote device.
func (c *Client) Networks(ctx context.Context) ([]deviceapi.NetworkInfo, error) {
	resp, err := c.client.R().SetContext(ctx).Get("/v1/networks")
	if err != nil {
		return nil, c.handleRequestError(ctx, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode(), resp.Body())
	}
	var list deviceapi.NetworkListResponse
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return nil, &deviceapi.DeviceError{
			Category: deviceapi.ErrCategoryServer,
			Message:  fmt.Sprintf("failed to decode network list: %v", err),
			RawError: err,
		}
	}
	return list.Data, nil
}

// Evict removes a network from the remote device. The device acknowledges
// the request before the eviction actually executes.
func (c *Client) Evict(ctx context.Context, name string) error {
	resp, err := c.client.R().SetContext(ctx).
		Delete(fmt.Sprintf("/v1/networks/%s", url.PathEscape(name)))
	if err != nil {
		return c.handleRequestError(ctx, err)
	}
	if resp.StatusCode() != http.StatusAccepted && resp.StatusCode() != http.StatusOK {
		return c.handleErrorResponse(resp.StatusCode(), resp.Body())
	}
	return nil
}

// Function is a network loaded on the remote device.
type Function struct {
	client *Client
	name   string
	input  tensor.Dims
	output tensor.Dims
}

var _ backend.CompiledFunction = (*Function)(nil)

// Name implements backend.CompiledFunction.
func (f *Function) Name() string { return f.name }

// InputDims implements backend.CompiledFunction.
func (f *Function) InputDims() tensor.Dims { return f.input }

// OutputDims implements backend.CompiledFunction.
func (f *Function) OutputDims() tensor.Dims { return f.output }

// Run implements backend.CompiledFunction. The call blocks until the device
// completed the run and returned the outputs.
func (f *Function) Run(ctx context.Context, rc *backend.RunContext) error {
	req := deviceapi.RunRequest{Inputs: make(map[string]deviceapi.TensorPayload, len(rc.Inputs))}
	for name, t := range rc.Inputs {
		req.Inputs[name] = deviceapi.PayloadFrom(t)
	}

	resp, err := f.client.client.R().SetContext(ctx).SetBody(req).
		Post(fmt.Sprintf("/v1/networks/%s/run", url.PathEscape(f.name)))
	if err != nil {
		return f.client.handleRequestError(ctx, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return f.client.handleErrorResponse(resp.StatusCode(), resp.Body())
	}

	var result deviceapi.RunResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return &deviceapi.DeviceError{
			Category: deviceapi.ErrCategoryServer,
			Message:  fmt.Sprintf("failed to decode run response: %v", err),
			RawError: err,
		}
	}
	for name, payload := range result.Outputs {
		t, err := payload.ToTensor()
		if err != nil {
			return &deviceapi.DeviceError{
				Category: deviceapi.ErrCategoryServer,
				Message:  fmt.Sprintf("bad output tensor %s: %v", name, err),
				RawError: err,
			}
		}
		rc.Outputs[name] = t
	}

	klog.V(4).Infof("Remote run %d of %s completed in %.1fms", result.RunID, f.name, result.DurationMS)
	return nil
}

// handleRequestError processes request-level errors (network, timeout, cancellation)
func (c *Client) handleRequestError(ctx context.Context, err error) *deviceapi.DeviceError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &deviceapi.DeviceError{
			Category: deviceapi.ErrCategoryUnknown,
			Message:  "request cancelled",
			RawError: err,
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &deviceapi.DeviceError{
			Category: deviceapi.ErrCategoryServer,
			Message:  "request timeout",
			RawError: err,
		}
	}

	klog.V(3).Infof("Request failed with network error: %v", err)
	return &deviceapi.DeviceError{
		Category: deviceapi.ErrCategoryServer,
		Message:  fmt.Sprintf("failed to execute request: %v", err),
		RawError: err,
	}
}

// handleErrorResponse parses error response and maps to DeviceError
func (c *Client) handleErrorResponse(statusCode int, body []byte) *deviceapi.DeviceError {
	var errorResp deviceapi.ErrorResponse

	message := string(body)
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		message = errorResp.Error.Message
	}

	category := mapStatusCodeToCategory(statusCode)

	klog.V(3).Infof("Device request failed with status=%d, category=%s, message=%s", statusCode, category, message)

	return &deviceapi.DeviceError{
		Category: category,
		Message:  fmt.Sprintf("HTTP %d: %s", statusCode, message),
		RawError: fmt.Errorf("status code: %d, body: %s", statusCode, string(body)),
	}
}

// mapStatusCodeToCategory maps HTTP status codes to error categories
func mapStatusCodeToCategory(statusCode int) deviceapi.ErrorCategory {
	switch statusCode {
	case http.StatusBadRequest: // 400
		return deviceapi.ErrCategoryInvalidReq
	case http.StatusUnauthorized, http.StatusForbidden: // 401, 403
		return deviceapi.ErrCategoryAuth
	case http.StatusNotFound: // 404
		return deviceapi.ErrCategoryNotFound
	case http.StatusConflict: // 409
		return deviceapi.ErrCategoryConflict
	case http.StatusTooManyRequests: // 429
		return deviceapi.ErrCategoryRateLimit
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout: // 500, 502, 503, 504
		return deviceapi.ErrCategoryServer
	default:
		if statusCode >= 500 {
			return deviceapi.ErrCategoryServer
		}
		return deviceapi.ErrCategoryUnknown
	}
}

// buildTLSConfig constructs a custom TLS configuration based on provided options
// Returns nil if no custom TLS config is needed (use system defaults)
func buildTLSConfig(config ClientConfig) (*tls.Config, error) {
	if !config.TLSInsecureSkipVerify &&
		config.TLSCACertFile == "" &&
		config.TLSClientCertFile == "" &&
		config.TLSClientKeyFile == "" &&
		config.TLSMinVersion == 0 &&
		config.TLSMaxVersion == 0 {
		return nil, nil
	}

	if config.TLSInsecureSkipVerify {
		klog.Warning("TLS certificate verification is disabled - this is insecure and should only be used for testing")
	}
	if (config.TLSClientCertFile == "") != (config.TLSClientKeyFile == "") {
		return nil, fmt.Errorf("both TLSClientCertFile and TLSClientKeyFile must be specified for mTLS")
	}

	tlsConfig, err := utls.GetTlsConfig(utls.LOAD_TYPE_CLIENT, config.TLSInsecureSkipVerify,
		config.TLSClientCertFile, config.TLSClientKeyFile, config.TLSCACertFile)
	if err != nil {
		return nil, err
	}

	// TLS version constraints
	if config.TLSMinVersion != 0 {
		tlsConfig.MinVersion = config.TLSMinVersion
	}
	if config.TLSMaxVersion != 0 {
		tlsConfig.MaxVersion = config.TLSMaxVersion
	}

	return tlsConfig, nil
}
