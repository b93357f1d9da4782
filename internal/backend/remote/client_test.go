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

package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/shared/deviceapi"
	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

// TestRemoteBackend aggregates all remote backend test cases
// Run with: go test -run TestRemoteBackend
func TestRemoteBackend(t *testing.T) {
	t.Run("New", testNew)
	t.Run("Compile", testCompile)
	t.Run("Run", testRun)
	t.Run("Evict", testEvict)
	t.Run("ErrorMapping", testErrorMapping)
	t.Run("RetryLogic", testRetryLogic)
}

func mustTensor(t *testing.T, data []float32, dims ...int) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.FromFloats(data, dims...)
	require.NoError(t, err)
	return tn
}

func testDef() backend.FunctionDef {
	return backend.FunctionDef{
		Name:    "main",
		Input:   tensor.Dims{3, 8, 8},
		Classes: 10,
		Seed:    7,
	}.WithBatch(4)
}

func testNew(t *testing.T) {
	tests := []struct {
		name   string
		config ClientConfig
	}{
		{
			name: "should create client with default configuration",
			config: ClientConfig{
				BaseURL: "http://localhost:8200",
			},
		},
		{
			name: "should create client with custom configuration",
			config: ClientConfig{
				BaseURL:         "http://localhost:9200",
				Timeout:         1 * time.Minute,
				MaxIdleConns:    50,
				IdleConnTimeout: 60 * time.Second,
				APIKey:          "test-api-key",
			},
		},
		{
			name: "should apply retry defaults when MaxRetries is set",
			config: ClientConfig{
				BaseURL:    "http://localhost:8200",
				MaxRetries: 3,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.config)
			assert.NotNil(t, client)
			assert.NotNil(t, client.client)
		})
	}
}

func testCompile(t *testing.T) {
	t.Run("should load network and return its dims", func(t *testing.T) {
		var gotReq deviceapi.AddNetworkRequest
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/networks", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(deviceapi.AddNetworkResponse{
				Device: "dev0",
				Networks: []deviceapi.NetworkInfo{
					{Name: "main", Input: []int{4, 3, 8, 8}, Output: []int{4, 10}},
				},
			})
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{BaseURL: testServer.URL, Timeout: 10 * time.Second})
		fn, err := client.Compile(context.Background(), testDef())
		require.NoError(t, err)

		assert.Equal(t, "main", fn.Name())
		assert.True(t, fn.InputDims().Equal(tensor.Dims{4, 3, 8, 8}))
		assert.True(t, fn.OutputDims().Equal(tensor.Dims{4, 10}))

		// The wire request strips the batch dimension and carries it separately.
		require.Len(t, gotReq.Functions, 1)
		assert.Equal(t, []int{3, 8, 8}, gotReq.Functions[0].Input)
		assert.Equal(t, 4, gotReq.BatchSize)
		assert.Equal(t, uint64(7), gotReq.Functions[0].Seed)
	})

	t.Run("should adopt network on conflict", func(t *testing.T) {
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			switch {
			case r.Method == http.MethodPost:
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(deviceapi.ErrorResponse{
					Error: deviceapi.ErrorDetail{Message: "network name already loaded: main"},
				})
			case r.Method == http.MethodGet:
				_ = json.NewEncoder(w).Encode(deviceapi.NetworkListResponse{
					Object: "list",
					Data: []deviceapi.NetworkInfo{
						{Name: "main", Input: []int{4, 3, 8, 8}, Output: []int{4, 10}},
					},
				})
			}
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{BaseURL: testServer.URL, Timeout: 10 * time.Second})
		fn, err := client.Compile(context.Background(), testDef())
		require.NoError(t, err)
		assert.Equal(t, "main", fn.Name())
		assert.True(t, fn.InputDims().Equal(tensor.Dims{4, 3, 8, 8}))
	})

	t.Run("should reject definition without batch dimension", func(t *testing.T) {
		client := New(ClientConfig{BaseURL: "http://localhost:1"})
		def := testDef()
		def.Input = tensor.Dims{8}

		_, err := client.Compile(context.Background(), def)
		require.Error(t, err)
		var devErr *deviceapi.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, deviceapi.ErrCategoryInvalidReq, devErr.Category)
	})
}

func testRun(t *testing.T) {
	t.Run("should post inputs and decode outputs", func(t *testing.T) {
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if r.Method == http.MethodPost && r.URL.Path == "/v1/networks" {
				_ = json.NewEncoder(w).Encode(deviceapi.AddNetworkResponse{
					Device: "dev0",
					Networks: []deviceapi.NetworkInfo{
						{Name: "main", Input: []int{1, 2}, Output: []int{1, 2}},
					},
				})
				return
			}

			require.Equal(t, "/v1/networks/main/run", r.URL.Path)
			var req deviceapi.RunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []float32{5, 6}, req.Inputs[backend.DefaultInputName].Data)

			_ = json.NewEncoder(w).Encode(deviceapi.RunResponse{
				RunID:   17,
				Network: "main",
				Outputs: map[string]deviceapi.TensorPayload{
					backend.OutputName: {Dims: []int{1, 2}, Data: []float32{0.25, 0.75}},
				},
				DurationMS: 1.5,
			})
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{BaseURL: testServer.URL, Timeout: 10 * time.Second})
		def := backend.FunctionDef{Name: "main", Input: tensor.Dims{2}, Classes: 2}.WithBatch(1)
		fn, err := client.Compile(context.Background(), def)
		require.NoError(t, err)

		rc := backend.NewRunContext()
		rc.Inputs[backend.DefaultInputName] = mustTensor(t, []float32{5, 6}, 1, 2)
		require.NoError(t, fn.Run(context.Background(), rc))

		out := rc.Outputs[backend.OutputName]
		require.NotNil(t, out)
		assert.Equal(t, []float32{0.25, 0.75}, out.Floats())
	})

	t.Run("should map missing network to NOT_FOUND", func(t *testing.T) {
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(deviceapi.ErrorResponse{
				Error: deviceapi.ErrorDetail{Message: "no network named ghost"},
			})
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{BaseURL: testServer.URL, Timeout: 10 * time.Second})
		fn := &Function{client: client, name: "ghost", input: tensor.Dims{1, 2}, output: tensor.Dims{1, 2}}

		rc := backend.NewRunContext()
		rc.Inputs[backend.DefaultInputName] = tensor.NewFloat32(1, 2)
		err := fn.Run(context.Background(), rc)
		require.Error(t, err)
		var devErr *deviceapi.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, deviceapi.ErrCategoryNotFound, devErr.Category)
		assert.Contains(t, devErr.Message, "no network named ghost")
	})
}

func testEvict(t *testing.T) {
	t.Run("should accept 202 as success", func(t *testing.T) {
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/v1/networks/main", r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{BaseURL: testServer.URL, Timeout: 10 * time.Second})
		assert.NoError(t, client.Evict(context.Background(), "main"))
	})

	t.Run("should map unknown network to NOT_FOUND", func(t *testing.T) {
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{BaseURL: testServer.URL, Timeout: 10 * time.Second})
		err := client.Evict(context.Background(), "ghost")
		var devErr *deviceapi.DeviceError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, deviceapi.ErrCategoryNotFound, devErr.Category)
	})
}

func testErrorMapping(t *testing.T) {
	tests := []struct {
		statusCode int
		category   deviceapi.ErrorCategory
	}{
		{http.StatusBadRequest, deviceapi.ErrCategoryInvalidReq},
		{http.StatusUnauthorized, deviceapi.ErrCategoryAuth},
		{http.StatusForbidden, deviceapi.ErrCategoryAuth},
		{http.StatusNotFound, deviceapi.ErrCategoryNotFound},
		{http.StatusConflict, deviceapi.ErrCategoryConflict},
		{http.StatusTooManyRequests, deviceapi.ErrCategoryRateLimit},
		{http.StatusInternalServerError, deviceapi.ErrCategoryServer},
		{http.StatusBadGateway, deviceapi.ErrCategoryServer},
		{http.StatusServiceUnavailable, deviceapi.ErrCategoryServer},
		{http.StatusGatewayTimeout, deviceapi.ErrCategoryServer},
		{599, deviceapi.ErrCategoryServer},
		{http.StatusTeapot, deviceapi.ErrCategoryUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.category, mapStatusCodeToCategory(tt.statusCode),
			"status %d", tt.statusCode)
	}

	t.Run("should prefer structured error message", func(t *testing.T) {
		client := New(ClientConfig{BaseURL: "http://localhost:1"})
		body, _ := json.Marshal(deviceapi.ErrorResponse{
			Error: deviceapi.ErrorDetail{Message: "queue is stopped", Code: 503},
		})
		e := client.handleErrorResponse(http.StatusServiceUnavailable, body)
		assert.Equal(t, deviceapi.ErrCategoryServer, e.Category)
		assert.Contains(t, e.Message, "queue is stopped")
	})
}

func testRetryLogic(t *testing.T) {
	t.Run("should retry on 503 and succeed", func(t *testing.T) {
		var attempts atomic.Int32
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(deviceapi.NetworkListResponse{Object: "list"})
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{
			BaseURL:        testServer.URL,
			Timeout:        10 * time.Second,
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		})

		nets, err := client.Networks(context.Background())
		require.NoError(t, err)
		assert.Empty(t, nets)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("should not retry on 400", func(t *testing.T) {
		var attempts atomic.Int32
		testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		t.Cleanup(testServer.Close)

		client := New(ClientConfig{
			BaseURL:        testServer.URL,
			Timeout:        10 * time.Second,
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
		})

		_, err := client.Networks(context.Background())
		require.Error(t, err)
		assert.Equal(t, int32(1), attempts.Load())
	})
}
