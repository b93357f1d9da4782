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

// The file contains unit tests for the network lifecycle handlers.
package networks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/llm-d-incubation/device-runner/internal/backend/interp"
	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/server/common"
	"github.com/llm-d-incubation/device-runner/internal/shared/deviceapi"
)

func newTestMux(t *testing.T) (*http.ServeMux, *device.Manager) {
	t.Helper()
	cfg := common.NewConfig()
	mgr := device.New(cfg.DeviceName, interp.New())
	t.Cleanup(func() { mgr.Stop(true) })

	mux := http.NewServeMux()
	common.RegisterHandler(mux, NewNetworksApiHandler(cfg, mgr, nil))
	return mux, mgr
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func addRequest(name string) deviceapi.AddNetworkRequest {
	return deviceapi.AddNetworkRequest{
		ModuleName: "testmod",
		BatchSize:  2,
		Functions: []deviceapi.FunctionSpec{
			{Name: name, Input: []int{3}, Classes: 4, Seed: 7},
		},
	}
}

func TestAddNetwork(t *testing.T) {
	mux, _ := newTestMux(t)

	w := doJSON(t, mux, http.MethodPost, "/v1/networks", addRequest("scorer"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp deviceapi.AddNetworkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Networks) != 1 || resp.Networks[0].Name != "scorer" {
		t.Fatalf("unexpected networks: %+v", resp.Networks)
	}
	got := resp.Networks[0]
	if len(got.Input) != 2 || got.Input[0] != 2 || got.Input[1] != 3 {
		t.Errorf("expected batch-bound input [2 3], got %v", got.Input)
	}
	if len(got.Output) != 2 || got.Output[0] != 2 || got.Output[1] != 4 {
		t.Errorf("expected output [2 4], got %v", got.Output)
	}
}

func TestAddNetworkNameCollision(t *testing.T) {
	mux, _ := newTestMux(t)

	if w := doJSON(t, mux, http.MethodPost, "/v1/networks", addRequest("scorer")); w.Code != http.StatusCreated {
		t.Fatalf("first add: expected 201, got %d", w.Code)
	}
	w := doJSON(t, mux, http.MethodPost, "/v1/networks", addRequest("scorer"))
	if w.Code != http.StatusConflict {
		t.Fatalf("second add: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var errResp deviceapi.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Message == "" {
		t.Error("expected an error message")
	}
}

func TestAddNetworkValidation(t *testing.T) {
	mux, _ := newTestMux(t)

	tests := []struct {
		name string
		req  deviceapi.AddNetworkRequest
	}{
		{
			name: "zero batch size",
			req: deviceapi.AddNetworkRequest{
				Functions: []deviceapi.FunctionSpec{{Name: "f", Input: []int{2}, Classes: 2}},
			},
		},
		{
			name: "no functions and no model path",
			req:  deviceapi.AddNetworkRequest{BatchSize: 1},
		},
		{
			name: "model path without a store",
			req:  deviceapi.AddNetworkRequest{BatchSize: 1, ModelPath: "model.json"},
		},
		{
			name: "function spec without a name",
			req: deviceapi.AddNetworkRequest{
				BatchSize: 1,
				Functions: []deviceapi.FunctionSpec{{Input: []int{2}, Classes: 2}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, mux, http.MethodPost, "/v1/networks", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestListNetworks(t *testing.T) {
	mux, _ := newTestMux(t)

	w := doJSON(t, mux, http.MethodGet, "/v1/networks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp deviceapi.NetworkListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 0 {
		t.Fatalf("expected an empty list, got %+v", resp)
	}

	if w := doJSON(t, mux, http.MethodPost, "/v1/networks", addRequest("scorer")); w.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d", w.Code)
	}
	w = doJSON(t, mux, http.MethodGet, "/v1/networks", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "scorer" {
		t.Fatalf("unexpected list: %+v", resp.Data)
	}
}

func TestEvictNetwork(t *testing.T) {
	mux, _ := newTestMux(t)

	if w := doJSON(t, mux, http.MethodPost, "/v1/networks", addRequest("scorer")); w.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d", w.Code)
	}

	w := doJSON(t, mux, http.MethodDelete, "/v1/networks/scorer", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp deviceapi.EvictNetworkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Network != "scorer" || resp.Status != "evicting" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// The list goes through the device queue, so by the time it answers the
	// eviction has executed.
	w = doJSON(t, mux, http.MethodGet, "/v1/networks", nil)
	var list deviceapi.NetworkListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(list.Data) != 0 {
		t.Fatalf("expected the network gone, got %+v", list.Data)
	}
}

func TestEvictAfterStop(t *testing.T) {
	mux, mgr := newTestMux(t)
	mgr.Stop(true)

	w := doJSON(t, mux, http.MethodDelete, "/v1/networks/scorer", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}
