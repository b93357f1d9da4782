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

// The file contains unit tests for the run handler.
package run

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/llm-d-incubation/device-runner/internal/backend"
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

	def := backend.FunctionDef{Name: "scorer", Input: []int{3}, Classes: 2, Seed: 11}
	module := &backend.Module{Name: "testmod", Functions: []backend.FunctionDef{def}}
	done := make(chan error, 1)
	err := mgr.AddNetwork(context.Background(), module,
		[]backend.FunctionDef{def.WithBatch(2)}, func(err error) { done <- err })
	if err != nil {
		t.Fatalf("AddNetwork: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("AddNetwork callback: %v", err)
	}

	mux := http.NewServeMux()
	common.RegisterHandler(mux, NewRunApiHandler(cfg, mgr))
	return mux, mgr
}

func postRun(t *testing.T, mux *http.ServeMux, name string, req deviceapi.RunRequest) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/networks/"+name+"/run", &buf))
	return w
}

func batchInput() deviceapi.RunRequest {
	return deviceapi.RunRequest{
		Inputs: map[string]deviceapi.TensorPayload{
			"input": {Dims: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		},
	}
}

func TestRunFunction(t *testing.T) {
	mux, _ := newTestMux(t)

	w := postRun(t, mux, "scorer", batchInput())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp deviceapi.RunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Network != "scorer" {
		t.Errorf("expected network scorer, got %q", resp.Network)
	}
	if resp.RunID == 0 {
		t.Error("expected a nonzero run id")
	}
	out, ok := resp.Outputs[backend.OutputName]
	if !ok {
		t.Fatalf("missing output tensor, got %v", resp.Outputs)
	}
	if len(out.Dims) != 2 || out.Dims[0] != 2 || out.Dims[1] != 2 {
		t.Errorf("expected output dims [2 2], got %v", out.Dims)
	}
	if len(out.Data) != 4 {
		t.Errorf("expected 4 output values, got %d", len(out.Data))
	}
}

func TestRunIdentifiersIncrease(t *testing.T) {
	mux, _ := newTestMux(t)

	var last uint64
	for i := 0; i < 3; i++ {
		w := postRun(t, mux, "scorer", batchInput())
		if w.Code != http.StatusOK {
			t.Fatalf("run %d: expected 200, got %d", i, w.Code)
		}
		var resp deviceapi.RunResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.RunID <= last {
			t.Fatalf("run ids must strictly increase: got %d after %d", resp.RunID, last)
		}
		last = resp.RunID
	}
}

func TestRunUnknownNetwork(t *testing.T) {
	mux, _ := newTestMux(t)

	w := postRun(t, mux, "missing", batchInput())
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRunBadPayload(t *testing.T) {
	mux, _ := newTestMux(t)

	req := deviceapi.RunRequest{
		Inputs: map[string]deviceapi.TensorPayload{
			"input": {Dims: []int{2, 3}, Data: []float32{1, 2}},
		},
	}
	w := postRun(t, mux, "scorer", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = postRun(t, mux, "scorer", deviceapi.RunRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty inputs: expected 400, got %d", w.Code)
	}
}

func TestRunWhileEvictionPending(t *testing.T) {
	mux, mgr := newTestMux(t)

	// Park the queue behind a slow task so the eviction stays pending.
	gate := make(chan struct{})
	blocked := make(chan error, 1)
	rc := backend.NewRunContext()
	rc.Inputs["input"], _ = deviceapi.TensorPayload{
		Dims: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6},
	}.ToTensor()
	_, err := mgr.RunFunction(context.Background(), "scorer", rc,
		func(_ device.RunID, err error, _ *backend.RunContext) {
			<-gate
			blocked <- err
		})
	if err != nil {
		t.Fatalf("RunFunction: %v", err)
	}
	if err := mgr.EvictNetwork(context.Background(), "scorer"); err != nil {
		t.Fatalf("EvictNetwork: %v", err)
	}

	w := postRun(t, mux, "scorer", batchInput())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while eviction is pending, got %d: %s", w.Code, w.Body.String())
	}

	close(gate)
	if err := <-blocked; err != nil {
		t.Fatalf("parked run failed: %v", err)
	}
}

func TestRunAfterStop(t *testing.T) {
	mux, mgr := newTestMux(t)
	mgr.Stop(true)

	w := postRun(t, mux, "scorer", batchInput())
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}
