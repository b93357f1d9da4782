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

// The file provides the HTTP handler that executes a loaded network over a
// batch of inputs. The handler bridges the device facade's asynchronous
// callback onto the synchronous request/response cycle.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/server/common"
	"github.com/llm-d-incubation/device-runner/internal/shared/deviceapi"
	"github.com/llm-d-incubation/device-runner/internal/util/logging"
)

type RunApiHandler struct {
	cfg     *common.Config
	manager *device.Manager
}

func NewRunApiHandler(cfg *common.Config, manager *device.Manager) *RunApiHandler {
	return &RunApiHandler{cfg: cfg, manager: manager}
}

func (c *RunApiHandler) GetRoutes() []common.Route {
	return []common.Route{
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/networks/{network_name}/run",
			HandlerFunc: c.RunFunction,
		},
	}
}

// RunFunction schedules one run on the device queue and blocks until its
// result callback fires: 200 with the outputs, 404 for an unknown network,
// 409 while an eviction of the name is pending, 503 after stop.
func (c *RunApiHandler) RunFunction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	name := r.PathValue("network_name")
	if name == "" {
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, "network name is required")
		return
	}

	var req deviceapi.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Inputs) == 0 {
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, "at least one input tensor is required")
		return
	}

	rc := backend.NewRunContext()
	for tname, payload := range req.Inputs {
		t, err := payload.ToTensor()
		if err != nil {
			common.WriteErrorResponse(ctx, w, http.StatusBadRequest, fmt.Sprintf("bad input tensor %s: %v", tname, err))
			return
		}
		rc.Inputs[tname] = t
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	id, err := c.manager.RunFunction(wctx, name, rc, func(_ device.RunID, err error, _ *backend.RunContext) {
		done <- err
	})
	if err != nil {
		common.WriteDeviceError(ctx, w, err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			logger.Error(err, "RunFunction: run failed", "network", name, "runID", uint64(id))
			common.WriteDeviceError(ctx, w, err)
			return
		}
	case <-wctx.Done():
		common.WriteErrorResponse(ctx, w, http.StatusGatewayTimeout, "device did not finish the run in time")
		return
	}

	resp := deviceapi.RunResponse{
		RunID:      uint64(id),
		Network:    name,
		Outputs:    make(map[string]deviceapi.TensorPayload, len(rc.Outputs)),
		DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
	for tname, t := range rc.Outputs {
		resp.Outputs[tname] = deviceapi.PayloadFrom(t)
	}
	logger.V(logging.DEBUG).Info("RunFunction: completed", "network", name, "runID", uint64(id))
	common.WriteJSONResponse(ctx, w, http.StatusOK, resp)
}
