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

// The file provides HTTP handlers for the network lifecycle endpoints:
// loading a module onto the device, listing the loaded networks and
// scheduling evictions.
package networks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/llm-d-incubation/device-runner/internal/artifacts/api"
	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/server/common"
	"github.com/llm-d-incubation/device-runner/internal/shared/deviceapi"
	"github.com/llm-d-incubation/device-runner/internal/util/logging"
)

type NetworksApiHandler struct {
	cfg     *common.Config
	manager *device.Manager
	store   api.ArtifactsClient
}

// NewNetworksApiHandler serves network lifecycle requests against manager.
// store resolves model_path references from add requests; it may be nil,
// in which case only inline function definitions are accepted.
func NewNetworksApiHandler(cfg *common.Config, manager *device.Manager, store api.ArtifactsClient) *NetworksApiHandler {
	return &NetworksApiHandler{cfg: cfg, manager: manager, store: store}
}

func (c *NetworksApiHandler) GetRoutes() []common.Route {
	return []common.Route{
		{
			Method:      http.MethodPost,
			Pattern:     "/v1/networks",
			HandlerFunc: c.AddNetwork,
		},
		{
			Method:      http.MethodGet,
			Pattern:     "/v1/networks",
			HandlerFunc: c.ListNetworks,
		},
		{
			Method:      http.MethodDelete,
			Pattern:     "/v1/networks/{network_name}",
			HandlerFunc: c.EvictNetwork,
		},
	}
}

// AddNetwork loads a module onto the device and answers once the device
// queue finished compiling it: 201 on success, 409 on a name collision,
// 503 after the device stopped.
func (c *NetworksApiHandler) AddNetwork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	var req deviceapi.AddNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.BatchSize < 1 {
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, fmt.Sprintf("batch_size must be at least 1, got %d", req.BatchSize))
		return
	}

	module, err := c.resolveModule(r, &req)
	if err != nil {
		logger.Error(err, "AddNetwork: bad module")
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	bound := make([]backend.FunctionDef, len(module.Functions))
	requested := make(map[string]bool, len(module.Functions))
	for i, fn := range module.Functions {
		bound[i] = fn.WithBatch(req.BatchSize)
		requested[fn.Name] = true
	}

	wctx, cancel := c.requestContext(r)
	defer cancel()

	done := make(chan error, 1)
	if err := c.manager.AddNetwork(wctx, module, bound, func(err error) { done <- err }); err != nil {
		common.WriteDeviceError(ctx, w, err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			logger.Error(err, "AddNetwork: load failed", "module", module.Name)
			common.WriteDeviceError(ctx, w, err)
			return
		}
	case <-wctx.Done():
		common.WriteErrorResponse(ctx, w, http.StatusGatewayTimeout, "device did not finish loading in time")
		return
	}

	nets, err := c.manager.Networks(wctx)
	if err != nil {
		common.WriteDeviceError(ctx, w, err)
		return
	}
	resp := deviceapi.AddNetworkResponse{Device: c.cfg.DeviceName}
	for _, n := range nets {
		if requested[n.Name] {
			resp.Networks = append(resp.Networks, deviceapi.NetworkInfo{
				Name: n.Name, Input: n.Input, Output: n.Output,
			})
		}
	}
	logger.Info("AddNetwork: loaded", "module", module.Name, "networks", len(resp.Networks))
	common.WriteJSONResponse(ctx, w, http.StatusCreated, resp)
}

// ListNetworks snapshots the loaded networks through the device queue.
func (c *NetworksApiHandler) ListNetworks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wctx, cancel := c.requestContext(r)
	defer cancel()

	nets, err := c.manager.Networks(wctx)
	if err != nil {
		common.WriteDeviceError(ctx, w, err)
		return
	}
	resp := deviceapi.NetworkListResponse{Object: "list", Data: []deviceapi.NetworkInfo{}}
	for _, n := range nets {
		resp.Data = append(resp.Data, deviceapi.NetworkInfo{
			Name: n.Name, Input: n.Input, Output: n.Output,
		})
	}
	common.WriteJSONResponse(ctx, w, http.StatusOK, resp)
}

// EvictNetwork schedules removal of the named network. The response is 202:
// the eviction runs behind any device work already queued.
func (c *NetworksApiHandler) EvictNetwork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	name := r.PathValue("network_name")
	if name == "" {
		common.WriteErrorResponse(ctx, w, http.StatusBadRequest, "network name is required")
		return
	}
	if err := c.manager.EvictNetwork(ctx, name); err != nil {
		common.WriteDeviceError(ctx, w, err)
		return
	}
	logger.Info("EvictNetwork: scheduled", "network", name)
	common.WriteJSONResponse(ctx, w, http.StatusAccepted, deviceapi.EvictNetworkResponse{
		Network: name,
		Status:  "evicting",
	})
}

// resolveModule builds the backend module from an add request: inline
// function specs when present, otherwise a model file fetched through the
// artifact store.
func (c *NetworksApiHandler) resolveModule(r *http.Request, req *deviceapi.AddNetworkRequest) (*backend.Module, error) {
	if len(req.Functions) > 0 {
		module := &backend.Module{Name: req.ModuleName}
		if module.Name == "" {
			module.Name = "inline"
		}
		for _, spec := range req.Functions {
			if spec.Name == "" {
				return nil, fmt.Errorf("function spec without a name")
			}
			module.Functions = append(module.Functions, backend.FunctionDef{
				Name:      spec.Name,
				Input:     spec.Input,
				Classes:   spec.Classes,
				InputName: spec.InputName,
				Seed:      spec.Seed,
				Weights:   spec.Weights,
			})
		}
		return module, nil
	}

	if req.ModelPath == "" {
		return nil, fmt.Errorf("either functions or model_path is required")
	}
	if c.store == nil {
		return nil, fmt.Errorf("model_path references are not enabled on this server")
	}
	tmpDir, err := os.MkdirTemp("", "device-runner-model-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage model file: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	localPath, err := api.Localize(r.Context(), c.store, req.ModelPath, tmpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model %s: %w", req.ModelPath, err)
	}
	module, err := backend.LoadModule(localPath)
	if err != nil {
		return nil, err
	}
	if req.ModuleName != "" {
		module.Name = req.ModuleName
	}
	return module, nil
}

func (c *NetworksApiHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), c.cfg.RequestTimeout)
}
