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

// Package health reports liveness for the device server. The report names
// the device and its current queue depth so probes double as a cheap
// backlog check.
package health

import (
	"net/http"

	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/server/common"
)

const (
	HealthPath = "/health"
)

// Report is the health endpoint's response body.
type Report struct {
	Status     string `json:"status"`
	Device     string `json:"device"`
	QueueDepth int    `json:"queue_depth"`
}

type HealthApiHandler struct {
	manager *device.Manager
}

func NewHealthApiHandler(manager *device.Manager) *HealthApiHandler {
	return &HealthApiHandler{manager: manager}
}

func (c *HealthApiHandler) GetRoutes() []common.Route {
	return []common.Route{
		{
			Method:      http.MethodGet,
			Pattern:     HealthPath,
			HandlerFunc: c.HealthHandler,
		},
		{
			Method:      http.MethodHead,
			Pattern:     HealthPath,
			HandlerFunc: c.HealthHandler,
		},
	}
}

func (c *HealthApiHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	common.WriteJSONResponse(r.Context(), w, http.StatusOK, Report{
		Status:     "ok",
		Device:     c.manager.Name(),
		QueueDepth: c.manager.QueueLen(),
	})
}
