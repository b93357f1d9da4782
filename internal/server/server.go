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

// Package server assembles the device HTTP server from its handler groups
// and manages its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/artifacts/api"
	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/server/common"
	"github.com/llm-d-incubation/device-runner/internal/server/health"
	"github.com/llm-d-incubation/device-runner/internal/server/metrics"
	"github.com/llm-d-incubation/device-runner/internal/server/middleware"
	"github.com/llm-d-incubation/device-runner/internal/server/networks"
	"github.com/llm-d-incubation/device-runner/internal/server/run"
)

// Server is the device HTTP server.
type Server struct {
	cfg     *common.Config
	handler http.Handler
}

// New wires the handler groups onto one mux. store may be nil to disable
// request-level model_path resolution.
func New(cfg *common.Config, manager *device.Manager, store api.ArtifactsClient) (*Server, error) {
	if cfg == nil || manager == nil {
		return nil, fmt.Errorf("server: nil config or device manager")
	}
	mux := http.NewServeMux()
	common.RegisterHandler(mux, health.NewHealthApiHandler(manager))
	common.RegisterHandler(mux, metrics.NewMetricsApiHandler())
	common.RegisterHandler(mux, networks.NewNetworksApiHandler(cfg, manager, store))
	common.RegisterHandler(mux, run.NewRunApiHandler(cfg, manager))

	return &Server{
		cfg:     cfg,
		handler: middleware.RequestMiddleware(mux),
	}, nil
}

// Handler exposes the assembled handler chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled, then shuts down gracefully. It
// blocks for the lifetime of the server.
func (s *Server) Start(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("device server listening", "address", s.cfg.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("device server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down device server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("device server shutdown failed: %w", err)
	}
	<-errCh
	return nil
}
