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

// The entry point for the device server. It exposes one interpreter-backed
// device over HTTP, handling configuration, an optional model preload and
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/artifacts/fs"
	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/backend/interp"
	"github.com/llm-d-incubation/device-runner/internal/device"
	"github.com/llm-d-incubation/device-runner/internal/server"
	"github.com/llm-d-incubation/device-runner/internal/server/common"
)

func main() {
	config := common.NewConfig()

	// load and validate config
	fset := flag.NewFlagSet("device-server", flag.ContinueOnError)
	klog.InitFlags(fset)
	config.AddFlags(fset)
	if err := fset.Parse(os.Args[1:]); err != nil {
		klog.Fatalf("failed to parse config: %v", err)
	}
	if err := config.Validate(); err != nil {
		klog.Fatalf("failed to validate config: %v", err)
	}

	// make sure to flush logs before exiting
	defer klog.Flush()

	// graceful shutdown
	parentCtx := context.Background()
	c := make(chan os.Signal, 2)
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()

	logger := klog.FromContext(ctx)

	store, err := fs.New(config.ModelDir)
	if err != nil {
		logger.Error(err, "failed to open model directory", "dir", config.ModelDir)
		return
	}
	defer func() { _ = store.Close() }()

	manager := device.New(config.DeviceName, interp.New())
	defer manager.Stop(true)

	if config.PreloadModelPath != "" {
		if err := preload(ctx, manager, config); err != nil {
			logger.Error(err, "failed to preload model", "path", config.PreloadModelPath)
			return
		}
		logger.Info("preloaded model", "path", config.PreloadModelPath)
	}

	logger.Info("starting device server", "device", config.DeviceName)

	srv, err := server.New(config, manager, store)
	if err != nil {
		logger.Error(err, "failed to create device server")
		return
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error(err, "failed to start device server")
		return
	}
	logger.Info("device server is terminated")
}

// preload loads the configured model file onto the device and waits for the
// compile to finish.
func preload(ctx context.Context, manager *device.Manager, config *common.Config) error {
	module, err := backend.LoadModule(config.PreloadModelPath)
	if err != nil {
		return err
	}
	bound := make([]backend.FunctionDef, len(module.Functions))
	for i, fn := range module.Functions {
		bound[i] = fn.WithBatch(config.PreloadBatchSize)
	}
	done := make(chan error, 1)
	if err := manager.AddNetwork(ctx, module, bound, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
