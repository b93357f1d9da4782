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

// The entry point for the image classification driver. It partitions the
// input images over a worker pool, classifies them on an in-process
// interpreter or a remote device server and exits with the number of
// label mismatches.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/artifacts/api"
	"github.com/llm-d-incubation/device-runner/internal/artifacts/fs"
	"github.com/llm-d-incubation/device-runner/internal/artifacts/s3"
	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/backend/interp"
	"github.com/llm-d-incubation/device-runner/internal/backend/remote"
	"github.com/llm-d-incubation/device-runner/internal/classify"
	"github.com/llm-d-incubation/device-runner/internal/classify/config"
	redisrec "github.com/llm-d-incubation/device-runner/internal/results/redis"
	uredis "github.com/llm-d-incubation/device-runner/internal/util/redis"
)

// maxExitCode caps the process exit code so large mismatch counts do not
// wrap around or collide with shell-reserved values.
const maxExitCode = 125

const artifactTimeout = 2 * time.Minute

func main() {
	// initialize klog
	klog.InitFlags(nil)
	defer klog.Flush()

	// load configuration & logging setup
	cfg := config.NewConfig()
	fset := flag.NewFlagSet("image-classifier", flag.ExitOnError)

	cfgFilePath := fset.String("config", "", "Path to a YAML configuration file")
	klog.InitFlags(fset)
	cfg.AddFlags(fset)
	fset.Parse(os.Args[1:])

	if *cfgFilePath != "" {
		if err := cfg.LoadFromYAML(*cfgFilePath); err != nil {
			klog.ErrorS(err, "Failed to load config file", "path", *cfgFilePath)
			os.Exit(1)
		}
		// explicit flags override file values: re-parse on top of the
		// loaded config
		override := flag.NewFlagSet("image-classifier", flag.ExitOnError)
		override.String("config", "", "")
		klog.InitFlags(override)
		cfg.AddFlags(override)
		override.Parse(os.Args[1:])
	}
	cfg.Images = append(cfg.Images, fset.Args()...)

	if err := cfg.LoadImageList(); err != nil {
		klog.ErrorS(err, "Failed to read the image list")
		os.Exit(1)
	}
	if err := cfg.LoadExpectedLabels(); err != nil {
		klog.ErrorS(err, "Failed to read the expected labels")
		os.Exit(1)
	}

	// setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 2)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		klog.InfoS("Received shutdown signal, cancelling the run...", "signal", sig)
		cancel()

		sig = <-signalChan
		klog.InfoS("Received second shutdown signal, forcing shutdown...", "signal", sig)
		os.Exit(1)
	}()

	// setup metrics and health check endpoints (background goroutine)
	if cfg.MetricsAddress != "" {
		go func() {
			m := http.NewServeMux()

			m.Handle("/metrics", promhttp.Handler())
			m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			klog.InfoS("Starting observability server", "address", cfg.MetricsAddress)
			if err := http.ListenAndServe(cfg.MetricsAddress, m); err != nil {
				klog.ErrorS(err, "Observability server failed")
			}
		}()
	}

	// localize s3:// model references before the runner validates the path
	if strings.HasPrefix(cfg.ModelPath, "s3://") {
		localPath, err := localizeModel(ctx, cfg.ModelPath)
		if err != nil {
			klog.ErrorS(err, "Failed to localize the model", "uri", cfg.ModelPath)
			os.Exit(1)
		}
		cfg.ModelPath = localPath
	}

	// pick the compute backend
	var be backend.Backend
	var profiler *interp.Backend
	switch cfg.Backend {
	case config.BackendRemote:
		be = remote.New(remote.ClientConfig{
			BaseURL:    cfg.DeviceURL,
			MaxRetries: 3,
		})
	default:
		var opts []interp.Option
		if cfg.ProfilePath != "" {
			opts = append(opts, interp.WithProfiling())
		}
		profiler = interp.New(opts...)
		be = profiler
	}

	var runnerOpts []classify.RunnerOption
	if cfg.Streaming() {
		runnerOpts = append(runnerOpts, classify.WithStreamInput(os.Stdin, os.Stdout))
	}
	if cfg.ResultsRedisURL != "" {
		recorder, err := redisrec.NewRecorderRedis(ctx, &uredis.RedisClientConfig{
			Url:         cfg.ResultsRedisURL,
			ServiceName: "image-classifier",
		}, cfg.ResultsTTL)
		if err != nil {
			klog.ErrorS(err, "Failed to connect the results recorder", "url", cfg.ResultsRedisURL)
			os.Exit(1)
		}
		defer func() { _ = recorder.Close() }()
		runnerOpts = append(runnerOpts, classify.WithRecorder(recorder))
	}

	runner := classify.NewRunner(cfg, be, os.Stdout, runnerOpts...)
	summary, runErr := runner.Run(ctx)
	if runErr != nil {
		klog.ErrorS(runErr, "Classification run failed")
	}
	klog.InfoS("Classification run finished",
		"images", summary.Images,
		"mismatches", summary.Mismatches,
		"batches", summary.Batches,
		"failed", summary.Failed,
		"workers", summary.Workers,
		"elapsed", summary.Elapsed.String(),
	)

	if cfg.ProfilePath != "" && profiler != nil {
		if err := dumpProfile(ctx, profiler, cfg.ProfilePath); err != nil {
			klog.ErrorS(err, "Failed to write the profile", "path", cfg.ProfilePath)
			os.Exit(1)
		}
	}
	if cfg.BundleDir != "" && profiler != nil {
		if err := emitBundle(ctx, profiler, cfg); err != nil {
			klog.ErrorS(err, "Failed to emit the weights bundle", "dir", cfg.BundleDir)
			os.Exit(1)
		}
	}

	os.Exit(exitCode(summary.Mismatches+summary.Failed, runErr))
}

// exitCode derives the process exit code: the number of images that
// mismatched or failed, capped, with at least 1 on a run error.
func exitCode(bad int64, runErr error) int {
	if bad > maxExitCode {
		bad = maxExitCode
	}
	if bad == 0 && runErr != nil {
		return 1
	}
	return int(bad)
}

// localizeModel copies an s3:// model reference into a temp directory and
// returns the local path. Credentials and region come from the ambient AWS
// environment.
func localizeModel(ctx context.Context, uri string) (string, error) {
	bucket, key, err := s3.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("s3 model URI names no object: %s", uri)
	}
	client, err := s3.New(ctx, s3.Config{
		Bucket: bucket,
		Region: os.Getenv("AWS_REGION"),
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	dir, err := os.MkdirTemp("", "image-classifier-model-*")
	if err != nil {
		return "", err
	}
	sctx, cancel := client.GetContext(ctx, artifactTimeout)
	defer cancel()
	return api.Localize(sctx, client, key, dir)
}

// dumpProfile serializes the recorded activation ranges as YAML next to
// profilePath, replacing any previous dump.
func dumpProfile(ctx context.Context, profiler *interp.Backend, profilePath string) error {
	report := profiler.ProfileReport()
	raw, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize the profile: %w", err)
	}

	store, err := fs.New(filepath.Dir(profilePath))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sctx, cancel := store.GetContext(ctx, artifactTimeout)
	defer cancel()
	_, err = api.Replace(sctx, store, filepath.Base(profilePath), raw)
	return err
}

// emitBundle compiles the configured function once more and stores its
// manifest and weight blob under the bundle directory.
func emitBundle(ctx context.Context, profiler *interp.Backend, cfg *config.ClassifierConfig) error {
	module, err := backend.LoadModule(cfg.ModelPath)
	if err != nil {
		return err
	}
	fn, err := module.Function(cfg.Function)
	if err != nil {
		return err
	}
	// bundles are emitted for a single-sample batch
	bundle, err := profiler.EmitBundle(ctx, fn.WithBatch(1))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.BundleDir, 0o755); err != nil {
		return err
	}
	store, err := fs.New(cfg.BundleDir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sctx, cancel := store.GetContext(ctx, artifactTimeout)
	defer cancel()
	if _, err := api.Replace(sctx, store, fn.Name+".manifest.json", bundle.Manifest); err != nil {
		return err
	}
	_, err = api.Replace(sctx, store, fn.Name+".weights.bin", bundle.Weights)
	return err
}
