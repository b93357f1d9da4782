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

// Package api defines the client interface for storing and retrieving model
// artifacts: module definitions, emitted weight bundles and profiling
// reports.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ArtifactMetadata describes a stored artifact.
type ArtifactMetadata struct {
	Location string
	Size     int64
	ModTime  time.Time
}

// ArtifactsClient abstracts the artifact storage backend.
type ArtifactsClient interface {
	// Store writes an artifact. It fails if the artifact already exists or
	// the reader yields more than sizeLimit bytes.
	Store(ctx context.Context, location string, sizeLimit int64, reader io.Reader) (*ArtifactMetadata, error)

	// Retrieve opens an artifact for reading. The returned reader should be
	// closed by the caller if it implements io.Closer.
	Retrieve(ctx context.Context, location string) (io.Reader, *ArtifactMetadata, error)

	// List returns the artifacts matching the location pattern.
	List(ctx context.Context, location string) ([]ArtifactMetadata, error)

	// Delete removes an artifact.
	Delete(ctx context.Context, location string) error

	// GetContext returns a derived context with a timeout.
	GetContext(parentCtx context.Context, timeLimit time.Duration) (context.Context, context.CancelFunc)

	// Close closes the client.
	Close() error
}

// Replace stores data under location, removing any previous artifact with
// the same name first. Re-emitting a profile or bundle overwrites the last
// run's output.
func Replace(ctx context.Context, c ArtifactsClient, location string, data []byte) (*ArtifactMetadata, error) {
	if err := c.Delete(ctx, location); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove previous artifact: %w", err)
	}
	return c.Store(ctx, location, int64(len(data)), bytes.NewReader(data))
}

// Localize copies a remote artifact into dir and returns the local path.
// The local file keeps the artifact's base name.
func Localize(ctx context.Context, c ArtifactsClient, location, dir string) (string, error) {
	reader, _, err := c.Retrieve(ctx, location)
	if err != nil {
		return "", err
	}
	defer func() {
		if closer, ok := reader.(io.Closer); ok {
			_ = closer.Close()
		}
	}()

	localPath := filepath.Join(dir, filepath.Base(location))
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create local copy: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		_ = out.Close()
		_ = os.Remove(localPath)
		return "", fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close local copy: %w", err)
	}
	return localPath, nil
}
